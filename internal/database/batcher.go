package database

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"calltimer/internal/calls"
	"calltimer/internal/logging"
)

const (
	BatchSize     = 200
	FlushInterval = 500 * time.Millisecond
	BufferSize    = 5000
)

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// HistoryEntry is one row of calltimer_call_history
type HistoryEntry struct {
	ID             string    `json:"id"`
	CallID         string    `json:"callId"`
	Event          string    `json:"event"`
	Reason         string    `json:"reason,omitempty"`
	ControlURL     string    `json:"controlUrl,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	OccurredAt     time.Time `json:"occurredAt"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	Error          string    `json:"error,omitempty"`
}

// HistoryBatcher buffers call events and writes them in bulk. It is a
// calls.Listener; removals are not recorded.
type HistoryBatcher struct {
	db        Execer
	entries   chan HistoryEntry
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	log       *logrus.Entry
}

// NewHistoryBatcher creates a new batcher
func NewHistoryBatcher(db Execer) *HistoryBatcher {
	return &HistoryBatcher{
		db:      db,
		entries: make(chan HistoryEntry, BufferSize),
		log:     logging.For("history"),
	}
}

// Start initiates the background worker
func (b *HistoryBatcher) Start() {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = true
	b.wg.Add(1)
	b.mu.Unlock()

	go b.worker()
	b.log.Info("worker started")
}

// Stop flushes remaining entries and stops the worker
func (b *HistoryBatcher) Stop() {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = false
	close(b.entries)
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info("worker stopped")
}

// OnCallEvent implements calls.Listener
func (b *HistoryBatcher) OnCallEvent(ev calls.Event) {
	if ev.Type == calls.EventRemoved {
		return
	}
	b.Queue(HistoryEntry{
		ID:             uuid.NewString(),
		CallID:         ev.Call.CallID,
		Event:          string(ev.Type),
		Reason:         ev.Call.Reason,
		ControlURL:     ev.Call.ControlURL,
		StartedAt:      ev.Call.StartTime,
		OccurredAt:     ev.Time,
		ElapsedSeconds: ev.Call.ElapsedSeconds,
		Error:          ev.Error,
	})
}

// Queue adds an entry to the buffer. Entries are dropped, never blocked on,
// when the buffer is full or the batcher is stopped.
func (b *HistoryBatcher) Queue(entry HistoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isRunning {
		return
	}
	select {
	case b.entries <- entry:
	default:
		b.log.WithField("call_id", entry.CallID).Warn("buffer full, dropping history entry")
	}
}

func (b *HistoryBatcher) worker() {
	defer b.wg.Done()

	buffer := make([]HistoryEntry, 0, BatchSize)
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-b.entries:
			if !ok {
				if len(buffer) > 0 {
					b.flush(buffer)
				}
				return
			}
			buffer = append(buffer, entry)
			if len(buffer) >= BatchSize {
				b.flush(buffer)
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) > 0 {
				b.flush(buffer)
				buffer = buffer[:0]
			}
		}
	}
}

func (b *HistoryBatcher) flush(entries []HistoryEntry) {
	if len(entries) == 0 {
		return
	}

	start := time.Now()
	query, args := buildInsert(entries)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		b.log.WithError(err).Errorf("flushing batch of %d entries", len(entries))
		return
	}
	b.log.Debugf("flushed %d entries in %v", len(entries), time.Since(start))
}

func buildInsert(entries []HistoryEntry) (string, []any) {
	var qb strings.Builder
	qb.WriteString("INSERT INTO calltimer_call_history " +
		"(id, call_id, event, reason, control_url, started_at, occurred_at, elapsed_seconds, error) VALUES ")

	args := make([]any, 0, len(entries)*9)
	for i, e := range entries {
		if i > 0 {
			qb.WriteString(", ")
		}
		qb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")

		var errText sql.NullString
		if e.Error != "" {
			errText = sql.NullString{String: e.Error, Valid: true}
		}
		args = append(args, e.ID, e.CallID, e.Event, e.Reason, e.ControlURL,
			e.StartedAt.UTC(), e.OccurredAt.UTC(), e.ElapsedSeconds, errText)
	}
	return qb.String(), args
}
