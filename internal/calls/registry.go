package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"calltimer/internal/logging"
)

// Termination reasons
const (
	ReasonTimeout  = "timeout"
	ReasonExceeded = "exceeded"
	ReasonManual   = "manual"
)

// Terminator performs the remote end-call action for a control URL.
type Terminator interface {
	Terminate(ctx context.Context, controlURL string) error
}

// Listener receives registry events. Calls happen outside the registry lock
// and must not block for long.
type Listener interface {
	OnCallEvent(Event)
}

// callRecord is a tracked call. All fields are guarded by Registry.mu.
type callRecord struct {
	callID     string
	controlURL string
	startTime  time.Time
	deadline   *time.Timer
	cleanup    *time.Timer
	ended      bool
	endedAt    time.Time
	reason     string
}

func (c *callRecord) snapshot(now time.Time) Snapshot {
	s := Snapshot{
		CallID:     c.callID,
		ControlURL: c.controlURL,
		StartTime:  c.startTime,
		Ended:      c.ended,
		Reason:     c.reason,
	}
	end := now
	if c.ended {
		endedAt := c.endedAt
		s.EndedAt = &endedAt
		end = endedAt
	}
	s.ElapsedSeconds = end.Sub(c.startTime).Seconds()
	return s
}

// Options configures a Registry.
type Options struct {
	// MaxDuration is how long a call may run before it is ended remotely.
	MaxDuration time.Duration
	// GracePeriod is how long an ended record is kept to absorb late events.
	GracePeriod time.Duration
	Terminator  Terminator
	Listeners   []Listener
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *logrus.Entry
}

// Registry tracks active calls and ends the ones that outlive MaxDuration.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*callRecord

	maxDuration time.Duration
	gracePeriod time.Duration
	terminator  Terminator
	listeners   []Listener
	now         func() time.Time
	log         *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a registry. Call Close to release its timers.
func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.For("registry")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		calls:       make(map[string]*callRecord),
		maxDuration: opts.MaxDuration,
		gracePeriod: opts.GracePeriod,
		terminator:  opts.Terminator,
		listeners:   opts.Listeners,
		now:         opts.Now,
		log:         opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// MaxDuration returns the configured per-call limit.
func (r *Registry) MaxDuration() time.Duration {
	return r.maxDuration
}

// Start begins tracking callID. Duplicate starts are ignored, and a call
// without a control URL cannot be tracked.
func (r *Registry) Start(callID, controlURL string) {
	log := r.log.WithField("call_id", callID)
	if callID == "" {
		log.Warn("refusing to track call without id")
		return
	}
	if controlURL == "" {
		log.Warn("no control url, call cannot be tracked")
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, ok := r.calls[callID]; ok {
		r.mu.Unlock()
		log.Debug("already tracking call")
		return
	}
	rec := &callRecord{
		callID:     callID,
		controlURL: controlURL,
		startTime:  r.now(),
	}
	rec.deadline = time.AfterFunc(r.maxDuration, func() {
		r.terminate(rec.callID, rec, ReasonTimeout)
	})
	r.calls[callID] = rec
	snap := rec.snapshot(rec.startTime)
	r.mu.Unlock()

	log.WithField("control_url", controlURL).Infof("tracking call, will end in %v", r.maxDuration)
	r.publish(EventTracked, snap, nil)
}

// Terminate marks callID ended and sends the remote end-call command.
// It reports whether this call transitioned the record; ended or unknown
// calls are left alone.
func (r *Registry) Terminate(callID, reason string) bool {
	return r.terminate(callID, nil, reason)
}

// terminate ends callID. When expect is set the record must still be that
// exact record, so a stale timer never ends a newer call with the same id.
func (r *Registry) terminate(callID string, expect *callRecord, reason string) bool {
	r.mu.Lock()
	rec, ok := r.calls[callID]
	if r.closed || !ok || rec.ended || (expect != nil && rec != expect) {
		r.mu.Unlock()
		return false
	}
	rec.ended = true
	rec.endedAt = r.now()
	rec.reason = reason
	if rec.deadline != nil {
		rec.deadline.Stop()
	}
	rec.cleanup = time.AfterFunc(r.gracePeriod, func() {
		r.remove(rec)
	})
	snap := rec.snapshot(rec.endedAt)
	controlURL := rec.controlURL
	r.wg.Add(1)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"call_id": callID,
		"reason":  reason,
		"elapsed": time.Duration(snap.ElapsedSeconds * float64(time.Second)).Round(100 * time.Millisecond),
	}).Info("ending call")
	r.publish(EventTerminated, snap, nil)

	go r.sendTermination(snap, controlURL)
	return true
}

func (r *Registry) sendTermination(snap Snapshot, controlURL string) {
	defer r.wg.Done()

	log := r.log.WithField("call_id", snap.CallID)
	if r.terminator == nil {
		log.Error("no terminator configured, call was not ended remotely")
		return
	}
	if err := r.terminator.Terminate(r.ctx, controlURL); err != nil {
		log.WithError(err).Error("failed to end call")
		r.publish(EventTerminationFailed, snap, err)
		return
	}
	log.Info("call ended successfully")
}

// HandleNaturalEnd stops tracking a call that ended on the platform side.
// No remote command is sent. Records already ended by us stay until their
// grace period elapses.
func (r *Registry) HandleNaturalEnd(callID string) bool {
	r.mu.Lock()
	rec, ok := r.calls[callID]
	if !ok || rec.ended {
		r.mu.Unlock()
		return false
	}
	if rec.deadline != nil {
		rec.deadline.Stop()
	}
	delete(r.calls, callID)
	snap := rec.snapshot(r.now())
	r.mu.Unlock()

	r.log.WithField("call_id", callID).Infof("call ended naturally after %.1fs", snap.ElapsedSeconds)
	r.publish(EventEnded, snap, nil)
	return true
}

// CheckExpired ends callID if it is still running past MaxDuration.
func (r *Registry) CheckExpired(callID string) bool {
	r.mu.Lock()
	rec, ok := r.calls[callID]
	expired := ok && !rec.ended && r.now().Sub(rec.startTime) >= r.maxDuration
	r.mu.Unlock()

	if !expired {
		return false
	}
	return r.terminate(callID, rec, ReasonExceeded)
}

// SweepExpired runs CheckExpired over every tracked call and returns how
// many were ended.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.calls))
	for id, rec := range r.calls {
		if !rec.ended {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.CheckExpired(id) {
			n++
		}
	}
	return n
}

func (r *Registry) remove(rec *callRecord) {
	r.mu.Lock()
	current, ok := r.calls[rec.callID]
	if !ok || current != rec {
		r.mu.Unlock()
		return
	}
	delete(r.calls, rec.callID)
	snap := rec.snapshot(r.now())
	r.mu.Unlock()

	r.log.WithField("call_id", rec.callID).Debug("cleaned up call")
	r.publish(EventRemoved, snap, nil)
}

// Get returns a snapshot of callID.
func (r *Registry) Get(callID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[callID]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(r.now()), true
}

// List returns all tracked calls, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	now := r.now()
	out := make([]Snapshot, 0, len(r.calls))
	for _, rec := range r.calls {
		out = append(out, rec.snapshot(now))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Count returns the number of tracked calls, ended ones included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Close stops every pending timer, aborts in-flight terminations and waits
// for them to return.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, rec := range r.calls {
		if rec.deadline != nil {
			rec.deadline.Stop()
		}
		if rec.cleanup != nil {
			rec.cleanup.Stop()
		}
		delete(r.calls, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.log.Info("registry closed")
}

func (r *Registry) publish(t EventType, snap Snapshot, err error) {
	if len(r.listeners) == 0 {
		return
	}

	ev := Event{Type: t, Call: snap, Time: r.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	for _, l := range r.listeners {
		l.OnCallEvent(ev)
	}
}
