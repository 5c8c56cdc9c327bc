package calls

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"calltimer/internal/logging"
)

// Sweeper periodically ends calls whose deadline passed without the timer
// firing, e.g. after a clock jump or a start event that arrived late.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	log      *logrus.Entry

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewSweeper creates a sweeper over registry
func NewSweeper(registry *Registry, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		log:      logging.For("sweeper"),
		stopChan: make(chan struct{}),
	}
}

// Start begins the sweep worker. A non-positive interval disables it.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		s.log.Info("disabled")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run()
	s.log.WithField("interval", s.interval).Info("started")
}

// Stop stops the worker and waits for it to exit
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.log.Info("stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if n := s.registry.SweepExpired(); n > 0 {
				s.log.Warnf("ended %d overdue calls", n)
			}
		}
	}
}
