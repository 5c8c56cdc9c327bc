package calls_test

import (
	"testing"
	"time"

	"calltimer/internal/calls"
)

func TestSweeperEndsOverdueCalls(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	term := newFakeTerminator()
	// the deadline timer is far away; only the sweeper can end the call
	r := newRegistry(t, calls.Options{MaxDuration: time.Hour, GracePeriod: time.Hour, Terminator: term, Now: clock.Now})

	r.Start("A", "https://ex/ctrl")
	clock.Advance(2 * time.Hour)

	s := calls.NewSweeper(r, 10*time.Millisecond)
	s.Start()
	t.Cleanup(s.Stop)

	waitFired(t, term.fired, time.Second)
	snap, _ := r.Get("A")
	if snap.Reason != calls.ReasonExceeded {
		t.Fatalf("Reason = %q, want %q", snap.Reason, calls.ReasonExceeded)
	}
}

func TestSweeperDisabled(t *testing.T) {
	t.Parallel()
	s := calls.NewSweeper(nil, 0)
	s.Start()
	s.Stop()
}
