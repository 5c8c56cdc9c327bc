package calls_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"calltimer/internal/calls"
	"calltimer/internal/control"
	"calltimer/internal/logging"
)

type fakeTerminator struct {
	mu    sync.Mutex
	urls  []string
	err   error
	fired chan string
}

func newFakeTerminator() *fakeTerminator {
	return &fakeTerminator{fired: make(chan string, 16)}
}

func (f *fakeTerminator) Terminate(_ context.Context, controlURL string) error {
	f.mu.Lock()
	f.urls = append(f.urls, controlURL)
	err := f.err
	f.mu.Unlock()
	f.fired <- controlURL
	return err
}

func (f *fakeTerminator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []calls.Event
}

func (l *eventLog) OnCallEvent(ev calls.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []calls.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]calls.EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func newRegistry(t *testing.T, opts calls.Options) *calls.Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	r := calls.New(opts)
	t.Cleanup(r.Close)
	return r
}

func waitFired(t *testing.T, ch <-chan string, within time.Duration) string {
	t.Helper()
	select {
	case url := <-ch:
		return url
	case <-time.After(within):
		t.Fatalf("no termination within %v", within)
		return ""
	}
}

func waitUntil(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", within)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	r := newRegistry(t, calls.Options{MaxDuration: 50 * time.Millisecond, GracePeriod: time.Second, Terminator: term})

	r.Start("A", "https://ex/ctrl")
	r.Start("A", "https://ex/other")

	if got := r.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	snap, ok := r.Get("A")
	if !ok || snap.ControlURL != "https://ex/ctrl" {
		t.Fatalf("Get(A) = %+v, %v; want first control url", snap, ok)
	}

	waitFired(t, term.fired, time.Second)
	time.Sleep(100 * time.Millisecond)
	if got := term.count(); got != 1 {
		t.Fatalf("terminations = %d, want 1", got)
	}
}

func TestDeadlineFiresOnce(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	r := newRegistry(t, calls.Options{MaxDuration: 40 * time.Millisecond, GracePeriod: time.Second, Terminator: term})

	start := time.Now()
	r.Start("A", "https://ex/ctrl")

	if url := waitFired(t, term.fired, time.Second); url != "https://ex/ctrl" {
		t.Fatalf("terminated url = %q, want https://ex/ctrl", url)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("terminated after %v, want >= 40ms", elapsed)
	}

	snap, ok := r.Get("A")
	if !ok {
		t.Fatal("record removed before grace period")
	}
	if !snap.Ended || snap.Reason != calls.ReasonTimeout {
		t.Fatalf("snapshot = %+v, want ended by timeout", snap)
	}

	if r.Terminate("A", calls.ReasonManual) {
		t.Fatal("second Terminate() = true, want no-op")
	}
	if r.CheckExpired("A") {
		t.Fatal("CheckExpired() on ended call = true, want no-op")
	}
	time.Sleep(60 * time.Millisecond)
	if got := term.count(); got != 1 {
		t.Fatalf("terminations = %d, want 1", got)
	}
}

func TestExplicitTerminate(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	r := newRegistry(t, calls.Options{MaxDuration: 80 * time.Millisecond, GracePeriod: time.Second, Terminator: term})

	r.Start("A", "https://ex/ctrl")
	if !r.Terminate("A", calls.ReasonManual) {
		t.Fatal("Terminate() = false, want true")
	}
	waitFired(t, term.fired, time.Second)

	// the deadline timer must have been cancelled
	time.Sleep(150 * time.Millisecond)
	if got := term.count(); got != 1 {
		t.Fatalf("terminations = %d, want 1", got)
	}
	snap, _ := r.Get("A")
	if snap.Reason != calls.ReasonManual {
		t.Fatalf("Reason = %q, want %q", snap.Reason, calls.ReasonManual)
	}
}

func TestNaturalEndCancelsDeadline(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	r := newRegistry(t, calls.Options{MaxDuration: 40 * time.Millisecond, GracePeriod: time.Second, Terminator: term})

	r.Start("B", "https://ex/ctrl")
	if !r.HandleNaturalEnd("B") {
		t.Fatal("HandleNaturalEnd() = false, want true")
	}
	if got := r.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}

	time.Sleep(120 * time.Millisecond)
	if got := term.count(); got != 0 {
		t.Fatalf("terminations = %d, want 0", got)
	}
	if r.HandleNaturalEnd("B") {
		t.Fatal("HandleNaturalEnd() on unknown call = true, want false")
	}
}

func TestNaturalEndAfterTerminationKeepsRecord(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	r := newRegistry(t, calls.Options{MaxDuration: time.Hour, GracePeriod: time.Second, Terminator: term})

	r.Start("A", "https://ex/ctrl")
	r.Terminate("A", calls.ReasonManual)
	waitFired(t, term.fired, time.Second)

	if r.HandleNaturalEnd("A") {
		t.Fatal("HandleNaturalEnd() on ended call = true, want no-op")
	}
	if _, ok := r.Get("A"); !ok {
		t.Fatal("ended record removed before grace period")
	}
}

func TestRemovalAfterGracePeriod(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	events := &eventLog{}
	r := newRegistry(t, calls.Options{
		MaxDuration: time.Hour,
		GracePeriod: 100 * time.Millisecond,
		Terminator:  term,
		Listeners:   []calls.Listener{events},
	})

	r.Start("A", "https://ex/ctrl")
	terminatedAt := time.Now()
	r.Terminate("A", calls.ReasonManual)

	time.Sleep(30 * time.Millisecond)
	if _, ok := r.Get("A"); !ok {
		t.Fatal("record removed before grace period")
	}

	waitUntil(t, time.Second, func() bool { return r.Count() == 0 })
	if elapsed := time.Since(terminatedAt); elapsed < 100*time.Millisecond {
		t.Fatalf("record removed after %v, want >= 100ms", elapsed)
	}

	// a late duplicate start after removal tracks a fresh call
	r.Start("A", "https://ex/ctrl")
	snap, ok := r.Get("A")
	if !ok || snap.Ended {
		t.Fatalf("Get(A) = %+v, %v; want fresh record", snap, ok)
	}

	got := events.types()
	want := []calls.EventType{calls.EventTracked, calls.EventTerminated, calls.EventRemoved, calls.EventTracked}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestStartWithoutControlURL(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	r := newRegistry(t, calls.Options{MaxDuration: 20 * time.Millisecond, Terminator: term})

	r.Start("C", "")
	r.Start("", "https://ex/ctrl")

	if got := r.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
	time.Sleep(60 * time.Millisecond)
	if got := term.count(); got != 0 {
		t.Fatalf("terminations = %d, want 0", got)
	}
	if r.Terminate("C", calls.ReasonManual) {
		t.Fatal("Terminate() on untracked call = true, want false")
	}
}

func TestCheckExpired(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	term := newFakeTerminator()
	r := newRegistry(t, calls.Options{MaxDuration: 15 * time.Second, GracePeriod: time.Hour, Terminator: term, Now: clock.Now})

	r.Start("A", "https://ex/ctrl")

	clock.Advance(10 * time.Second)
	if r.CheckExpired("A") {
		t.Fatal("CheckExpired() before limit = true, want false")
	}
	if r.CheckExpired("unknown") {
		t.Fatal("CheckExpired(unknown) = true, want false")
	}

	clock.Advance(6 * time.Second)
	if !r.CheckExpired("A") {
		t.Fatal("CheckExpired() past limit = false, want true")
	}
	waitFired(t, term.fired, time.Second)

	snap, _ := r.Get("A")
	if snap.Reason != calls.ReasonExceeded {
		t.Fatalf("Reason = %q, want %q", snap.Reason, calls.ReasonExceeded)
	}
	if snap.ElapsedSeconds != 16 {
		t.Fatalf("ElapsedSeconds = %v, want 16", snap.ElapsedSeconds)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	term := newFakeTerminator()
	r := newRegistry(t, calls.Options{MaxDuration: 15 * time.Second, GracePeriod: time.Hour, Terminator: term, Now: clock.Now})

	r.Start("old", "https://ex/old")
	clock.Advance(10 * time.Second)
	r.Start("new", "https://ex/new")
	clock.Advance(6 * time.Second)

	if n := r.SweepExpired(); n != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", n)
	}
	if url := waitFired(t, term.fired, time.Second); url != "https://ex/old" {
		t.Fatalf("terminated %q, want https://ex/old", url)
	}
	if n := r.SweepExpired(); n != 0 {
		t.Fatalf("second SweepExpired() = %d, want 0", n)
	}

	list := r.List()
	if len(list) != 2 || list[0].CallID != "old" || list[1].CallID != "new" {
		t.Fatalf("List() = %+v, want [old new]", list)
	}
}

func TestTerminationFailureIsRecorded(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	term.err = errors.New("connection refused")
	events := &eventLog{}
	r := newRegistry(t, calls.Options{MaxDuration: time.Hour, GracePeriod: time.Hour, Terminator: term, Listeners: []calls.Listener{events}})

	r.Start("A", "https://ex/ctrl")
	if !r.Terminate("A", calls.ReasonManual) {
		t.Fatal("Terminate() = false, want true")
	}
	waitFired(t, term.fired, time.Second)
	waitUntil(t, time.Second, func() bool { return len(events.types()) == 3 })

	if got := events.types()[2]; got != calls.EventTerminationFailed {
		t.Fatalf("last event = %q, want %q", got, calls.EventTerminationFailed)
	}
	snap, ok := r.Get("A")
	if !ok || !snap.Ended {
		t.Fatalf("Get(A) = %+v, %v; want ended record despite failure", snap, ok)
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	t.Parallel()
	term := newFakeTerminator()
	r := calls.New(calls.Options{MaxDuration: 30 * time.Millisecond, Terminator: term, Logger: logging.Discard()})

	r.Start("A", "https://ex/ctrl")
	r.Start("B", "https://ex/ctrl")
	r.Close()

	time.Sleep(80 * time.Millisecond)
	if got := term.count(); got != 0 {
		t.Fatalf("terminations after Close = %d, want 0", got)
	}
	r.Start("C", "https://ex/ctrl")
	if got := r.Count(); got != 0 {
		t.Fatalf("Count() after Close = %d, want 0", got)
	}
	r.Close()
}

func TestTimeoutSendsSingleEndCall(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		commands []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var cmd control.Command
		_ = json.NewDecoder(req.Body).Decode(&cmd)
		mu.Lock()
		commands = append(commands, cmd.Type)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := control.NewClient(control.Options{Timeout: 5 * time.Second, Logger: logging.Discard()})
	r := newRegistry(t, calls.Options{MaxDuration: time.Second, GracePeriod: 30 * time.Second, Terminator: client})

	r.Start("A", srv.URL)
	time.Sleep(1200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(commands) != 1 || commands[0] != "end-call" {
		t.Fatalf("commands = %v, want [end-call]", commands)
	}
}
