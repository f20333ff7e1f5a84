package rotation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"QuicRotor/internal/transport"
)

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)

	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}

	t.stopped = true

	return true
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// Armed counts timers that are neither stopped nor fired.
func (c *fakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}

	return n
}

// recordSink keeps events in memory.
type recordSink struct {
	mu      sync.Mutex
	events  []Event
	flushed int
	fail    bool
}

func (s *recordSink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return errors.New("disk full")
	}

	s.events = append(s.events, ev)

	return nil
}

func (s *recordSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushed++

	return nil
}

func (s *recordSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.events)
}

func (s *recordSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.events)
}

// bareConn implements only transport.Conn.
type bareConn struct {
	ctx context.Context
	id  transport.Identifier
}

func (c *bareConn) Context() context.Context                { return c.ctx }
func (c *bareConn) RemoteAddr() string                      { return "bare" }
func (c *bareConn) CurrentIdentifier() transport.Identifier { return c.id }

// fixedRand always returns the same offset.
type fixedRand int64

func (r fixedRand) Int64N(n int64) int64 {
	if int64(r) >= n {
		return n - 1
	}

	return int64(r)
}

const (
	testBase   = 10 * time.Second
	waitFor    = 2 * time.Second
	waitTick   = 5 * time.Millisecond
	testWindow = 4
)

// newTestScheduler builds a scheduler on a fake clock with zero jitter.
func newTestScheduler(t *testing.T, mutate func(*Config)) (*Scheduler, *fakeClock, *recordSink) {
	t.Helper()

	clock := newFakeClock()
	sink := &recordSink{}

	cfg := Config{
		BaseInterval:   testBase,
		HistorySize:    testWindow,
		AttemptTimeout: 5 * time.Second,
		Role:           "test",
		Clock:          clock,
		Rand:           fixedRand(0),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewScheduler(cfg, sink, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return s, clock, sink
}

// waitPhase blocks until the connection reaches phase.
func waitPhase(t *testing.T, s *Scheduler, id string, phase Phase) {
	t.Helper()

	require.Eventually(t, func() bool {
		info, err := s.Connection(id)
		return err == nil && info.Phase == phase
	}, waitFor, waitTick, "connection %s never reached %s", id, phase)
}
