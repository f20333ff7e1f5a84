package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuicRotor/internal/transport/memconn"
)

func TestAdmitArmsFirstSchedule(t *testing.T) {
	s, clock, _ := newTestScheduler(t, func(c *Config) {
		c.JitterMin = time.Second
		c.JitterMax = 3 * time.Second
		c.Rand = fixedRand(int64(time.Second))
	})

	conn := memconn.New(memconn.Options{Seed: "a", Advertise: 2})
	id, err := s.Admit(conn)
	require.NoError(t, err)

	info, err := s.Connection(id)
	require.NoError(t, err)

	assert.Equal(t, PhaseScheduled, info.Phase)
	assert.Equal(t, StatusActive, info.Status)
	assert.Equal(t, conn.CurrentIdentifier(), info.Current)
	assert.Equal(t, ids(string(conn.CurrentIdentifier())), info.History)
	assert.Equal(t, testBase+2*time.Second, info.NextDueAt.Sub(info.LastRotationAt))
	assert.Equal(t, 1, clock.Armed())
}

func TestScheduledRotation(t *testing.T) {
	s, clock, sink := newTestScheduler(t, nil)

	conn := memconn.New(memconn.Options{Seed: "a", Advertise: 3})
	initial := conn.CurrentIdentifier()
	cands, _ := conn.AvailableCandidates(context.Background())

	id, err := s.Admit(conn)
	require.NoError(t, err)

	clock.Advance(testBase - time.Millisecond)
	assert.Zero(t, sink.Len())

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, waitTick)
	waitPhase(t, s, id, PhaseScheduled)

	ev := sink.Events()[0]
	assert.Equal(t, OutcomeRotated, ev.Outcome)
	assert.Equal(t, TriggerScheduled, ev.Trigger)
	assert.Equal(t, initial, ev.PreviousIdentifier)
	assert.Equal(t, cands[0], ev.CandidateIdentifier)
	assert.Equal(t, "test", ev.Role)

	info, err := s.Connection(id)
	require.NoError(t, err)
	assert.Equal(t, cands[0], info.Current)
	assert.Equal(t, ids(string(initial), string(cands[0])), info.History)
	assert.Equal(t, uint64(1), info.SuccessCount)
	assert.Equal(t, 1, clock.Armed())
}

func TestRotationNeverReusesWindow(t *testing.T) {
	s, clock, sink := newTestScheduler(t, nil)

	conn := memconn.New(memconn.Options{Seed: "w", Advertise: 1, Replenish: true})
	id, err := s.Admit(conn)
	require.NoError(t, err)

	for i := range 6 {
		clock.Advance(testBase)
		require.Eventually(t, func() bool { return sink.Len() == i+1 }, waitFor, waitTick)
		waitPhase(t, s, id, PhaseScheduled)
	}

	seen := map[string]bool{}
	for _, ev := range sink.Events() {
		require.Equal(t, OutcomeRotated, ev.Outcome)
		require.False(t, seen[string(ev.CandidateIdentifier)], "identifier reused")
		seen[string(ev.CandidateIdentifier)] = true
	}

	info, _ := s.Connection(id)
	assert.Len(t, info.History, testWindow)
}

func TestNoCandidateKeepsIdentifier(t *testing.T) {
	s, _, sink := newTestScheduler(t, nil)

	conn := memconn.New(memconn.Options{Seed: "n"})
	conn.SetAdvertised(conn.CurrentIdentifier())

	id, err := s.Admit(conn)
	require.NoError(t, err)

	ok, err := s.Force(id)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, waitTick)
	waitPhase(t, s, id, PhaseScheduled)

	ev := sink.Events()[0]
	assert.Equal(t, OutcomeNoCandidate, ev.Outcome)
	assert.True(t, ev.CandidateIdentifier.IsZero())
	assert.Zero(t, conn.Switches())

	info, _ := s.Connection(id)
	assert.Equal(t, conn.CurrentIdentifier(), info.Current)
}

func TestRejectedKeepsIdentifierAndReschedules(t *testing.T) {
	s, clock, sink := newTestScheduler(t, nil)

	conn := memconn.New(memconn.Options{Seed: "r", Advertise: 2})
	before := conn.CurrentIdentifier()
	conn.RejectNext(1)

	id, err := s.Admit(conn)
	require.NoError(t, err)

	_, err = s.Force(id)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, waitTick)
	waitPhase(t, s, id, PhaseScheduled)

	assert.Equal(t, OutcomeRejected, sink.Events()[0].Outcome)

	info, _ := s.Connection(id)
	assert.Equal(t, before, info.Current)
	assert.Equal(t, uint64(1), info.AttemptCount)
	assert.Zero(t, info.SuccessCount)
	assert.Equal(t, 1, clock.Armed())
}

func TestForcedWhileIdleStartsImmediately(t *testing.T) {
	s, clock, sink := newTestScheduler(t, nil)

	conn := memconn.New(memconn.Options{Seed: "f", Advertise: 2})
	id, err := s.Admit(conn)
	require.NoError(t, err)

	ok, err := s.Force(id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, waitTick)
	waitPhase(t, s, id, PhaseScheduled)
	assert.Equal(t, TriggerForced, sink.Events()[0].Trigger)

	// The timer armed at admission was cancelled and replaced.
	assert.Equal(t, 1, clock.Armed())

	info, _ := s.Connection(id)
	assert.Equal(t, clock.Now().Add(testBase), info.NextDueAt)
}

func TestForcedWhileAttemptingCoalesces(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	clock := newFakeClock()
	sink := &recordSink{}
	s, err := NewScheduler(Config{
		BaseInterval:   testBase,
		AttemptTimeout: 5 * time.Second,
		Clock:          clock,
		Rand:           fixedRand(0),
	}, sink, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	conn := memconn.New(memconn.Options{Seed: "c", Advertise: 4})
	release := conn.Block()

	id, err := s.Admit(conn)
	require.NoError(t, err)

	ok, err := s.Force(id)
	require.NoError(t, err)
	require.True(t, ok)
	waitPhase(t, s, id, PhaseAttempting)

	for range 3 {
		ok, err := s.Force(id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	info, _ := s.Connection(id)
	assert.True(t, info.PendingForced)
	assert.Zero(t, clock.Armed())

	release()

	require.Eventually(t, func() bool { return sink.Len() == 2 }, waitFor, waitTick)
	waitPhase(t, s, id, PhaseScheduled)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sink.Len())
	assert.Equal(t, 1, conn.MaxConcurrentSwitches())

	for _, ev := range sink.Events() {
		assert.Equal(t, TriggerForced, ev.Trigger)
		assert.Equal(t, OutcomeRotated, ev.Outcome)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ForcedCoalesced))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Successes))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Attempts.WithLabelValues(string(OutcomeRotated), string(TriggerForced))))
}

func TestUnsupportedGoesDormant(t *testing.T) {
	s, clock, sink := newTestScheduler(t, nil)

	conn := memconn.New(memconn.Options{Seed: "u", Advertise: 2, Unsupported: true})
	id, err := s.Admit(conn)
	require.NoError(t, err)

	clock.Advance(testBase)
	require.Eventually(t, func() bool { return sink.Len() == 1 }, waitFor, waitTick)
	waitPhase(t, s, id, PhaseDormant)

	assert.Equal(t, OutcomeUnsupported, sink.Events()[0].Outcome)
	assert.Zero(t, clock.Armed())

	ok, err := s.Force(id)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.ForceAll()
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(10 * testBase)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.Len())

	st, err := s.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Dormant)
}

func TestConnectionWithoutCapabilitiesIsUnsupported(t *testing.T) {
	s, _, sink := newTestScheduler(t, nil)

	id, err := s.Admit(&bareConn{ctx: context.Background(), id: "aa"})
	require.NoError(t, err)

	_, err = s.Force(id)
	require.NoError(t, err)

	waitPhase(t, s, id, PhaseDormant)
	ev := sink.Events()[0]
	assert.Equal(t, OutcomeUnsupported, ev.Outcome)
	assert.True(t, ev.CandidateIdentifier.IsZero())
}

func TestCloseRemovesIdleConnection(t *testing.T) {
	s, clock, sink := newTestScheduler(t, nil)

	conn := memconn.New(memconn.Options{Seed: "x", Advertise: 1})
	id, err := s.Admit(conn)
	require.NoError(t, err)

	conn.Close()

	require.Eventually(t, func() bool {
		_, err := s.Connection(id)
		return err == ErrUnknownConnection
	}, waitFor, waitTick)

	assert.Zero(t, clock.Armed())
	assert.Zero(t, sink.Len())

	_, err = s.Force(id)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestCloseDuringAttemptWaitsForResult(t *testing.T) {
	s, clock, sink := newTestScheduler(t, nil)

	conn := memconn.New(memconn.Options{Seed: "y", Advertise: 1})
	release := conn.Block()

	id, err := s.Admit(conn)
	require.NoError(t, err)

	_, err = s.Force(id)
	require.NoError(t, err)
	waitPhase(t, s, id, PhaseAttempting)

	conn.Close()

	require.Eventually(t, func() bool {
		info, err := s.Connection(id)
		return err == nil && info.Status == StatusClosing
	}, waitFor, waitTick)

	st, _ := s.Status()
	assert.Equal(t, 1, st.Closing)

	release()

	require.Eventually(t, func() bool {
		_, err := s.Connection(id)
		return err == ErrUnknownConnection
	}, waitFor, waitTick)

	require.Equal(t, 1, sink.Len())
	assert.Equal(t, OutcomeRejected, sink.Events()[0].Outcome)
	assert.Zero(t, clock.Armed())
}

func TestShutdownDrainsInFlight(t *testing.T) {
	s, clock, sink := newTestScheduler(t, func(c *Config) {
		c.AttemptTimeout = 500 * time.Millisecond
	})

	var releases []func()
	for _, seed := range []string{"s1", "s2", "s3"} {
		conn := memconn.New(memconn.Options{Seed: seed, Advertise: 1})
		releases = append(releases, conn.Block())

		_, err := s.Admit(conn)
		require.NoError(t, err)
	}

	idle := memconn.New(memconn.Options{Seed: "idle", Advertise: 1})
	_, err := s.Admit(idle)
	require.NoError(t, err)
	idle.Block()

	n, err := s.ForceAll()
	require.NoError(t, err)
	require.Equal(t, 4, n)

	require.Eventually(t, func() bool {
		st, _ := s.Status()
		return st.Attempting == 4
	}, waitFor, waitTick)

	go func() {
		time.Sleep(20 * time.Millisecond)
		for _, r := range releases {
			r()
		}
	}()

	// The idle connection never releases; its attempt times out.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, 4, sink.Len())
	assert.Equal(t, 1, sink.flushed)
	assert.Zero(t, clock.Armed())

	_, err = s.Force("anything")
	assert.ErrorIs(t, err, ErrShutdown)

	_, err = s.Admit(memconn.New(memconn.Options{Seed: "late"}))
	assert.ErrorIs(t, err, ErrShutdown)

	_, err = s.Status()
	assert.ErrorIs(t, err, ErrShutdown)

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestLogWriteFailureStillApplies(t *testing.T) {
	s, _, sink := newTestScheduler(t, nil)
	sink.fail = true

	conn := memconn.New(memconn.Options{Seed: "l", Advertise: 1})
	id, err := s.Admit(conn)
	require.NoError(t, err)

	_, err = s.Force(id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := s.Status()
		return st.LogWriteFailures == 1
	}, waitFor, waitTick)

	st, _ := s.Status()
	assert.Equal(t, uint64(1), st.Successes)
	assert.Equal(t, uint64(1), st.Attempts)

	info, _ := s.Connection(id)
	assert.Equal(t, conn.CurrentIdentifier(), info.Current)
}

func TestConnectionsInAdmissionOrder(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)

	var want []string
	for _, seed := range []string{"o1", "o2", "o3"} {
		id, err := s.Admit(memconn.New(memconn.Options{Seed: seed}))
		require.NoError(t, err)
		want = append(want, id)
	}

	list, err := s.Connections()
	require.NoError(t, err)

	var got []string
	for _, c := range list {
		got = append(got, c.ID)
	}
	assert.Equal(t, want, got)
}

func TestNewSchedulerRejectsEmptyConfig(t *testing.T) {
	_, err := NewScheduler(Config{}, nil, nil)
	assert.Error(t, err)
}
