package control

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuicRotor/internal/rotation"
	"QuicRotor/internal/storage"
	"QuicRotor/internal/transport/memconn"
)

// newTestController wires a scheduler that never ticks on its own to an
// in-memory event index.
func newTestController(t *testing.T) (*Controller, *rotation.Scheduler) {
	t.Helper()

	store, err := storage.New("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := storage.NewEventIndex(store, 0)
	require.NoError(t, err)

	s, err := rotation.NewScheduler(rotation.Config{
		BaseInterval:   time.Hour,
		AttemptTimeout: time.Second,
		Role:           "test",
	}, index, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	return New(s, index), s
}

// waitIdle blocks until no attempt is in flight.
func waitIdle(t *testing.T, c *Controller, attempts uint64) {
	t.Helper()

	require.Eventually(t, func() bool {
		st, err := c.Status()
		return err == nil && st.Attempting == 0 && st.Attempts == attempts
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecuteStatusAndConnections(t *testing.T) {
	c, s := newTestController(t)

	out, quit := c.Execute("connections")
	assert.False(t, quit)
	assert.Equal(t, "no connections", out)

	conn := memconn.New(memconn.Options{Seed: "status", Advertise: 2})
	id, err := s.Admit(conn)
	require.NoError(t, err)

	out, _ = c.Execute("status")
	assert.Contains(t, out, "connections: 1 (scheduled 1, attempting 0, dormant 0, closing 0)")
	assert.Contains(t, out, "attempts: 0, rotated: 0")

	out, _ = c.Execute("  CONNECTIONS  ")
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], id)
	assert.Contains(t, lines[1], "scheduled")
	assert.Contains(t, lines[1], string(conn.CurrentIdentifier()))
	assert.Contains(t, lines[1], "in ")
}

func TestExecuteRotateAllAndHistory(t *testing.T) {
	c, s := newTestController(t)

	a := memconn.New(memconn.Options{Seed: "a", Advertise: 2})
	b := memconn.New(memconn.Options{Seed: "b", Advertise: 2})

	idA, err := s.Admit(a)
	require.NoError(t, err)
	_, err = s.Admit(b)
	require.NoError(t, err)

	out, _ := c.Execute("rotate")
	assert.Equal(t, "rotation triggered on 2 connection(s)", out)
	waitIdle(t, c, 2)

	out, _ = c.Execute("status")
	assert.Contains(t, out, "attempts: 2, rotated: 2")

	out, _ = c.Execute("history " + idA)
	assert.Contains(t, out, "Forced")
	assert.Contains(t, out, "Rotated")
	assert.Contains(t, out, string(a.CurrentIdentifier()))

	events, err := c.History(idA, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "test", events[0].Role)
}

func TestExecuteRotateByPrefix(t *testing.T) {
	c, s := newTestController(t)

	id, err := s.Admit(memconn.New(memconn.Options{Seed: "p", Advertise: 1}))
	require.NoError(t, err)

	out, _ := c.Execute("rotate " + strings.ToLower(id[:20]))
	assert.Equal(t, id+": rotation triggered", out)
	waitIdle(t, c, 1)

	out, _ = c.Execute("rotate nothing-like-this")
	assert.Equal(t, "error: unknown connection", out)
}

func TestExecuteRotateDormant(t *testing.T) {
	c, s := newTestController(t)

	id, err := s.Admit(memconn.New(memconn.Options{Seed: "d", Advertise: 1, Unsupported: true}))
	require.NoError(t, err)

	c.Execute("rotate " + id)
	waitIdle(t, c, 1)

	out, _ := c.Execute("rotate " + id)
	assert.Equal(t, id+": not rotating (dormant or closing)", out)

	out, _ = c.Execute("rotate")
	assert.Equal(t, "rotation triggered on 0 connection(s)", out)
}

func TestExecuteMisc(t *testing.T) {
	c, _ := newTestController(t)

	out, quit := c.Execute("frobnicate")
	assert.False(t, quit)
	assert.Equal(t, "Unknown command: frobnicate (type 'help' for commands)", out)

	out, _ = c.Execute("help")
	assert.Contains(t, out, "rotate <id>")

	out, _ = c.Execute("history")
	assert.Equal(t, "usage: history <id> [n]", out)

	out, _ = c.Execute("history x zero")
	assert.Equal(t, `invalid count "zero"`, out)

	out, _ = c.Execute("")
	assert.Empty(t, out)

	out, quit = c.Execute("exit")
	assert.True(t, quit)
	assert.Equal(t, "Exiting...", out)
}

func TestExecuteAfterShutdown(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.Shutdown(context.Background()))

	out, _ := c.Execute("status")
	assert.Equal(t, "error: shutting down", out)

	out, _ = c.Execute("rotate")
	assert.Equal(t, "error: shutting down", out)
}

// stubRotator returns a fixed connection list.
type stubRotator struct {
	ids []string
}

func (s *stubRotator) Status() (rotation.StatusCounts, error) { return rotation.StatusCounts{}, nil }
func (s *stubRotator) Force(string) (bool, error)             { return true, nil }
func (s *stubRotator) ForceAll() (int, error)                 { return len(s.ids), nil }
func (s *stubRotator) Shutdown(context.Context) error         { return nil }

func (s *stubRotator) Connections() ([]rotation.ConnectionInfo, error) {
	out := make([]rotation.ConnectionInfo, len(s.ids))
	for i, id := range s.ids {
		out[i] = rotation.ConnectionInfo{ID: id}
	}

	return out, nil
}

func TestResolve(t *testing.T) {
	c := New(&stubRotator{ids: []string{"01ABC", "01ABD", "02XYZ"}}, nil)

	id, err := c.Resolve("02")
	require.NoError(t, err)
	assert.Equal(t, "02XYZ", id)

	id, err = c.Resolve("01abd")
	require.NoError(t, err)
	assert.Equal(t, "01ABD", id)

	_, err = c.Resolve("01AB")
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = c.Resolve("")
	assert.ErrorIs(t, err, rotation.ErrUnknownConnection)

	_, err = c.History("02", 5)
	assert.ErrorIs(t, err, ErrNoHistory)
}
