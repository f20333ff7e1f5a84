package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuicRotor/internal/control"
	"QuicRotor/internal/rotation"
	"QuicRotor/internal/storage"
	"QuicRotor/internal/transport/memconn"
)

// mockController records calls and returns canned values.
type mockController struct {
	status   rotation.StatusCounts
	conns    []rotation.ConnectionInfo
	events   []rotation.Event
	err      error
	rotated  []string
	histN    int
	rotAllOK int
}

func (m *mockController) Status() (rotation.StatusCounts, error) { return m.status, m.err }
func (m *mockController) Connections() ([]rotation.ConnectionInfo, error) {
	return m.conns, m.err
}
func (m *mockController) RotateAll() (int, error) { return m.rotAllOK, m.err }

func (m *mockController) Rotate(id string) (string, bool, error) {
	m.rotated = append(m.rotated, id)
	return strings.ToUpper(id), true, m.err
}

func (m *mockController) History(id string, n int) ([]rotation.Event, error) {
	m.histN = n
	return m.events, m.err
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	return w
}

func TestHealthEndpoint(t *testing.T) {
	h := New(":0", &mockController{}, nil).Handler()

	w := do(t, h, "GET", "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	ctrl := &mockController{status: rotation.StatusCounts{Total: 3, Scheduled: 2, Dormant: 1, Attempts: 7, Successes: 5}}
	h := New(":0", ctrl, nil).Handler()

	w := do(t, h, "GET", "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp rotation.StatusCounts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ctrl.status, resp)

	ctrl.err = rotation.ErrShutdown
	w = do(t, h, "GET", "/status")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRotateEndpoint(t *testing.T) {
	ctrl := &mockController{rotAllOK: 4}
	h := New(":0", ctrl, nil).Handler()

	w := do(t, h, "POST", "/rotate")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"triggered":4}`, w.Body.String())

	w = do(t, h, "POST", "/rotate?id=01ab")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"id":"01AB","triggered":true}`, w.Body.String())
	assert.Equal(t, []string{"01ab"}, ctrl.rotated)

	w = do(t, h, "GET", "/rotate")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	ctrl.err = fmt.Errorf("%w: 2 matches", control.ErrAmbiguous)
	w = do(t, h, "POST", "/rotate?id=01")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsEndpoint(t *testing.T) {
	ctrl := &mockController{}
	h := New(":0", ctrl, nil).Handler()

	w := do(t, h, "GET", "/connections/abc/events?n=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
	assert.Equal(t, 5, ctrl.histN)

	w = do(t, h, "GET", "/connections/abc/events?n=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ctrl.err = rotation.ErrUnknownConnection
	w = do(t, h, "GET", "/connections/abc/events")
	assert.Equal(t, http.StatusNotFound, w.Code)

	ctrl.err = errors.New("pebble: closed")
	w = do(t, h, "GET", "/connections/abc/events")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServerEndToEnd(t *testing.T) {
	store, err := storage.New("")
	require.NoError(t, err)
	defer store.Close()

	index, err := storage.NewEventIndex(store, 0)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	sched, err := rotation.NewScheduler(rotation.Config{BaseInterval: time.Hour}, index, rotation.NewMetrics(reg))
	require.NoError(t, err)
	defer sched.Shutdown(context.Background())

	id, err := sched.Admit(memconn.New(memconn.Options{Seed: "http", Advertise: 2}))
	require.NoError(t, err)

	srv := New("127.0.0.1:0", control.New(sched, index), reg)
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	base := "http://" + srv.Addr()

	resp, err := http.Post(base+"/rotate", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		st, err := sched.Status()
		return err == nil && st.Successes == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp, err = http.Get(base + "/connections/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []rotation.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, rotation.OutcomeRotated, events[0].Outcome)
	assert.Equal(t, rotation.TriggerForced, events[0].Trigger)

	resp, err = http.Get(base + "/connections")
	require.NoError(t, err)
	defer resp.Body.Close()

	var conns []rotation.ConnectionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conns))
	require.Len(t, conns, 1)
	assert.Equal(t, id, conns[0].ID)
	assert.Equal(t, uint64(1), conns[0].SuccessCount)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cid_rotation_attempts_total{outcome="Rotated",trigger="Forced"} 1`)
	assert.Contains(t, string(body), "cid_rotation_successes_total 1")
}
