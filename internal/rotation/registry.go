package rotation

import (
	"slices"

	"QuicRotor/internal/transport"
)

// entry is the registry record for one connection.
type entry struct {
	id    string         // id is the local logical connection id
	role  string         // role tags emitted events
	conn  transport.Conn // conn is the transport handle
	state RotationState  // state is the rotation state

	phase         Phase  // phase is the scheduler state
	timer         Timer  // timer is the armed schedule, nil when disarmed
	gen           uint64 // gen invalidates ticks from stopped timers
	inFlight      bool   // inFlight is set while an attempt runs
	pendingForced bool   // pendingForced is a coalesced forced request
}

// info copies the entry for callers outside the loop.
func (e *entry) info() ConnectionInfo {
	return ConnectionInfo{
		ID:             e.id,
		Role:           e.role,
		RemoteAddr:     e.conn.RemoteAddr(),
		Phase:          e.phase,
		Status:         e.state.Status,
		Current:        e.state.CurrentIdentifier,
		History:        e.state.History.Items(),
		LastRotationAt: e.state.LastRotationAt,
		NextDueAt:      e.state.NextDueAt,
		AttemptCount:   e.state.AttemptCount,
		SuccessCount:   e.state.SuccessCount,
		PendingForced:  e.pendingForced,
	}
}

// disarm stops the entry timer and invalidates any tick already queued.
func (e *entry) disarm() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	e.gen++
}

// Registry is the table of live connections.
// It is owned by the scheduler loop and is not safe for concurrent use.
type Registry struct {
	entries map[string]*entry // entries maps connection id to entry
	order   []string          // order lists ids in admission order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// add inserts e.
func (r *Registry) add(e *entry) {
	r.entries[e.id] = e
	r.order = append(r.order, e.id)
}

// get returns the entry for id or nil.
func (r *Registry) get(id string) *entry {
	return r.entries[id]
}

// remove drops id.
func (r *Registry) remove(id string) {
	if _, ok := r.entries[id]; !ok {
		return
	}

	delete(r.entries, id)

	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// each visits entries in admission order.
func (r *Registry) each(fn func(e *entry)) {
	for _, id := range r.order {
		fn(r.entries[id])
	}
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.entries)
}

// counts tallies entries by state.
func (r *Registry) counts() StatusCounts {
	var c StatusCounts

	r.each(func(e *entry) {
		c.Total++

		if e.state.Status == StatusClosing {
			c.Closing++
			return
		}

		switch e.phase {
		case PhaseScheduled:
			c.Scheduled++
		case PhaseAttempting:
			c.Attempting++
		case PhaseDormant:
			c.Dormant++
		}
	})

	return c
}
