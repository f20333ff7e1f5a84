// Package rotation schedules connection identifier rotation for live
// connections.
//
// A single loop goroutine owns the Registry. Timer ticks, forced requests,
// attempt results and close notifications all reach it as messages, so at
// most one attempt per connection is ever in flight without any locking of
// per-connection state.
//
// Flow of one attempt:
//
//	Registry entry --tick/force--> AvailableCandidates -> Select -> Executor
//	    -> Event written to the Sink -> result applied back on the loop
package rotation

import (
	"context"
	"errors"
	"time"

	"QuicRotor/internal/transport"
)

var (
	// ErrShutdown is returned by operations issued after Shutdown.
	ErrShutdown = errors.New("scheduler shut down")

	// ErrUnknownConnection is returned for an id not in the registry.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Outcome is the result of one rotation attempt.
type Outcome string

const (
	OutcomeRotated     Outcome = "Rotated"
	OutcomeNoCandidate Outcome = "NoCandidateAvailable"
	OutcomeRejected    Outcome = "TransportRejected"
	OutcomeUnsupported Outcome = "Unsupported"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{OutcomeRotated, OutcomeNoCandidate, OutcomeRejected, OutcomeUnsupported}

// Trigger says why an attempt started.
type Trigger string

const (
	TriggerScheduled Trigger = "Scheduled"
	TriggerForced    Trigger = "Forced"
)

// Status is the lifecycle status of a connection.
type Status string

const (
	StatusActive  Status = "Active"
	StatusClosing Status = "Closing"
	StatusClosed  Status = "Closed"
)

// Phase is the scheduler state of a connection.
type Phase string

const (
	PhaseScheduled  Phase = "scheduled"
	PhaseAttempting Phase = "attempting"
	PhaseDormant    Phase = "dormant"
	PhaseRemoved    Phase = "removed"
)

// Event is the immutable record of one rotation attempt.
type Event struct {
	Timestamp           time.Time            `json:"timestamp"`
	ConnectionID        string               `json:"connection_id"`
	Role                string               `json:"role,omitempty"`
	PreviousIdentifier  transport.Identifier `json:"previous_identifier"`
	CandidateIdentifier transport.Identifier `json:"candidate_identifier,omitempty"`
	Outcome             Outcome              `json:"outcome"`
	Trigger             Trigger              `json:"trigger"`
}

// Sink receives rotation events in production order.
type Sink interface {
	// Write appends one event. A failure must leave earlier entries intact.
	Write(ctx context.Context, ev Event) error

	// Flush makes written events durable.
	Flush(ctx context.Context) error
}

// RotationState is the per-connection rotation state.
// LastRotationAt is the instant the current schedule was computed from:
// admission or the resolution of the latest attempt.
type RotationState struct {
	CurrentIdentifier transport.Identifier
	History           *History
	LastRotationAt    time.Time
	LastSuccessAt     time.Time
	NextDueAt         time.Time
	JitterMin         time.Duration
	JitterMax         time.Duration
	Status            Status
	AttemptCount      uint64
	SuccessCount      uint64
}

// ConnectionInfo is a point-in-time copy of one registry entry.
type ConnectionInfo struct {
	ID             string                 `json:"id"`
	Role           string                 `json:"role,omitempty"`
	RemoteAddr     string                 `json:"remote_addr"`
	Phase          Phase                  `json:"phase"`
	Status         Status                 `json:"status"`
	Current        transport.Identifier   `json:"current_identifier"`
	History        []transport.Identifier `json:"history"`
	LastRotationAt time.Time              `json:"last_rotation_at"`
	NextDueAt      time.Time              `json:"next_due_at,omitzero"`
	AttemptCount   uint64                 `json:"attempt_count"`
	SuccessCount   uint64                 `json:"success_count"`
	PendingForced  bool                   `json:"pending_forced"`
}

// StatusCounts summarizes the registry by state.
type StatusCounts struct {
	Total            int    `json:"total"`
	Scheduled        int    `json:"scheduled"`
	Attempting       int    `json:"attempting"`
	Dormant          int    `json:"dormant"`
	Closing          int    `json:"closing"`
	Attempts         uint64 `json:"attempts"`
	Successes        uint64 `json:"successes"`
	LogWriteFailures uint64 `json:"log_write_failures"`
	ShuttingDown     bool   `json:"shutting_down"`
}
