package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"QuicRotor/internal/logger"
	"QuicRotor/internal/transport"
)

// Attempt describes one rotation attempt handed to the Executor.
type Attempt struct {
	ConnID   string               // ConnID is the local logical connection id
	Role     string               // Role tags the emitted event
	Conn     transport.Conn       // Conn is the transport handle
	Previous transport.Identifier // Previous is the confirmed outbound identifier
	History  *History             // History is a private copy of the reuse window
	Trigger  Trigger              // Trigger says why the attempt started
	Started  time.Time            // Started is the attempt start time
}

// Result is what an attempt reports back to the scheduler.
type Result struct {
	ConnID    string
	Outcome   Outcome
	Candidate transport.Identifier
	Event     Event
	Err       error // Err is the transport error behind a non-Rotated outcome
	LogErr    error // LogErr is set when the event could not be written
}

// Executor applies a selected identifier through the transport and
// records the outcome.
type Executor struct {
	sink    Sink          // sink receives exactly one event per attempt
	timeout time.Duration // timeout bounds the switch call
}

// NewExecutor creates an executor writing to sink.
func NewExecutor(sink Sink, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	return &Executor{sink: sink, timeout: timeout}
}

// Execute switches conn to candidate and classifies the outcome.
// A transport without a switch primitive is OutcomeUnsupported whatever
// the candidate. An absent candidate yields OutcomeNoCandidate without
// touching the transport. A switch that outlives the timeout is
// OutcomeRejected.
func (e *Executor) Execute(ctx context.Context, conn transport.Conn, candidate transport.Identifier) (Outcome, error) {
	sw, ok := conn.(transport.IdentifierSwitcher)
	if !ok {
		return OutcomeUnsupported, transport.ErrUnsupported
	}

	if candidate.IsZero() {
		return OutcomeNoCandidate, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sw.SwitchIdentifier(ctx, candidate)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("switch exceeded %s:\n%w", e.timeout, ctx.Err())
	}

	switch {
	case err == nil:
		return OutcomeRotated, nil
	case errors.Is(err, transport.ErrUnsupported):
		return OutcomeUnsupported, err
	default:
		return OutcomeRejected, err
	}
}

// Run performs a full attempt: query the pool, select, execute, and
// write the event. It never returns without emitting exactly one event.
func (e *Executor) Run(ctx context.Context, a Attempt) Result {
	candidates, err := AvailableCandidates(ctx, a.Conn)
	if err != nil {
		logger.Debug("candidate query failed", "conn", a.ConnID, "error", err)
		candidates = nil
	}

	candidate, _ := Select(candidates, a.History)

	outcome, execErr := e.Execute(ctx, a.Conn, candidate)

	ev := Event{
		Timestamp:           a.Started,
		ConnectionID:        a.ConnID,
		Role:                a.Role,
		PreviousIdentifier:  a.Previous,
		CandidateIdentifier: candidate,
		Outcome:             outcome,
		Trigger:             a.Trigger,
	}

	res := Result{
		ConnID:    a.ConnID,
		Outcome:   outcome,
		Candidate: candidate,
		Event:     ev,
		Err:       execErr,
	}

	if e.sink != nil {
		if err := e.sink.Write(context.WithoutCancel(ctx), ev); err != nil {
			res.LogErr = err
		}
	}

	return res
}
