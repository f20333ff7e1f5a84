package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"QuicRotor/internal/logger"
	"QuicRotor/internal/transport"
)

// Scheduler drives rotation for every registered connection.
// All registry access happens on the loop goroutine.
type Scheduler struct {
	cfg      Config    // cfg is the validated rotation policy
	exec     *Executor // exec performs attempts off the loop
	sink     Sink      // sink is flushed on shutdown
	metrics  *Metrics  // metrics mirrors loop counters
	registry *Registry // registry is owned by the loop

	ops     chan func()   // ops carries work onto the loop
	results chan Result   // results carries finished attempts back
	done    chan struct{} // done is closed when the loop exits

	// Loop-owned counters.
	inFlight    int
	stopping    bool
	attempts    uint64
	successes   uint64
	logFailures uint64
}

// NewScheduler validates cfg and starts the scheduling loop.
// A nil metrics value creates unregistered metrics.
func NewScheduler(cfg Config, sink Sink, metrics *Metrics) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rotation config:\n%w", err)
	}

	cfg = cfg.withDefaults()

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	s := &Scheduler{
		cfg:      cfg,
		exec:     NewExecutor(sink, cfg.AttemptTimeout),
		sink:     sink,
		metrics:  metrics,
		registry: NewRegistry(),
		ops:      make(chan func()),
		results:  make(chan Result),
		done:     make(chan struct{}),
	}

	go s.loop()

	return s, nil
}

// Admit registers a handshake-confirmed connection and arms its first
// rotation. The returned id is the local logical connection id.
func (s *Scheduler) Admit(conn transport.Conn) (string, error) {
	id := ulid.Make().String()

	var err error
	if cerr := s.call(func() { err = s.admit(id, conn) }); cerr != nil {
		return "", cerr
	}

	if err != nil {
		return "", err
	}

	go s.watch(id, conn)

	return id, nil
}

// Force requests an immediate rotation of one connection.
// It reports whether an attempt was started or queued; dormant and
// closing connections are left untouched.
func (s *Scheduler) Force(id string) (bool, error) {
	var (
		triggered bool
		err       error
	)

	if cerr := s.call(func() { triggered, err = s.force(id) }); cerr != nil {
		return false, cerr
	}

	return triggered, err
}

// ForceAll requests an immediate rotation of every active connection and
// returns how many were triggered.
func (s *Scheduler) ForceAll() (int, error) {
	var (
		n   int
		err error
	)

	cerr := s.call(func() {
		if s.stopping {
			err = ErrShutdown
			return
		}

		s.registry.each(func(e *entry) {
			if s.forceEntry(e) {
				n++
			}
		})
		s.refreshGauges()
	})
	if cerr != nil {
		return 0, cerr
	}

	return n, err
}

// Status returns counts by state and lifetime totals.
func (s *Scheduler) Status() (StatusCounts, error) {
	var c StatusCounts

	err := s.call(func() {
		c = s.registry.counts()
		c.Attempts = s.attempts
		c.Successes = s.successes
		c.LogWriteFailures = s.logFailures
		c.ShuttingDown = s.stopping
	})

	return c, err
}

// Connections returns a snapshot of every registered connection in
// admission order.
func (s *Scheduler) Connections() ([]ConnectionInfo, error) {
	var list []ConnectionInfo

	err := s.call(func() {
		list = make([]ConnectionInfo, 0, s.registry.Len())
		s.registry.each(func(e *entry) {
			list = append(list, e.info())
		})
	})

	return list, err
}

// Connection returns a snapshot of one connection.
func (s *Scheduler) Connection(id string) (ConnectionInfo, error) {
	var (
		info ConnectionInfo
		err  error
	)

	cerr := s.call(func() {
		e := s.registry.get(id)
		if e == nil {
			err = ErrUnknownConnection
			return
		}
		info = e.info()
	})
	if cerr != nil {
		return ConnectionInfo{}, cerr
	}

	return info, err
}

// Shutdown cancels every armed timer, waits for in-flight attempts to
// resolve and flushes the sink. It is safe to call more than once.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if err := s.call(s.beginShutdown); err != nil && !errors.Is(err, ErrShutdown) {
		return err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("drain rotation attempts:\n%w", ctx.Err())
	}

	if s.sink != nil {
		if err := s.sink.Flush(ctx); err != nil {
			return fmt.Errorf("flush rotation log:\n%w", err)
		}
	}

	return nil
}

// Done is closed once the loop has drained after Shutdown.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// loop is the single scheduling domain.
func (s *Scheduler) loop() {
	defer close(s.done)

	for {
		select {
		case op := <-s.ops:
			op()
		case r := <-s.results:
			s.onResult(r)
		}

		if s.stopping && s.inFlight == 0 {
			s.refreshGauges()
			return
		}
	}
}

// call runs fn on the loop and waits for it.
func (s *Scheduler) call(fn func()) error {
	reply := make(chan struct{})

	select {
	case s.ops <- func() { fn(); close(reply) }:
	case <-s.done:
		return ErrShutdown
	}

	<-reply

	return nil
}

// post queues fn on the loop without waiting for it to run.
func (s *Scheduler) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// watch turns the transport close notification into a loop message.
func (s *Scheduler) watch(id string, conn transport.Conn) {
	select {
	case <-conn.Context().Done():
		s.post(func() { s.onClosed(id) })
	case <-s.done:
	}
}

// admit creates the registry entry and arms the first schedule.
func (s *Scheduler) admit(id string, conn transport.Conn) error {
	if s.stopping {
		return ErrShutdown
	}

	current := conn.CurrentIdentifier()

	history := NewHistory(s.cfg.HistorySize)
	history.Push(current)

	e := &entry{
		id:   id,
		role: s.cfg.Role,
		conn: conn,
		state: RotationState{
			CurrentIdentifier: current,
			History:           history,
			JitterMin:         s.cfg.JitterMin,
			JitterMax:         s.cfg.JitterMax,
			Status:            StatusActive,
		},
	}

	s.registry.add(e)
	s.schedule(e, s.cfg.Clock.Now())
	s.refreshGauges()

	logger.Info("connection admitted",
		"conn", id,
		"remote", conn.RemoteAddr(),
		"identifier", current.String(),
		"next_due", e.state.NextDueAt.Format(time.RFC3339Nano),
	)

	return nil
}

// schedule arms the next timer from now.
func (s *Scheduler) schedule(e *entry, now time.Time) {
	e.disarm()

	delay := s.cfg.nextDelay()

	e.phase = PhaseScheduled
	e.state.LastRotationAt = now
	e.state.NextDueAt = now.Add(delay)

	id, gen := e.id, e.gen
	e.timer = s.cfg.Clock.AfterFunc(delay, func() {
		s.post(func() { s.onTick(id, gen) })
	})
}

// onTick starts a scheduled attempt if the tick is still current.
func (s *Scheduler) onTick(id string, gen uint64) {
	e := s.registry.get(id)
	if e == nil || e.gen != gen || e.phase != PhaseScheduled || s.stopping {
		return
	}

	e.timer = nil
	s.startAttempt(e, TriggerScheduled)
	s.refreshGauges()
}

// force handles a forced request for one connection.
func (s *Scheduler) force(id string) (bool, error) {
	if s.stopping {
		return false, ErrShutdown
	}

	e := s.registry.get(id)
	if e == nil {
		return false, ErrUnknownConnection
	}

	triggered := s.forceEntry(e)
	s.refreshGauges()

	return triggered, nil
}

// forceEntry starts an attempt when idle or coalesces into the single
// pending forced request when one is in flight.
func (s *Scheduler) forceEntry(e *entry) bool {
	if e.state.Status != StatusActive {
		return false
	}

	switch e.phase {
	case PhaseScheduled:
		s.startAttempt(e, TriggerForced)
		return true
	case PhaseAttempting:
		if e.pendingForced {
			s.metrics.ForcedCoalesced.Inc()
		}
		e.pendingForced = true
		return true
	default:
		return false
	}
}

// startAttempt hands an attempt to the executor off the loop.
func (s *Scheduler) startAttempt(e *entry, trigger Trigger) {
	if e.inFlight {
		e.pendingForced = true
		return
	}

	e.disarm()
	e.phase = PhaseAttempting
	e.inFlight = true
	e.state.NextDueAt = time.Time{}
	s.inFlight++

	a := Attempt{
		ConnID:   e.id,
		Role:     e.role,
		Conn:     e.conn,
		Previous: e.state.CurrentIdentifier,
		History:  e.state.History.Clone(),
		Trigger:  trigger,
		Started:  s.cfg.Clock.Now(),
	}

	go func() {
		s.results <- s.exec.Run(context.Background(), a)
	}()
}

// onResult applies a finished attempt to the registry.
func (s *Scheduler) onResult(r Result) {
	s.inFlight--
	defer s.refreshGauges()

	e := s.registry.get(r.ConnID)
	if e == nil {
		return
	}

	e.inFlight = false
	s.record(e, r)

	switch {
	case e.state.Status == StatusClosing:
		s.drop(e)
	case s.stopping:
		e.phase = PhaseScheduled
		e.pendingForced = false
	case r.Outcome == OutcomeUnsupported:
		e.phase = PhaseDormant
		e.pendingForced = false
	case e.pendingForced:
		e.pendingForced = false
		s.startAttempt(e, TriggerForced)
	default:
		s.schedule(e, s.cfg.Clock.Now())
	}
}

// record updates counters and state from an attempt result.
// The identifier changes only on a confirmed switch.
func (s *Scheduler) record(e *entry, r Result) {
	e.state.AttemptCount++
	s.attempts++
	s.metrics.Attempts.WithLabelValues(string(r.Outcome), string(r.Event.Trigger)).Inc()

	if r.LogErr != nil {
		s.logFailures++
		s.metrics.LogWriteFailures.Inc()
		logger.Warn("rotation log write failed", "conn", e.id, "outcome", r.Outcome, "error", r.LogErr)
	}

	switch r.Outcome {
	case OutcomeRotated:
		logger.Info("identifier rotated",
			"conn", e.id,
			"from", e.state.CurrentIdentifier.String(),
			"to", r.Candidate.String(),
			"trigger", r.Event.Trigger,
		)

		e.state.CurrentIdentifier = r.Candidate
		e.state.History.Push(r.Candidate)
		e.state.SuccessCount++
		e.state.LastSuccessAt = s.cfg.Clock.Now()
		s.successes++
		s.metrics.Successes.Inc()

	case OutcomeUnsupported:
		logger.Warn("identifier rotation unsupported by transport, rotation disabled",
			"conn", e.id,
			"remote", e.conn.RemoteAddr(),
		)

	case OutcomeRejected:
		logger.Debug("identifier switch rejected", "conn", e.id, "candidate", r.Candidate.String(), "error", r.Err)

	case OutcomeNoCandidate:
		logger.Debug("no rotation candidate available", "conn", e.id)
	}
}

// onClosed handles the transport close notification. An entry with an
// attempt in flight stays until the attempt resolves.
func (s *Scheduler) onClosed(id string) {
	e := s.registry.get(id)
	if e == nil {
		return
	}

	e.disarm()
	e.pendingForced = false

	if e.inFlight {
		e.state.Status = StatusClosing
		logger.Debug("connection closed with attempt in flight", "conn", id)
		s.refreshGauges()
		return
	}

	s.drop(e)
	s.refreshGauges()
}

// drop removes a closed connection from the registry.
func (s *Scheduler) drop(e *entry) {
	e.disarm()
	e.state.Status = StatusClosed
	e.phase = PhaseRemoved
	s.registry.remove(e.id)

	logger.Info("connection removed",
		"conn", e.id,
		"attempts", e.state.AttemptCount,
		"successes", e.state.SuccessCount,
	)
}

// beginShutdown stops every timer and pending request.
func (s *Scheduler) beginShutdown() {
	if s.stopping {
		return
	}

	s.stopping = true

	s.registry.each(func(e *entry) {
		e.disarm()
		e.pendingForced = false
	})

	logger.Info("rotation scheduler shutting down", "connections", s.registry.Len(), "in_flight", s.inFlight)
}

// refreshGauges mirrors registry counts into metrics.
func (s *Scheduler) refreshGauges() {
	c := s.registry.counts()

	s.metrics.Connections.WithLabelValues(string(PhaseScheduled)).Set(float64(c.Scheduled))
	s.metrics.Connections.WithLabelValues(string(PhaseAttempting)).Set(float64(c.Attempting))
	s.metrics.Connections.WithLabelValues(string(PhaseDormant)).Set(float64(c.Dormant))
	s.metrics.Connections.WithLabelValues("closing").Set(float64(c.Closing))
	s.metrics.InFlight.Set(float64(s.inFlight))
}
