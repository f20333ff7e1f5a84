package rotlog

import (
	"context"
	"errors"
	"log/slog"

	"QuicRotor/internal/rotation"
)

// MultiSink fans each event out to several sinks.
// Every sink is written even when an earlier one fails.
type MultiSink struct {
	sinks []rotation.Sink
}

// NewMultiSink combines sinks, skipping nil entries.
func NewMultiSink(sinks ...rotation.Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}

	return m
}

// Write implements rotation.Sink.
func (m *MultiSink) Write(ctx context.Context, ev rotation.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Flush implements rotation.Sink.
func (m *MultiSink) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SlogSink mirrors events into a structured logger.
type SlogSink struct {
	log   *slog.Logger
	level slog.Level
}

// NewSlogSink logs events to log at level. A nil log uses the default
// logger current at each write.
func NewSlogSink(log *slog.Logger, level slog.Level) *SlogSink {
	return &SlogSink{log: log, level: level}
}

// Write implements rotation.Sink.
func (s *SlogSink) Write(ctx context.Context, ev rotation.Event) error {
	log := s.log
	if log == nil {
		log = slog.Default()
	}

	log.Log(ctx, s.level, "rotation event",
		"conn", ev.ConnectionID,
		"outcome", ev.Outcome,
		"trigger", ev.Trigger,
		"previous", ev.PreviousIdentifier.String(),
		"candidate", ev.CandidateIdentifier.String(),
	)

	return nil
}

// Flush implements rotation.Sink.
func (s *SlogSink) Flush(context.Context) error {
	return nil
}

var (
	_ rotation.Sink = (*FileSink)(nil)
	_ rotation.Sink = (*MultiSink)(nil)
	_ rotation.Sink = (*SlogSink)(nil)
)
