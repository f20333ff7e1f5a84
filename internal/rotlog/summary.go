package rotlog

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"QuicRotor/internal/rotation"
)

// Summary aggregates a rotation log.
type Summary struct {
	Total       int                      `json:"total"`
	ByOutcome   map[rotation.Outcome]int `json:"by_outcome"`
	ByTrigger   map[rotation.Trigger]int `json:"by_trigger"`
	Connections int                      `json:"connections"`
	First       time.Time                `json:"first,omitzero"`
	Last        time.Time                `json:"last,omitzero"`
	Recent      []rotation.Event         `json:"recent"`
	Truncated   bool                     `json:"truncated"`
}

// Summarize counts events by outcome and trigger and keeps the last n.
func Summarize(events []rotation.Event, n int) Summary {
	s := Summary{
		Total:     len(events),
		ByOutcome: make(map[rotation.Outcome]int),
		ByTrigger: make(map[rotation.Trigger]int),
	}

	conns := make(map[string]struct{})

	for _, ev := range events {
		s.ByOutcome[ev.Outcome]++
		s.ByTrigger[ev.Trigger]++
		conns[ev.ConnectionID] = struct{}{}

		if s.First.IsZero() || ev.Timestamp.Before(s.First) {
			s.First = ev.Timestamp
		}
		if ev.Timestamp.After(s.Last) {
			s.Last = ev.Timestamp
		}
	}

	s.Connections = len(conns)

	if n > len(events) {
		n = len(events)
	}
	if n > 0 {
		s.Recent = append([]rotation.Event(nil), events[len(events)-n:]...)
	}

	return s
}

// SuccessRate returns the share of attempts that rotated.
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}

	return float64(s.ByOutcome[rotation.OutcomeRotated]) / float64(s.Total)
}

// WriteText prints the summary for humans.
func (s Summary) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Total events: %d (connections: %d)\n", s.Total, s.Connections)

	if !s.First.IsZero() {
		fmt.Fprintf(w, "Span: %s .. %s\n", s.First.Format(time.RFC3339Nano), s.Last.Format(time.RFC3339Nano))
	}

	fmt.Fprintln(w, "Outcomes:")
	for _, o := range rotation.Outcomes {
		fmt.Fprintf(w, "  %-22s %d\n", o, s.ByOutcome[o])
	}

	fmt.Fprintf(w, "Triggers: Scheduled=%d Forced=%d\n",
		s.ByTrigger[rotation.TriggerScheduled], s.ByTrigger[rotation.TriggerForced])
	fmt.Fprintf(w, "Success rate: %.1f%%\n", 100*s.SuccessRate())

	if s.Truncated {
		fmt.Fprintln(w, "Warning: final line was incomplete and skipped")
	}

	if len(s.Recent) == 0 {
		return nil
	}

	fmt.Fprintf(w, "Last %d events:\n", len(s.Recent))

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	for _, ev := range s.Recent {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event:\n%w", err)
		}
	}

	return nil
}
