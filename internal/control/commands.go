package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"QuicRotor/internal/rotation"
)

const helpText = `Commands:
  status              - Show connection counts and rotation totals
  connections         - List connections with their current identifier
  rotate              - Force rotation on every active connection
  rotate <id>         - Force rotation on one connection (id or unique prefix)
  history <id> [n]    - Show the last n rotation events of a connection
  help                - Show this help
  quit                - Exit`

// Execute runs one console command line and returns its response.
// quit is true when the line asks to leave.
func (c *Controller) Execute(line string) (out string, quit bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", false
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		return helpText, false

	case "status", "s":
		return c.cmdStatus(), false

	case "connections", "conns", "ls":
		return c.cmdConnections(), false

	case "rotate", "r":
		return c.cmdRotate(args), false

	case "history", "h":
		return c.cmdHistory(args), false

	case "quit", "exit", "q":
		return "Exiting...", true

	default:
		return fmt.Sprintf("Unknown command: %s (type 'help' for commands)", cmd), false
	}
}

func (c *Controller) cmdStatus() string {
	st, err := c.Status()
	if err != nil {
		return errorLine(err)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "connections: %d (scheduled %d, attempting %d, dormant %d, closing %d)\n",
		st.Total, st.Scheduled, st.Attempting, st.Dormant, st.Closing)
	fmt.Fprintf(&b, "attempts: %d, rotated: %d, log write failures: %d",
		st.Attempts, st.Successes, st.LogWriteFailures)

	if st.ShuttingDown {
		b.WriteString("\nshutting down")
	}

	return b.String()
}

func (c *Controller) cmdConnections() string {
	conns, err := c.Connections()
	if err != nil {
		return errorLine(err)
	}

	if len(conns) == 0 {
		return "no connections"
	}

	var b strings.Builder

	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREMOTE\tSTATE\tIDENTIFIER\tATTEMPTS\tROTATED\tNEXT")

	for _, info := range conns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			info.ID,
			info.RemoteAddr,
			stateLabel(info),
			info.Current,
			info.AttemptCount,
			info.SuccessCount,
			nextDue(info.NextDueAt),
		)
	}

	w.Flush()

	return strings.TrimRight(b.String(), "\n")
}

func (c *Controller) cmdRotate(args []string) string {
	if len(args) == 0 {
		n, err := c.RotateAll()
		if err != nil {
			return errorLine(err)
		}

		return fmt.Sprintf("rotation triggered on %d connection(s)", n)
	}

	id, triggered, err := c.Rotate(args[0])
	if err != nil {
		return errorLine(err)
	}

	if !triggered {
		return fmt.Sprintf("%s: not rotating (dormant or closing)", id)
	}

	return fmt.Sprintf("%s: rotation triggered", id)
}

func (c *Controller) cmdHistory(args []string) string {
	if len(args) == 0 {
		return "usage: history <id> [n]"
	}

	n := defaultHistoryLimit
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return fmt.Sprintf("invalid count %q", args[1])
		}
		n = v
	}

	events, err := c.History(args[0], n)
	if err != nil {
		return errorLine(err)
	}

	if len(events) == 0 {
		return "no events"
	}

	var b strings.Builder
	for i, ev := range events {
		if i > 0 {
			b.WriteByte('\n')
		}

		fmt.Fprintf(&b, "%s %-9s %-20s %s -> %s",
			ev.Timestamp.Format("2006-01-02 15:04:05.000"),
			ev.Trigger,
			ev.Outcome,
			ev.PreviousIdentifier,
			ev.CandidateIdentifier,
		)
	}

	return b.String()
}

// stateLabel names the connection state for display.
func stateLabel(info rotation.ConnectionInfo) string {
	if info.Status == rotation.StatusClosing {
		return "closing"
	}

	if info.PendingForced {
		return string(info.Phase) + "+forced"
	}

	return string(info.Phase)
}

// nextDue formats the next due time relative to now.
func nextDue(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Until(t).Round(time.Second)
	if d < 0 {
		d = 0
	}

	return "in " + d.String()
}

// errorLine renders an error for the console.
func errorLine(err error) string {
	switch {
	case errors.Is(err, rotation.ErrUnknownConnection):
		return "error: unknown connection"
	case errors.Is(err, rotation.ErrShutdown):
		return "error: shutting down"
	default:
		return "error: " + err.Error()
	}
}
