package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Console runs the interactive command loop on a terminal.
type Console struct {
	ctrl *Controller
	rl   *readline.Instance
}

// NewConsole creates a console for ctrl.
func NewConsole(ctrl *Controller) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rotor> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("status"),
			readline.PcItem("connections"),
			readline.PcItem("rotate"),
			readline.PcItem("history"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline:\n%w", err)
	}

	return &Console{ctrl: ctrl, rl: rl}, nil
}

// Stdout returns a writer that coordinates with the prompt.
// Use it for log output so lines do not break the input.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done. cancel is called
// when the operator leaves.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	stop := context.AfterFunc(ctx, func() { c.rl.Close() })
	defer stop()

	fmt.Fprintln(c.rl.Stdout(), helpText)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}

			if ctx.Err() == nil {
				fmt.Fprintln(c.rl.Stdout(), "Exiting...")
				cancel()
			}
			return
		}

		out, quit := c.ctrl.Execute(strings.TrimSpace(line))
		if out != "" {
			fmt.Fprintln(c.rl.Stdout(), out)
		}

		if quit {
			cancel()
			return
		}
	}
}
