// Command rotor runs QUIC endpoints whose connection identifiers are
// rotated on a jittered schedule, and analyzes the resulting rotation log.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"QuicRotor/internal/logger"
)

// CLI is the command-line grammar.
type CLI struct {
	Config   kong.ConfigFlag `help:"YAML configuration file; flags override its values."`
	LogLevel string          `default:"info" enum:"debug,info,warn,error" help:"Operational log level."`

	Serve   serveCmd   `cmd:"" help:"Accept QUIC connections, echo their traffic and rotate their identifiers."`
	Dial    dialCmd    `cmd:"" help:"Connect to a server, send echo traffic and rotate identifiers."`
	Sim     simCmd     `cmd:"" help:"Rotate identifiers of simulated in-memory connections."`
	Analyze analyzeCmd `cmd:"" help:"Summarize a rotation log."`
	Ctl     ctlCmd     `cmd:"" help:"Query or force a running rotor over its HTTP API."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	var cli CLI

	parser, err := kong.New(&cli,
		kong.Name("rotor"),
		kong.Description("QUIC connection identifier rotation."),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Configuration(loadYAML),
		kong.ConfigureHelp(kong.HelpOptions{Tree: true}),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	level, err := logger.ParseLevel(cli.LogLevel)
	parser.FatalIfErrorf(err)

	logger.Init(level)

	if err := kctx.Run(level); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
