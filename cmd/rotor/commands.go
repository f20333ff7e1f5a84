package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"QuicRotor/internal/logger"
	"QuicRotor/internal/network"
	"QuicRotor/internal/rotlog"
	"QuicRotor/internal/transport/memconn"
)

// serveCmd accepts QUIC connections.
type serveCmd struct {
	Runtime runtimeFlags `embed:""`
	Listen  string       `name:"quic-listen" default:":4433" help:"QUIC listen address."`
	Key     string       `help:"Ed25519 key file for the TLS certificate, created when missing, ephemeral when empty."`
}

// Run listens until interrupted.
func (c *serveCmd) Run(ctx context.Context, level slog.Level) error {
	key, err := loadOrGenerateKey(c.Key)
	if err != nil {
		return err
	}

	node, err := network.NewNode(network.Config{PrivateKey: key, ListenAddr: c.Listen})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	app, err := newApp("server", c.Runtime, level)
	if err != nil {
		node.Close()
		return err
	}

	node.OnConnect(func(conn *network.Conn) { app.Admit(conn) })

	if err := node.Start(); err != nil {
		node.Close()
		return errors.Join(err, app.Close())
	}

	return app.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return node.Close()
	})
}

// dialCmd connects to a server and generates echo traffic.
type dialCmd struct {
	Runtime     runtimeFlags  `embed:""`
	Target      string        `name:"quic-target" required:"" help:"Server address."`
	Interval    time.Duration `name:"quic-interval" default:"1s" help:"Delay between echo messages."`
	Connections int           `default:"1" help:"Number of connections to open."`
	Key         string        `help:"Ed25519 key file for the TLS certificate, created when missing, ephemeral when empty."`
}

// Run dials the server and sends traffic until interrupted.
func (c *dialCmd) Run(ctx context.Context, level slog.Level) error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}

	key, err := loadOrGenerateKey(c.Key)
	if err != nil {
		return err
	}

	node, err := network.NewNode(network.Config{PrivateKey: key})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	app, err := newApp("client", c.Runtime, level)
	if err != nil {
		node.Close()
		return err
	}

	node.OnConnect(func(conn *network.Conn) { app.Admit(conn) })

	workers := make([]func(context.Context) error, 0, c.Connections+1)

	for range max(c.Connections, 1) {
		conn, err := node.Dial(ctx, c.Target)
		if err != nil {
			node.Close()
			return errors.Join(err, app.Close())
		}

		workers = append(workers, func(ctx context.Context) error {
			err := conn.Generate(ctx, c.Interval)
			if err != nil {
				logger.Warn("echo traffic stopped", "remote", conn.RemoteAddr(), "error", err)
			}
			return nil
		})
	}

	workers = append(workers, func(ctx context.Context) error {
		<-ctx.Done()
		return node.Close()
	})

	return app.Run(ctx, workers...)
}

// simCmd rotates identifiers of in-memory connections.
type simCmd struct {
	Runtime     runtimeFlags  `embed:""`
	Connections int           `default:"4" help:"Number of simulated connections."`
	Advertise   int           `default:"4" help:"Identifiers each simulated peer advertises at start."`
	Replenish   bool          `default:"true" negatable:"" help:"Advertise a fresh identifier after every switch."`
	Unsupported int           `default:"0" help:"Number of connections whose transport cannot switch."`
	Lifetime    time.Duration `default:"0s" help:"Close each connection after this long, 0 keeps them open."`
	Duration    time.Duration `default:"0s" help:"Stop after this long, 0 runs until interrupted."`
	Seed        string        `default:"sim" help:"Seed for identifier derivation."`
}

// Run admits the simulated connections and runs until the duration ends
// or the process is interrupted.
func (c *simCmd) Run(ctx context.Context, level slog.Level) error {
	app, err := newApp("sim", c.Runtime, level)
	if err != nil {
		return err
	}

	if c.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	conns := make([]*memconn.Conn, c.Connections)

	for i := range conns {
		conns[i] = memconn.New(memconn.Options{
			Seed:        fmt.Sprintf("%s-%d", c.Seed, i),
			Advertise:   c.Advertise,
			Replenish:   c.Replenish,
			Unsupported: i < c.Unsupported,
		})
		app.Admit(conns[i])
	}

	return app.Run(ctx, func(ctx context.Context) error {
		closeAfter(ctx, conns, c.Lifetime)
		return nil
	})
}

// closeAfter closes every connection once lifetime elapses, or all of them
// when ctx is done.
func closeAfter(ctx context.Context, conns []*memconn.Conn, lifetime time.Duration) {
	var expire <-chan time.Time

	if lifetime > 0 {
		t := time.NewTimer(lifetime)
		defer t.Stop()
		expire = t.C
	}

	select {
	case <-ctx.Done():
	case <-expire:
		logger.Info("closing simulated connections", "count", len(conns))
	}

	for _, conn := range conns {
		conn.Close()
	}
}

// analyzeCmd summarizes a rotation log.
type analyzeCmd struct {
	Path string `arg:"" default:"rotation.jsonl" help:"Rotation log to read, including rolled segments."`
	Last int    `default:"10" help:"Number of trailing events to print."`
	JSON bool   `help:"Print the summary as JSON."`
}

// Run reads the log and prints the summary.
func (c *analyzeCmd) Run() error {
	events, truncated, err := rotlog.ReadAll(c.Path)
	if err != nil {
		return fmt.Errorf("read %s:\n%w", c.Path, err)
	}

	s := rotlog.Summarize(events, c.Last)
	s.Truncated = truncated

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	return s.WriteText(os.Stdout)
}
