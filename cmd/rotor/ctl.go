package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"QuicRotor/client"
)

// ctlCmd drives a running rotor through its HTTP API.
type ctlCmd struct {
	API    string `default:"127.0.0.1:8080" help:"HTTP API address of the running rotor."`
	Action string `arg:"" enum:"status,connections,rotate,history" help:"One of status, connections, rotate, history."`
	ID     string `arg:"" optional:"" help:"Connection id or unique prefix (rotate, history)."`
	N      int    `short:"n" default:"10" help:"Number of events for history."`
}

// Run performs the action and prints the JSON result.
func (c *ctlCmd) Run(ctx context.Context) error {
	cl := client.New(c.API)

	var (
		out any
		err error
	)

	switch c.Action {
	case "status":
		out, err = cl.Status(ctx)
	case "connections":
		out, err = cl.Connections(ctx)
	case "rotate":
		out, err = c.rotate(ctx, cl)
	case "history":
		if c.ID == "" {
			return fmt.Errorf("history requires a connection id")
		}
		out, err = cl.History(ctx, c.ID, c.N)
	}

	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

// rotate forces one connection when an id is given, all otherwise.
func (c *ctlCmd) rotate(ctx context.Context, cl *client.Client) (any, error) {
	if c.ID == "" {
		n, err := cl.RotateAll(ctx)
		return map[string]int{"triggered": n}, err
	}

	id, triggered, err := cl.Rotate(ctx, c.ID)

	return map[string]any{"id": id, "triggered": triggered}, err
}
