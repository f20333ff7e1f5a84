package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"QuicRotor/internal/logger"
	"QuicRotor/internal/transport"
)

const (
	// defaultRequestTimeout is the default timeout for Request calls.
	defaultRequestTimeout = 10 * time.Second
)

// Conn is an established QUIC connection. It implements transport.Conn
// only: quic-go exposes neither the identifiers advertised by the peer nor
// a way to switch the outbound one.
type Conn struct {
	publicKey ed25519.PublicKey // publicKey is the remote certificate key
	remote    string            // remote is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	closed    atomic.Bool       // closed indicates Close was called
	echoed    atomic.Uint64     // echoed counts requests answered
	sent      atomic.Uint64     // sent counts requests answered by the peer
}

var _ transport.Conn = (*Conn)(nil)

// Context is cancelled when the connection is torn down.
func (c *Conn) Context() context.Context {
	return c.conn.Context()
}

// RemoteAddr returns the remote address.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// CurrentIdentifier returns the zero identifier; quic-go does not expose
// the active connection ID.
func (c *Conn) CurrentIdentifier() transport.Identifier {
	return ""
}

// PublicKey returns the remote certificate key.
func (c *Conn) PublicKey() ed25519.PublicKey {
	return c.publicKey
}

// Echoed returns the number of requests this side answered.
func (c *Conn) Echoed() uint64 {
	return c.echoed.Load()
}

// Sent returns the number of round trips completed by Generate.
func (c *Conn) Sent() uint64 {
	return c.sent.Load()
}

// Close closes the connection.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	return c.conn.CloseWithError(0, "closed")
}

// Request sends data on a new stream and waits for the echoed reply.
func (c *Conn) Request(ctx context.Context, data []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}

	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	reply, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read reply:\n%w", err)
	}

	return reply, nil
}

// Generate sends a numbered message every interval and checks the echo,
// until ctx is done or the connection fails.
func (c *Conn) Generate(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := uint64(1); ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Context().Done():
			return transport.ErrClosed
		case <-ticker.C:
		}

		msg := fmt.Appendf(nil, "echo %d", seq)

		reply, err := c.Request(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !bytes.Equal(reply, msg) {
			return fmt.Errorf("echo mismatch: sent %q, got %q", msg, reply)
		}

		c.sent.Add(1)
		logger.Debug("echo", "remote", c.remote, "seq", seq)
	}
}

// serve answers echo requests until the connection closes.
func (c *Conn) serve() {
	ctx := c.conn.Context()

	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go c.echo(stream)
	}
}

// echo answers a single request stream.
func (c *Conn) echo(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "remote", c.remote, "error", err)
		return
	}

	if err := writeMessage(stream, data); err != nil {
		logger.Debug("stream write error", "remote", c.remote, "error", err)
		return
	}

	c.echoed.Add(1)
}
