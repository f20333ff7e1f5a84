// Package memconn provides an in-memory connection that implements every
// transport capability. Identifiers are derived deterministically from a
// seed so runs are reproducible.
package memconn

import (
	"context"
	"encoding/binary"
	"slices"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"QuicRotor/internal/transport"
)

const (
	// identifierLen is the length of derived identifiers in bytes.
	identifierLen = 8
)

// Options configures a Conn.
type Options struct {
	Seed        string        // Seed is the derivation seed for identifiers
	RemoteAddr  string        // RemoteAddr is reported by RemoteAddr()
	Advertise   int           // Advertise is the number of identifiers the peer starts with
	Replenish   bool          // Replenish makes the peer advertise a fresh identifier after each switch
	Unsupported bool          // Unsupported makes SwitchIdentifier return ErrUnsupported
	SwitchDelay time.Duration // SwitchDelay is added to every switch call
}

// Conn is an in-memory transport connection.
type Conn struct {
	seed        []byte
	remote      string
	replenish   bool
	unsupported bool
	delay       time.Duration

	mu         sync.Mutex
	seq        uint64                 // seq is the next derivation counter
	current    transport.Identifier   // current is the outbound identifier
	advertised []transport.Identifier // advertised holds unused peer identifiers in order
	rejectNext int                    // rejectNext counts switches to refuse
	gate       chan struct{}          // gate blocks switches while non-nil
	active     int                    // active counts in-progress switches
	maxActive  int                    // maxActive is the high-water mark of active
	switches   int                    // switches counts switch calls

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a connection whose initial outbound identifier is derived
// from the seed.
func New(opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	remote := opts.RemoteAddr
	if remote == "" {
		remote = "mem:" + opts.Seed
	}

	c := &Conn{
		seed:        []byte(opts.Seed),
		remote:      remote,
		replenish:   opts.Replenish,
		unsupported: opts.Unsupported,
		delay:       opts.SwitchDelay,
		ctx:         ctx,
		cancel:      cancel,
	}

	c.current = c.derive()
	c.Advertise(opts.Advertise)

	return c
}

// derive returns the next identifier. Must be called with mu held or
// before the connection is shared.
func (c *Conn) derive() transport.Identifier {
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], c.seq)
	c.seq++

	sum := blake3.Sum256(append(slices.Clone(c.seed), ctr[:]...))

	return transport.IdentifierFromBytes(sum[:identifierLen])
}

// Advertise makes the peer issue n fresh identifiers and returns them.
func (c *Conn) Advertise(n int) []transport.Identifier {
	c.mu.Lock()
	defer c.mu.Unlock()

	issued := make([]transport.Identifier, 0, n)
	for range n {
		id := c.derive()
		c.advertised = append(c.advertised, id)
		issued = append(issued, id)
	}

	return issued
}

// SetAdvertised replaces the advertised set.
func (c *Conn) SetAdvertised(ids ...transport.Identifier) {
	c.mu.Lock()
	c.advertised = slices.Clone(ids)
	c.mu.Unlock()
}

// RejectNext makes the next n switch calls fail with ErrRejected.
func (c *Conn) RejectNext(n int) {
	c.mu.Lock()
	c.rejectNext = n
	c.mu.Unlock()
}

// Block holds subsequent switch calls until the returned release func runs.
func (c *Conn) Block() (release func()) {
	gate := make(chan struct{})

	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.gate == gate {
				c.gate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Close tears the connection down.
func (c *Conn) Close() {
	c.cancel()
}

// Context implements transport.Conn.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// CurrentIdentifier implements transport.Conn.
func (c *Conn) CurrentIdentifier() transport.Identifier {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// AvailableCandidates implements transport.CandidateSource.
func (c *Conn) AvailableCandidates(ctx context.Context) ([]transport.Identifier, error) {
	if c.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.advertised), nil
}

// SwitchIdentifier implements transport.IdentifierSwitcher.
// The chosen identifier leaves the advertised set once in use.
func (c *Conn) SwitchIdentifier(ctx context.Context, id transport.Identifier) error {
	c.mu.Lock()
	c.switches++
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	gate := c.gate
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	if c.unsupported {
		return transport.ErrUnsupported
	}

	if err := c.wait(ctx, gate); err != nil {
		return err
	}

	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rejectNext > 0 {
		c.rejectNext--
		return transport.ErrRejected
	}

	idx := slices.Index(c.advertised, id)
	if idx < 0 {
		return transport.ErrRejected
	}

	c.advertised = slices.Delete(c.advertised, idx, idx+1)
	c.current = id

	if c.replenish {
		c.advertised = append(c.advertised, c.derive())
	}

	return nil
}

// wait honours the configured delay and an optional gate.
func (c *Conn) wait(ctx context.Context, gate chan struct{}) error {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()

		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if gate == nil {
		return nil
	}

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MaxConcurrentSwitches returns the highest number of overlapping switch calls.
func (c *Conn) MaxConcurrentSwitches() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxActive
}

// Switches returns the number of switch calls made.
func (c *Conn) Switches() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.switches
}

// Compile-time interface satisfaction checks.
var (
	_ transport.Conn               = (*Conn)(nil)
	_ transport.CandidateSource    = (*Conn)(nil)
	_ transport.IdentifierSwitcher = (*Conn)(nil)
)
