// Package network runs the QUIC endpoint that carries echo traffic. Each
// established connection is exposed as a transport.Conn so it can be
// admitted to the rotation scheduler.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/quic-go/quic-go"

	"QuicRotor/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "cid-rotor/1"

	// defaultDialAttempts is the number of dial tries before giving up.
	defaultDialAttempts = 5

	// defaultHandshakeTimeout bounds a single handshake.
	defaultHandshakeTimeout = 5 * time.Second
)

// ErrClosed is returned by operations on a closed node.
var ErrClosed = errors.New("node closed")

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey       ed25519.PrivateKey // PrivateKey signs the TLS certificate, generated when nil
	ListenAddr       string             // ListenAddr is the UDP address to listen on, empty for dial-only nodes
	DialAttempts     uint               // DialAttempts bounds dial retries
	HandshakeTimeout time.Duration      // HandshakeTimeout bounds a single handshake
	RetryInterval    time.Duration      // RetryInterval is the initial delay between dial attempts
}

// Node accepts and initiates QUIC connections.
type Node struct {
	publicKey  ed25519.PublicKey // publicKey is the node's certificate key
	listenAddr string            // listenAddr is the address to listen on
	tlsConfig  *tls.Config       // tlsConfig is the TLS configuration
	quicConfig *quic.Config      // quicConfig is the QUIC configuration

	dialAttempts  uint          // dialAttempts bounds dial retries
	retryInterval time.Duration // retryInterval is the initial dial backoff

	listener *quic.Listener // listener is the QUIC listener

	conns   map[*Conn]struct{} // conns holds live connections
	connsMu sync.Mutex         // connsMu protects conns

	onConnect  func(*Conn)  // onConnect is called for every established connection
	handlersMu sync.RWMutex // handlersMu protects onConnect

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a QUIC node with a self-signed certificate.
func NewNode(cfg Config) (*Node, error) {
	cert, pub, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = defaultDialAttempts
	}

	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // endpoints are identified by key, not by a CA
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		HandshakeIdleTimeout: cfg.HandshakeTimeout,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		publicKey:     pub,
		listenAddr:    cfg.ListenAddr,
		tlsConfig:     tlsConfig,
		quicConfig:    quicConfig,
		dialAttempts:  cfg.DialAttempts,
		retryInterval: cfg.RetryInterval,
		conns:         make(map[*Conn]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// PublicKey returns the node's certificate key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections on the listen address.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("quic listening", "addr", n.Addr())

	return nil
}

// Dial connects to addr, retrying with exponential backoff until the
// handshake completes, the attempts run out or ctx is done.
func (n *Node) Dial(ctx context.Context, addr string) (*Conn, error) {
	if n.ctx.Err() != nil {
		return nil, ErrClosed
	}

	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = n.retryInterval
	expback.MaxInterval = 10 * time.Second

	qc, err := backoff.Retry(ctx, func() (*quic.Conn, error) {
		if n.ctx.Err() != nil {
			return nil, backoff.Permanent(ErrClosed)
		}

		return quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	},
		backoff.WithBackOff(expback),
		backoff.WithMaxTries(n.dialAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug("dial failed, retrying", "addr", addr, "error", err, "wait", wait)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	conn, err := n.setupConn(qc, addr)
	if err != nil {
		qc.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.callOnConnect(conn)

	return conn, nil
}

// Conns returns the live connections.
func (n *Node) Conns() []*Conn {
	n.connsMu.Lock()
	defer n.connsMu.Unlock()

	out := make([]*Conn, 0, len(n.conns))
	for c := range n.conns {
		out = append(out, c)
	}

	return out
}

// OnConnect sets the handler called for every established connection,
// accepted or dialed.
func (n *Node) OnConnect(fn func(*Conn)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	for _, c := range n.Conns() {
		c.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		qc, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		conn, err := n.setupConn(qc, qc.RemoteAddr().String())
		if err != nil {
			logger.Debug("rejecting connection", "remote", qc.RemoteAddr().String(), "error", err)
			qc.CloseWithError(1, "setup failed")
			continue
		}

		go n.callOnConnect(conn)
	}
}

// setupConn registers a handshake-complete connection and starts serving
// its echo streams.
func (n *Node) setupConn(qc *quic.Conn, addr string) (*Conn, error) {
	pub, err := peerPublicKey(qc.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	conn := &Conn{
		publicKey: pub,
		remote:    addr,
		conn:      qc,
	}

	n.connsMu.Lock()
	n.conns[conn] = struct{}{}
	n.connsMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		conn.serve()

		n.connsMu.Lock()
		delete(n.conns, conn)
		n.connsMu.Unlock()

		logger.Debug("connection closed", "remote", addr, "echoed", conn.Echoed())
	}()

	return conn, nil
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(c *Conn) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(c)
	}
}
