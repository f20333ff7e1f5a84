// Package transport defines the capabilities the rotation core consumes
// from a QUIC engine.
//
// A connection handle only has to expose its lifetime. Listing the
// identifiers advertised by the peer and switching the outbound identifier
// are optional capabilities, discovered through interface assertion:
//
//	if sw, ok := conn.(transport.IdentifierSwitcher); ok {
//	    err := sw.SwitchIdentifier(ctx, id)
//	}
package transport

import (
	"context"
	"encoding/hex"
	"errors"
)

var (
	// ErrUnsupported is returned by engines that cannot switch identifiers.
	ErrUnsupported = errors.New("identifier switch unsupported")

	// ErrRejected is returned when the engine refuses a switch.
	ErrRejected = errors.New("identifier switch rejected")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// Identifier is a wire connection identifier in lowercase hex.
type Identifier string

// IdentifierFromBytes hex-encodes a raw connection identifier.
func IdentifierFromBytes(b []byte) Identifier {
	return Identifier(hex.EncodeToString(b))
}

// IsZero reports whether the identifier is absent.
func (id Identifier) IsZero() bool {
	return id == ""
}

// String returns the hex form, or "-" when absent.
func (id Identifier) String() string {
	if id == "" {
		return "-"
	}

	return string(id)
}

// Conn is a handshake-confirmed connection handle.
type Conn interface {
	// Context is cancelled when the connection is torn down.
	Context() context.Context

	// RemoteAddr returns the peer address for display.
	RemoteAddr() string

	// CurrentIdentifier returns the outbound identifier confirmed by the
	// engine, or the zero Identifier when the engine does not expose it.
	CurrentIdentifier() Identifier
}

// CandidateSource lists identifiers the peer advertised as usable.
// Implementations must not mutate connection state.
type CandidateSource interface {
	AvailableCandidates(ctx context.Context) ([]Identifier, error)
}

// IdentifierSwitcher switches the outbound identifier to one of the
// advertised alternates.
type IdentifierSwitcher interface {
	SwitchIdentifier(ctx context.Context, id Identifier) error
}
