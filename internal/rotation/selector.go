package rotation

import (
	"context"

	"QuicRotor/internal/transport"
)

// AvailableCandidates returns the identifiers the peer advertised on conn,
// in advertisement order. A connection that cannot report them has an
// empty pool; an empty pool is not an error.
func AvailableCandidates(ctx context.Context, conn transport.Conn) ([]transport.Identifier, error) {
	src, ok := conn.(transport.CandidateSource)
	if !ok {
		return nil, nil
	}

	return src.AvailableCandidates(ctx)
}

// Select returns the first candidate not present in history.
// It returns false when every candidate is excluded or none exist.
func Select(candidates []transport.Identifier, history *History) (transport.Identifier, bool) {
	for _, c := range candidates {
		if c.IsZero() {
			continue
		}

		if history != nil && history.Contains(c) {
			continue
		}

		return c, true
	}

	return "", false
}
