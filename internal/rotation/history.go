package rotation

import (
	"slices"

	"QuicRotor/internal/transport"
)

// History is a fixed-capacity ring of recently used identifiers.
// Pushing past capacity evicts the oldest entry.
type History struct {
	buf   []transport.Identifier // buf is the ring storage
	start int                    // start is the index of the oldest entry
	n     int                    // n is the number of stored entries
}

// NewHistory creates a history window holding up to size identifiers.
func NewHistory(size int) *History {
	return &History{buf: make([]transport.Identifier, size)}
}

// Push records id as the most recent entry.
func (h *History) Push(id transport.Identifier) {
	if len(h.buf) == 0 || id.IsZero() {
		return
	}

	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = id
		h.n++
		return
	}

	h.buf[h.start] = id
	h.start = (h.start + 1) % len(h.buf)
}

// Contains reports whether id is inside the window.
func (h *History) Contains(id transport.Identifier) bool {
	for i := range h.n {
		if h.buf[(h.start+i)%len(h.buf)] == id {
			return true
		}
	}

	return false
}

// Len returns the number of stored identifiers.
func (h *History) Len() int {
	return h.n
}

// Cap returns the window size.
func (h *History) Cap() int {
	return len(h.buf)
}

// Items returns the identifiers from oldest to newest.
func (h *History) Items() []transport.Identifier {
	items := make([]transport.Identifier, h.n)
	for i := range h.n {
		items[i] = h.buf[(h.start+i)%len(h.buf)]
	}

	return items
}

// Clone returns an independent copy.
func (h *History) Clone() *History {
	return &History{
		buf:   slices.Clone(h.buf),
		start: h.start,
		n:     h.n,
	}
}
