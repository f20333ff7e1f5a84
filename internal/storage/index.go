package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sync"

	"QuicRotor/internal/rotation"
)

var (
	// eventPrefix starts every event key: e:<conn>/<seq>.
	eventPrefix = []byte("e:")

	// countPrefix starts outcome counter keys: n:<outcome>.
	countPrefix = []byte("n:")
)

// EventIndex stores rotation events per connection for fast lookup of a
// connection's recent history. It implements rotation.Sink.
type EventIndex struct {
	store  *Storage
	retain uint64 // retain caps stored events per connection, 0 keeps all

	mu     sync.Mutex
	seq    map[string]uint64           // seq is the next sequence per connection
	counts map[rotation.Outcome]uint64 // counts mirrors the n: keys
}

// NewEventIndex opens the index on store and restores sequence counters.
func NewEventIndex(store *Storage, retain int) (*EventIndex, error) {
	x := &EventIndex{
		store:  store,
		retain: uint64(max(retain, 0)),
		seq:    make(map[string]uint64),
		counts: make(map[rotation.Outcome]uint64),
	}

	err := store.IteratePrefix(eventPrefix, func(key, _ []byte) error {
		conn, seq, ok := splitEventKey(key)
		if !ok {
			return nil
		}

		if seq+1 > x.seq[conn] {
			x.seq[conn] = seq + 1
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restore event sequences:\n%w", err)
	}

	err = store.IteratePrefix(countPrefix, func(key, value []byte) error {
		if len(value) == 8 {
			x.counts[rotation.Outcome(key[len(countPrefix):])] = binary.BigEndian.Uint64(value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restore outcome counts:\n%w", err)
	}

	return x, nil
}

// Write implements rotation.Sink.
func (x *EventIndex) Write(_ context.Context, ev rotation.Event) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	seq := x.seq[ev.ConnectionID]
	count := x.counts[ev.Outcome] + 1

	var value [8]byte
	binary.BigEndian.PutUint64(value[:], count)

	pairs := []KeyValue{
		{Key: eventKey(ev.ConnectionID, seq), Value: encodeEvent(ev)},
		{Key: append(slices.Clone(countPrefix), string(ev.Outcome)...), Value: value[:]},
	}

	var deletes [][]byte
	if x.retain > 0 && seq >= x.retain {
		deletes = append(deletes, eventKey(ev.ConnectionID, seq-x.retain))
	}

	if err := x.store.Apply(pairs, deletes); err != nil {
		return fmt.Errorf("index event:\n%w", err)
	}

	x.seq[ev.ConnectionID] = seq + 1
	x.counts[ev.Outcome] = count

	return nil
}

// Flush implements rotation.Sink.
func (x *EventIndex) Flush(context.Context) error {
	return x.store.Sync()
}

// Recent returns up to n of the newest events of conn, oldest first.
func (x *EventIndex) Recent(conn string, n int) ([]rotation.Event, error) {
	if n <= 0 {
		return nil, nil
	}

	var events []rotation.Event

	err := x.store.IteratePrefixReverse(connPrefix(conn), func(_, value []byte) error {
		ev, err := decodeEvent(value)
		if err != nil {
			return err
		}

		events = append(events, ev)
		if len(events) == n {
			return errStop
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read events of %s:\n%w", conn, err)
	}

	slices.Reverse(events)

	return events, nil
}

// Counts returns the lifetime number of indexed events by outcome.
func (x *EventIndex) Counts() map[rotation.Outcome]uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	return maps.Clone(x.counts)
}

// connPrefix returns the key prefix of conn's events.
func connPrefix(conn string) []byte {
	key := make([]byte, 0, len(eventPrefix)+len(conn)+1)
	key = append(key, eventPrefix...)
	key = append(key, conn...)

	return append(key, '/')
}

// eventKey builds e:<conn>/<seq as 8 big-endian bytes>.
func eventKey(conn string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(connPrefix(conn), seq)
}

// splitEventKey parses an event key.
func splitEventKey(key []byte) (string, uint64, bool) {
	if !bytes.HasPrefix(key, eventPrefix) || len(key) < len(eventPrefix)+9 {
		return "", 0, false
	}

	body := key[len(eventPrefix):]
	sep := len(body) - 9

	if body[sep] != '/' {
		return "", 0, false
	}

	return string(body[:sep]), binary.BigEndian.Uint64(body[sep+1:]), true
}

var _ rotation.Sink = (*EventIndex)(nil)
