package storage

import (
	"errors"
	"fmt"
	"slices"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"QuicRotor/internal/rotation"
	"QuicRotor/internal/storage/eventfb"
	"QuicRotor/internal/transport"
)

// minEventSize is the smallest buffer that can hold a root table offset.
const minEventSize = 8

// outcomeCodes maps outcomes to their stored byte. Zero is unknown.
var outcomeCodes = map[rotation.Outcome]byte{
	rotation.OutcomeRotated:     1,
	rotation.OutcomeNoCandidate: 2,
	rotation.OutcomeRejected:    3,
	rotation.OutcomeUnsupported: 4,
}

// triggerCodes maps triggers to their stored byte.
var triggerCodes = map[rotation.Trigger]byte{
	rotation.TriggerScheduled: 1,
	rotation.TriggerForced:    2,
}

// encodeEvent serializes ev as a RotationEvent table.
func encodeEvent(ev rotation.Event) []byte {
	builder := flatbuffers.NewBuilder(128)

	connOff := builder.CreateString(ev.ConnectionID)
	roleOff := builder.CreateString(ev.Role)
	prevOff := builder.CreateString(string(ev.PreviousIdentifier))
	candOff := builder.CreateString(string(ev.CandidateIdentifier))

	eventfb.RotationEventStart(builder)
	eventfb.RotationEventAddTimestamp(builder, ev.Timestamp.UnixNano())
	eventfb.RotationEventAddConnectionId(builder, connOff)
	eventfb.RotationEventAddRole(builder, roleOff)
	eventfb.RotationEventAddPrevious(builder, prevOff)
	eventfb.RotationEventAddCandidate(builder, candOff)
	eventfb.RotationEventAddOutcome(builder, outcomeCodes[ev.Outcome])
	eventfb.RotationEventAddTrigger(builder, triggerCodes[ev.Trigger])

	builder.Finish(eventfb.RotationEventEnd(builder))

	return slices.Clone(builder.FinishedBytes())
}

// decodeEvent parses a stored RotationEvent table.
func decodeEvent(data []byte) (ev rotation.Event, err error) {
	if len(data) < minEventSize {
		return rotation.Event{}, errors.New("event record too short")
	}

	// Corrupt offsets make the accessors index out of range.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt event record: %v", r)
		}
	}()

	fb := eventfb.GetRootAsRotationEvent(data, 0)

	outcome, ok := decodeOutcome(fb.Outcome())
	if !ok {
		return rotation.Event{}, fmt.Errorf("unknown outcome code %d", fb.Outcome())
	}

	trigger, ok := decodeTrigger(fb.Trigger())
	if !ok {
		return rotation.Event{}, fmt.Errorf("unknown trigger code %d", fb.Trigger())
	}

	return rotation.Event{
		Timestamp:           time.Unix(0, fb.Timestamp()).UTC(),
		ConnectionID:        string(fb.ConnectionId()),
		Role:                string(fb.Role()),
		PreviousIdentifier:  transport.Identifier(fb.Previous()),
		CandidateIdentifier: transport.Identifier(fb.Candidate()),
		Outcome:             outcome,
		Trigger:             trigger,
	}, nil
}

// decodeOutcome reverses outcomeCodes.
func decodeOutcome(code byte) (rotation.Outcome, bool) {
	for o, c := range outcomeCodes {
		if c == code {
			return o, true
		}
	}

	return "", false
}

// decodeTrigger reverses triggerCodes.
func decodeTrigger(code byte) (rotation.Trigger, bool) {
	for t, c := range triggerCodes {
		if c == code {
			return t, true
		}
	}

	return "", false
}
