package rotlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"QuicRotor/internal/rotation"
)

// Reader decodes events from a rotation log, one per line.
// A malformed final line without a newline is treated as an interrupted
// write and ends the stream with Truncated set.
type Reader struct {
	br        *bufio.Reader
	closers   []io.Closer
	line      int
	Truncated bool
}

// NewReader reads events from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// OpenFile opens a plain or zstd-compressed log segment.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rotation log:\n%w", err)
	}

	if !strings.HasSuffix(path, archiveExt) {
		r := NewReader(f)
		r.closers = append(r.closers, f)
		return r, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open zstd segment:\n%w", err)
	}

	r := NewReader(dec)
	r.closers = append(r.closers, dec.IOReadCloser(), f)

	return r, nil
}

// Next returns the next event or io.EOF.
func (r *Reader) Next() (rotation.Event, error) {
	for {
		raw, err := r.br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return rotation.Event{}, fmt.Errorf("read rotation log:\n%w", err)
		}

		complete := err == nil
		trimmed := bytes.TrimSpace(raw)

		if len(trimmed) == 0 {
			if !complete {
				return rotation.Event{}, io.EOF
			}
			r.line++
			continue
		}

		r.line++

		var ev rotation.Event
		if uerr := json.Unmarshal(trimmed, &ev); uerr != nil {
			if !complete {
				r.Truncated = true
				return rotation.Event{}, io.EOF
			}
			return rotation.Event{}, fmt.Errorf("decode line %d:\n%w", r.line, uerr)
		}

		return ev, nil
	}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}

// ReadAll reads every segment of the log at path in write order and
// reports whether the final line was incomplete.
func ReadAll(path string) ([]rotation.Event, bool, error) {
	files, err := Segments(path)
	if err != nil {
		return nil, false, err
	}

	if len(files) == 0 {
		return nil, false, fmt.Errorf("open rotation log:\n%w", os.ErrNotExist)
	}

	var (
		events    []rotation.Event
		truncated bool
	)

	for _, name := range files {
		r, err := OpenFile(name)
		if err != nil {
			return nil, false, err
		}

		for {
			ev, err := r.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				r.Close()
				return nil, false, fmt.Errorf("%s:\n%w", name, err)
			}
			events = append(events, ev)
		}

		truncated = r.Truncated
		r.Close()
	}

	return events, truncated, nil
}
