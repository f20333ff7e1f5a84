// Package rotlog persists rotation events as JSON lines.
//
// Each event is one line. A write failure truncates the file back to the
// last complete line so earlier entries stay readable. When MaxBytes is set
// the active file rolls over to numbered segments, optionally compressed
// with zstd.
package rotlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"QuicRotor/internal/logger"
	"QuicRotor/internal/rotation"
)

const (
	// archiveExt is appended to compressed segments.
	archiveExt = ".zst"

	// tmpExt marks an archive still being written.
	tmpExt = ".tmp"

	// fileMode is the permission for log files.
	fileMode = 0o644
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("rotation log closed")

// WriteError reports an event that could not be appended.
type WriteError struct {
	Event rotation.Event
	Err   error
}

// Error implements error.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write rotation event for %s: %v", e.Event.ConnectionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// Options configures a FileSink.
type Options struct {
	Path     string // Path is the active log file
	MaxBytes int64  // MaxBytes triggers rollover when exceeded, 0 disables it
	Archive  bool   // Archive compresses rolled segments with zstd
}

// segment is the writable active file.
type segment interface {
	io.Writer
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileSink appends events to a JSONL file.
type FileSink struct {
	opts Options
	open func(path string) (segment, int64, error) // open opens the active file and returns its size

	mu     sync.Mutex
	f      segment
	size   int64 // size is the offset after the last complete line
	next   int   // next is the index of the next rolled segment
	closed bool
}

// Open creates or appends to the log at opts.Path.
func Open(opts Options) (*FileSink, error) {
	if opts.Path == "" {
		return nil, errors.New("rotation log path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory:\n%w", err)
	}

	s := &FileSink{opts: opts, open: openFile}

	indexes, err := segmentIndexes(opts.Path)
	if err != nil {
		return nil, err
	}

	s.next = 1
	if len(indexes) > 0 {
		s.next = indexes[len(indexes)-1] + 1
	}

	if err := s.openActive(); err != nil {
		return nil, err
	}

	return s, nil
}

// openFile opens path for appending. A partial last line left by a crash
// is cut off so new entries start on a line of their own.
func openFile(path string) (segment, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, fileMode)
	if err != nil {
		return nil, 0, fmt.Errorf("open rotation log:\n%w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat rotation log:\n%w", err)
	}

	size, err := completeSize(f, info.Size())
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	if size != info.Size() {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("truncate partial line:\n%w", err)
		}

		logger.Warn("dropped partial rotation log line",
			"path", path,
			"bytes", info.Size()-size,
		)
	}

	return f, size, nil
}

// completeSize returns the offset just past the last newline of the first
// size bytes of r, or 0 when there is none.
func completeSize(r io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, 4096)

	for end := size; end > 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]

		if _, err := r.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("scan rotation log:\n%w", err)
		}

		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}

		end = start
	}

	return 0, nil
}

// openActive opens the active file. Caller holds mu or owns s.
func (s *FileSink) openActive() error {
	f, size, err := s.open(s.opts.Path)
	if err != nil {
		return err
	}

	s.f = f
	s.size = size

	return nil
}

// Write appends ev as one line.
func (s *FileSink) Write(_ context.Context, ev rotation.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return &WriteError{Event: ev, Err: err}
	}

	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &WriteError{Event: ev, Err: ErrClosed}
	}

	if s.opts.MaxBytes > 0 && s.size > 0 && s.size+int64(len(line)) > s.opts.MaxBytes {
		if err := s.rollover(); err != nil {
			logger.Warn("rotation log rollover failed", "path", s.opts.Path, "error", err)
		}
	}

	n, err := s.f.Write(line)
	if err != nil || n != len(line) {
		if err == nil {
			err = io.ErrShortWrite
		}

		if n > 0 {
			if terr := s.f.Truncate(s.size); terr != nil {
				err = errors.Join(err, fmt.Errorf("truncate partial line:\n%w", terr))
			}
		}

		return &WriteError{Event: ev, Err: err}
	}

	s.size += int64(n)

	return nil
}

// Flush syncs the active file to disk.
func (s *FileSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync rotation log:\n%w", err)
	}

	return nil
}

// Close syncs and closes the active file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return errors.Join(s.f.Sync(), s.f.Close())
}

// Path returns the active file path.
func (s *FileSink) Path() string {
	return s.opts.Path
}

// rollover moves the active file to the next numbered segment and opens a
// fresh one. Caller holds mu.
func (s *FileSink) rollover() error {
	if err := errors.Join(s.f.Sync(), s.f.Close()); err != nil {
		if oerr := s.openActive(); oerr != nil {
			return errors.Join(err, oerr)
		}
		return fmt.Errorf("close segment:\n%w", err)
	}

	rolled := s.opts.Path + "." + strconv.Itoa(s.next)

	if err := os.Rename(s.opts.Path, rolled); err != nil {
		if oerr := s.openActive(); oerr != nil {
			return errors.Join(err, oerr)
		}
		return fmt.Errorf("rename segment:\n%w", err)
	}

	s.next++

	if err := s.openActive(); err != nil {
		return err
	}

	if s.opts.Archive {
		if err := archive(rolled); err != nil {
			return err
		}
	}

	logger.Debug("rotation log rolled over", "segment", rolled)

	return nil
}

// archive compresses path into path.zst and removes the original. The
// archive only appears under its final name once it is complete.
func archive(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment:\n%w", err)
	}
	defer src.Close()

	tmp := path + archiveExt + tmpExt

	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		return fmt.Errorf("create archive:\n%w", err)
	}

	sum, err := compress(dst, src)
	if err = errors.Join(err, dst.Close()); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path+archiveExt); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install archive:\n%w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove archived segment:\n%w", err)
	}

	logger.Info("rotation log segment archived",
		"archive", path+archiveExt,
		"blake3", fmt.Sprintf("%x", sum),
	)

	return nil
}

// compress writes src to dst as a zstd stream, syncs dst and returns the
// blake3 sum of the uncompressed bytes.
func compress(dst *os.File, src io.Reader) ([]byte, error) {
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}

	hasher := blake3.New()

	if _, err := io.Copy(io.MultiWriter(enc, hasher), src); err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress segment:\n%w", err)
	}

	if err := errors.Join(enc.Close(), dst.Sync()); err != nil {
		return nil, fmt.Errorf("finish archive:\n%w", err)
	}

	return hasher.Sum(nil), nil
}

// segmentIndexes returns the sorted indexes of rolled segments of path.
func segmentIndexes(path string) ([]int, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, fmt.Errorf("list segments:\n%w", err)
	}

	seen := make(map[int]bool)
	var indexes []int

	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(m, path+"."), archiveExt)

		n, err := strconv.Atoi(suffix)
		if err != nil || n <= 0 || seen[n] {
			continue
		}

		seen[n] = true
		indexes = append(indexes, n)
	}

	slices.Sort(indexes)

	return indexes, nil
}

// Segments lists every file of the log at path in write order: rolled
// segments by index, then the active file if it exists. A plain segment
// wins over its archive since it is only removed once the archive is
// complete.
func Segments(path string) ([]string, error) {
	indexes, err := segmentIndexes(path)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(indexes)+1)
	for _, n := range indexes {
		name := path + "." + strconv.Itoa(n)
		if _, err := os.Stat(name); err != nil {
			name += archiveExt
		}
		files = append(files, name)
	}

	if _, err := os.Stat(path); err == nil {
		files = append(files, path)
	}

	return files, nil
}
