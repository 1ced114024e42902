// Package logstore persists records as JSON Lines in an append-only file.
//
// A Log never rewrites bytes it has already written: Append writes one line at
// the end of the file and fsyncs it, so a crash can at most truncate the final
// line. ReadAll treats any line that fails to decode or validate as
// corruption and reports the file and 1-based line number.
//
// The store performs no locking. Callers serialize writes to a given file.
package logstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Record is a self-describing value that can check its own required fields.
type Record interface {
	Validate() error
}

// ReadError reports a log line that could not be decoded or validated.
type ReadError struct {
	Path string
	Line int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("logstore: %s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Log is a JSON Lines file of records of type T.
type Log[T Record] struct {
	path string
}

// New returns a Log backed by path. The file and its directory are created on
// the first write.
func New[T Record](path string) *Log[T] {
	return &Log[T]{path: path}
}

// Path returns the file backing the log.
func (l *Log[T]) Path() string { return l.path }

// Append validates rec and writes it as a single line at the end of the file.
func (l *Log[T]) Append(rec T) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("logstore: append: %w", err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("logstore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("logstore: create dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("logstore: open: %w", err)
	}
	defer f.Close()

	// A torn final line from an earlier crash must not swallow this record.
	torn, err := endsMidLine(f)
	if err != nil {
		return fmt.Errorf("logstore: inspect tail: %w", err)
	}
	buf := make([]byte, 0, len(line)+2)
	if torn {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("logstore: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("logstore: sync: %w", err)
	}
	return f.Close()
}

// ReadAll returns every record in append order. A missing file yields an
// empty slice.
func (l *Log[T]) ReadAll() ([]T, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("logstore: read: %w", err)
	}

	var out []T
	for i, raw := range bytes.Split(data, []byte{'\n'}) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, &ReadError{Path: l.path, Line: i + 1, Err: err}
		}
		if err := rec.Validate(); err != nil {
			return nil, &ReadError{Path: l.path, Line: i + 1, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the file. A file that is already gone is not an error.
func (l *Log[T]) Delete() error {
	err := os.Remove(l.path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("logstore: delete: %w", err)
}

// Rewrite atomically replaces the whole log with recs. The new content is
// written to a temporary file in the same directory, synced, then renamed over
// the log, so a crash leaves either the old or the new file.
func (l *Log[T]) Rewrite(recs []T) error {
	var buf bytes.Buffer
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("logstore: rewrite: %w", err)
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("logstore: marshal: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return atomicWriteFile(l.path, buf.Bytes(), 0o644)
}

func endsMidLine(f *os.File) (bool, error) {
	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil && err != io.EOF {
		return false, err
	}
	return last[0] != '\n', nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logstore: create dir: %w", err)
	}

	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("logstore: create temp file: %w", err)
	}
	tmp := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("logstore: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("logstore: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("logstore: close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("logstore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("logstore: rename temp file: %w", err)
	}
	success = true
	return nil
}
