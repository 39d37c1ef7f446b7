package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DateLayout is the date stamp used in raw file names.
const DateLayout = "2006-01-02"

// File appends newline-delimited JSON to <dir>/<prefix>-<date>.json.
type File[T any] struct {
	dir    string
	prefix string
	now    func() time.Time
	mu     sync.Mutex
}

// NewFile creates a file sink. now may be nil.
func NewFile[T any](dir, prefix string, now func() time.Time) *File[T] {
	if now == nil {
		now = time.Now
	}
	return &File[T]{dir: dir, prefix: prefix, now: now}
}

func (f *File[T]) Name() string { return "file:" + f.prefix }

// Path returns the file the next write goes to.
func (f *File[T]) Path() string {
	return filepath.Join(f.dir, fmt.Sprintf("%s-%s.json", f.prefix, f.now().UTC().Format(DateLayout)))
}

// Write appends one JSON line per item.
func (f *File[T]) Write(_ context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return fmt.Errorf("file sink: mkdir: %w", err)
	}
	fh, err := os.OpenFile(f.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("file sink: open: %w", err)
	}
	w := bufio.NewWriter(fh)
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			_ = fh.Close()
			return fmt.Errorf("file sink: encode: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("file sink: write: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("file sink: close: %w", err)
	}
	return nil
}
