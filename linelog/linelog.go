// Package linelog appends records to human-readable per-channel log files, one
// "<RFC3339 time> <line>" entry per record, rotated by size.
package linelog

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/route"
)

// serverLog is the file name for records not tied to a channel.
const serverLog = "server"

// Writer owns one rotating file per channel. It is safe for concurrent use.
type Writer struct {
	dir        string
	maxSizeMB  int
	maxBackups int

	mu    sync.Mutex
	files map[string]io.WriteCloser
	open  func(path string) io.WriteCloser
}

// New returns a writer rooted at dir. Zero sizes use lumberjack's defaults.
func New(dir string, maxSizeMB, maxBackups int) *Writer {
	w := &Writer{
		dir:        dir,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		files:      make(map[string]io.WriteCloser),
	}
	w.open = func(path string) io.WriteCloser {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    w.maxSizeMB,
			MaxBackups: w.maxBackups,
			Compress:   true,
		}
	}
	return w
}

// Path returns the log file used for r.
func (w *Writer) Path(r record.Record) string {
	server, name := r.Server, serverLog
	if s, bare, ok := route.SplitKey(r.Channel); ok {
		server, name = s, bare
	}
	return filepath.Join(w.dir, sanitize(server), sanitize(name)+".log")
}

// Format renders the log entry for r without a trailing newline.
func Format(r record.Record) (string, error) {
	line, err := record.BuildLine(r)
	if err != nil {
		return "", err
	}
	return r.Time.UTC().Format(time.RFC3339) + " " + line, nil
}

// Write appends every record with a line form. Bunches have none and are
// skipped; their members were logged as they arrived.
func (w *Writer) Write(records []record.Record) error {
	byPath := make(map[string]*strings.Builder)
	var order []string
	for _, r := range records {
		entry, err := Format(r)
		if errors.Is(err, record.ErrNoLineForm) {
			continue
		}
		if err != nil {
			return fmt.Errorf("format %s: %w", r.ID, err)
		}
		p := w.Path(r)
		b, ok := byPath[p]
		if !ok {
			b = &strings.Builder{}
			byPath[p] = b
			order = append(order, p)
		}
		b.WriteString(entry)
		b.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, p := range order {
		f, ok := w.files[p]
		if !ok {
			f = w.open(p)
			w.files[p] = f
		}
		if _, err := io.WriteString(f, byPath[p].String()); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every open file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for p, f := range w.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p, err))
		}
		delete(w.files, p)
	}
	return errors.Join(errs...)
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
