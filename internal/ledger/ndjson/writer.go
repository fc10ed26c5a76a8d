package ndjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/smallbiznis/spendguard/internal/ledger/domain"
)

// Writer is an append-only NDJSON ledger file. Every Append is flushed and
// fsynced before it returns; a single mutex keeps lines from interleaving.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	closed bool
}

// Open opens or creates the ledger file at path in append mode.
func Open(path string) (*Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty ledger path", domain.ErrLedgerWrite)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create ledger dir: %v", domain.ErrLedgerWrite, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: open ledger: %v", domain.ErrLedgerWrite, err)
	}

	w := &Writer{
		path: path,
		file: file,
		buf:  bufio.NewWriter(file),
	}
	if err := w.terminatePartialLine(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Path() string {
	return w.path
}

// Append writes event as one compact JSON line and syncs it to disk.
func (w *Writer) Append(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	event.Timestamp = event.Timestamp.UTC()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", domain.ErrLedgerWrite, err)
	}
	if len(line) > maxLineBytes {
		return fmt.Errorf("%w: event %s encodes to %d bytes, limit is %d", domain.ErrLedgerWrite, event.EventID, len(line), maxLineBytes)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return domain.ErrLedgerClosed
	}
	if _, err := w.buf.Write(line); err != nil {
		w.buf.Reset(w.file)
		return fmt.Errorf("%w: write: %v", domain.ErrLedgerWrite, err)
	}
	if err := w.buf.Flush(); err != nil {
		w.buf.Reset(w.file)
		return fmt.Errorf("%w: flush: %v", domain.ErrLedgerWrite, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", domain.ErrLedgerWrite, err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// terminatePartialLine appends a newline when a previous crash left the file
// without one, so the torn line stays isolated and new events parse cleanly.
func (w *Writer) terminatePartialLine() error {
	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat ledger: %v", domain.ErrLedgerWrite, err)
	}
	if info.Size() == 0 {
		return nil
	}

	reader, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("%w: inspect ledger: %v", domain.ErrLedgerWrite, err)
	}
	defer reader.Close()

	last := make([]byte, 1)
	if _, err := reader.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return fmt.Errorf("%w: inspect ledger: %v", domain.ErrLedgerWrite, err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := w.file.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("%w: repair ledger tail: %v", domain.ErrLedgerWrite, err)
	}
	return w.file.Sync()
}

var _ domain.Store = (*Writer)(nil)
