package ndjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/smallbiznis/spendguard/internal/ledger/domain"
)

// maxLineBytes bounds one ledger line. Writer refuses longer events and the
// reader counts longer lines as invalid.
const maxLineBytes = 4 << 20

// ErrStopIteration can be returned from an Iterate callback to end the scan early.
var ErrStopIteration = errors.New("stop iteration")

// Reader scans a ledger file from the start. Each call to Iterate opens the
// file again, so a Reader can be reused.
type Reader struct {
	path string
}

func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Iterate calls fn for every decodable event in file order and returns the
// number of lines that were not valid events. A missing file is empty.
func (r *Reader) Iterate(ctx context.Context, fn func(domain.Event) error) (int, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	br := bufio.NewReaderSize(file, 64*1024)
	invalid := 0
	for {
		if err := ctx.Err(); err != nil {
			return invalid, err
		}
		raw, oversized, err := readLine(br)
		if errors.Is(err, io.EOF) {
			return invalid, nil
		}
		if err != nil {
			return invalid, fmt.Errorf("scan ledger: %w", err)
		}
		if oversized {
			invalid++
			continue
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}

		var event domain.Event
		if err := json.Unmarshal(line, &event); err != nil || event.EventID == "" {
			invalid++
			continue
		}
		if err := fn(event); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return invalid, nil
			}
			return invalid, err
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLineBytes is drained and reported as oversized instead of buffered.
func readLine(br *bufio.Reader) ([]byte, bool, error) {
	var line []byte
	oversized := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && (len(line) > 0 || oversized) {
				return line, oversized, nil
			}
			return nil, false, err
		}
		if !oversized {
			if len(line)+len(chunk) > maxLineBytes {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			return line, oversized, nil
		}
	}
}

// Stats summarizes the ledger contents.
type Stats struct {
	Total        int            `json:"total"`
	Valid        int            `json:"valid"`
	Invalid      int            `json:"invalid"`
	ByEventType  map[string]int `json:"by_event_type"`
	ByEntityType map[string]int `json:"by_entity_type"`
}

func (r *Reader) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByEventType:  map[string]int{},
		ByEntityType: map[string]int{},
	}
	invalid, err := r.Iterate(ctx, func(event domain.Event) error {
		stats.Valid++
		stats.ByEventType[string(event.EventType)]++
		if event.EntityType != "" {
			stats.ByEntityType[event.EntityType]++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	stats.Invalid = invalid
	stats.Total = stats.Valid + stats.Invalid
	return stats, nil
}
