package ndjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/spendguard/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id string, eventType domain.EventType) domain.Event {
	return domain.Event{
		EventID:    id,
		EventType:  eventType,
		EntityType: domain.EntityTypeProduct,
		EntityID:   "p1",
		Timestamp:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:    map[string]any{"amount": "5.00"},
	}
}

func TestWriterAppendThenIterateKeepsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.ndjson")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.Append(ctx, testEvent("1", domain.EventTypeSpendRequest)))
	require.NoError(t, w.Append(ctx, testEvent("2", domain.EventTypeSpendDecision)))
	require.NoError(t, w.Append(ctx, testEvent("3", domain.EventTypeWebhookReceived)))

	var ids []string
	invalid, err := NewReader(path).Iterate(ctx, func(e domain.Event) error {
		ids = append(ids, e.EventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, invalid)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestWriterEmitsCompactUTCLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	w, err := Open(path)
	require.NoError(t, err)

	event := testEvent("42", domain.EventTypeAdminDeposit)
	event.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	require.NoError(t, w.Append(context.Background(), event))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ts":"2026-03-01T05:00:00Z"`)
	assert.Equal(t, byte('\n'), raw[len(raw)-1])
	assert.NotContains(t, string(raw[:len(raw)-1]), "\n")
}

func TestReaderCountsInvalidLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	good, err := json.Marshal(testEvent("1", domain.EventTypeSpendRequest))
	require.NoError(t, err)

	content := string(good) + "\n{not json\n\n" + `{"event_type":"SPEND_REQUEST"}` + "\n" + string(good) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	stats, err := NewReader(path).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Valid)
	assert.Equal(t, 2, stats.Invalid)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByEventType["SPEND_REQUEST"])
	assert.Equal(t, 2, stats.ByEntityType[domain.EntityTypeProduct])
}

func TestReaderSkipsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	first, err := json.Marshal(testEvent("1", domain.EventTypeSpendRequest))
	require.NoError(t, err)
	last, err := json.Marshal(testEvent("2", domain.EventTypeSpendDecision))
	require.NoError(t, err)

	huge := `{"event_id":"big","payload":{"blob":"` + strings.Repeat("x", maxLineBytes) + `"}}`
	content := string(first) + "\n" + huge + "\n" + string(last) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	var ids []string
	invalid, err := NewReader(path).Iterate(context.Background(), func(event domain.Event) error {
		ids = append(ids, event.EventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, invalid)
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestReaderAcceptsFinalLineWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	good, err := json.Marshal(testEvent("1", domain.EventTypeSpendRequest))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, good, 0o600))

	stats, err := NewReader(path).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Valid)
	assert.Zero(t, stats.Invalid)
}

func TestReaderIsRestartableAndHandlesMissingFile(t *testing.T) {
	dir := t.TempDir()
	missing := NewReader(filepath.Join(dir, "absent.ndjson"))
	invalid, err := missing.Iterate(context.Background(), func(domain.Event) error {
		t.Fatal("callback should not run")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, invalid)

	path := filepath.Join(dir, "ledger.ndjson")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append(context.Background(), testEvent("1", domain.EventTypeSpendRequest)))

	reader := NewReader(path)
	for i := 0; i < 2; i++ {
		count := 0
		_, err := reader.Iterate(context.Background(), func(domain.Event) error {
			count++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}
}

func TestReaderStopIteration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(context.Background(), testEvent(fmt.Sprint(i), domain.EventTypeSpendRequest)))
	}

	seen := 0
	_, err = NewReader(path).Iterate(context.Background(), func(domain.Event) error {
		seen++
		if seen == 2 {
			return ErrStopIteration
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestWriterConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	w, err := Open(path)
	require.NoError(t, err)

	const writers = 32
	const perWriter = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				event := testEvent(fmt.Sprintf("%d-%d", i, j), domain.EventTypeWebhookReceived)
				event.Payload = map[string]any{"blob": fmt.Sprintf("%0512d", j)}
				assert.NoError(t, w.Append(context.Background(), event))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	seen := map[string]bool{}
	for scanner.Scan() {
		var event domain.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		seen[event.EventID] = true
	}
	require.NoError(t, scanner.Err())
	assert.Len(t, seen, writers*perWriter)
}

func TestOpenRepairsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(`{"event_id":"torn","event_ty`), 0o600))

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), testEvent("1", domain.EventTypeSpendRequest)))
	require.NoError(t, w.Close())

	stats, err := NewReader(path).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Valid)
	assert.Equal(t, 1, stats.Invalid)
}

func TestWriterRejectsAfterClose(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "ledger.ndjson"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	err = w.Append(context.Background(), testEvent("1", domain.EventTypeSpendRequest))
	assert.ErrorIs(t, err, domain.ErrLedgerClosed)
}

func TestWriterRejectsInvalidEvent(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "ledger.ndjson"))
	require.NoError(t, err)
	defer w.Close()

	event := testEvent("", domain.EventTypeSpendRequest)
	assert.ErrorIs(t, w.Append(context.Background(), event), domain.ErrMissingEventID)

	event = testEvent("1", domain.EventType("BOGUS"))
	assert.ErrorIs(t, w.Append(context.Background(), event), domain.ErrInvalidEventType)
}

func TestWriterRejectsOversizedEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.ndjson")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	event := testEvent("1", domain.EventTypeSpendRequest)
	event.Payload = map[string]any{"blob": strings.Repeat("x", maxLineBytes)}
	assert.ErrorIs(t, w.Append(context.Background(), event), domain.ErrLedgerWrite)

	require.NoError(t, w.Append(context.Background(), testEvent("2", domain.EventTypeSpendRequest)))
	stats, err := NewReader(path).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Valid)
	assert.Zero(t, stats.Invalid)
}

func TestOpenFailsOnDirectoryPath(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, domain.ErrLedgerWrite)
}
