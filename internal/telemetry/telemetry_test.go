package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"credit card plain", "pay with 4111111111111111 now", "pay with [REDACTED] now"},
		{"credit card dashed", "card 4111-1111-1111-1111 ok", "card [REDACTED] ok"},
		{"ssn", "my ssn is 123-45-6789", "my ssn is [REDACTED]"},
		{"email", "mail me at alice@example.com please", "mail me at [REDACTED] please"},
		{"clean", "what is the capital of France?", "what is the capital of France?"},
		{"multiple", "a@b.io and 123-45-6789", "[REDACTED] and [REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("é", PreviewLimit+50)
	got := Preview(long)
	assert.Equal(t, PreviewLimit, len([]rune(got)))

	assert.Equal(t, "short", Preview("short"))
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]Event
	fail    bool
}

func (f *fakeSink) WriteBatch(_ context.Context, events []Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("sink down")
	}
	batch := make([]Event, len(events))
	copy(batch, events)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSink) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func testPipeline(sink Sink) *Pipeline {
	return NewPipeline(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPipelineBatches(t *testing.T) {
	sink := &fakeSink{}
	p := testPipeline(sink)
	go p.Run(context.Background())

	for i := 0; i < BatchSize+10; i++ {
		p.Record(Event{EventID: "e", ProjectID: "p1"})
	}
	p.Close()

	require.Equal(t, BatchSize+10, sink.total())
	assert.LessOrEqual(t, len(sink.batches[0]), BatchSize)
	assert.EqualValues(t, 0, p.Dropped())
}

func TestPipelineDropsOldestAtCapacity(t *testing.T) {
	sink := &fakeSink{}
	p := testPipeline(sink)

	// No Run goroutine: fill the queue past capacity.
	for i := 0; i < BufferCap+5; i++ {
		p.Record(Event{EventID: "e"})
	}
	assert.EqualValues(t, 5, p.Dropped())

	go p.Run(context.Background())
	p.Close()
	assert.Equal(t, BufferCap, sink.total(), "newest events survive the eviction")
}

func TestPipelineRequeuesFailedBatch(t *testing.T) {
	sink := &fakeSink{fail: true}
	p := testPipeline(sink)

	for i := 0; i < 10; i++ {
		p.Record(Event{EventID: "e"})
	}
	p.flush(context.Background())
	assert.Equal(t, 0, sink.total())

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	p.flush(context.Background())
	assert.Equal(t, 10, sink.total(), "events survive a sink outage")
}

func TestValidPeriodAndMetric(t *testing.T) {
	for _, p := range []string{"1h", "6h", "24h", "7d", "30d"} {
		assert.True(t, ValidPeriod(p), p)
	}
	assert.False(t, ValidPeriod("2h"))

	for _, m := range []string{"requests", "cost", "latency", "errors"} {
		assert.True(t, ValidMetric(m), m)
	}
	assert.False(t, ValidMetric("tokens"))
}
