package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pipeline buffer and batching parameters.
const (
	// BufferCap bounds the in-memory event queue. When full the oldest
	// event is dropped — telemetry loss is always preferred over
	// backpressure on the data path.
	BufferCap = 50_000

	// BatchSize is the maximum events per ClickHouse insert.
	BatchSize = 500

	// FlushInterval flushes partial batches.
	FlushInterval = 5 * time.Second
)

// Sink receives event batches. Implementations must tolerate redelivery —
// a failed batch is retried once on the next flush.
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// Pipeline is the async event queue between request handlers and the sink.
type Pipeline struct {
	log  *slog.Logger
	sink Sink

	mu      sync.Mutex
	queue   []Event
	dropped int64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewPipeline creates the queue. A nil sink discards all events; the gateway
// runs without analytics rather than not at all.
func NewPipeline(sink Sink, log *slog.Logger) *Pipeline {
	return &Pipeline{
		log:  log,
		sink: sink,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Record enqueues an event. Never blocks: at capacity the oldest queued
// event is evicted to make room.
func (p *Pipeline) Record(e Event) {
	p.mu.Lock()
	if len(p.queue) >= BufferCap {
		p.queue = p.queue[1:]
		p.dropped++
	}
	p.queue = append(p.queue, e)
	full := len(p.queue) >= BatchSize
	p.mu.Unlock()

	if full {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Run drains the queue until ctx is canceled or Close is called, then flushes
// what remains.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return
		case <-p.stop:
			p.flush(context.Background())
			return
		case <-p.wake:
			p.flush(ctx)
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

// Close stops the pipeline after a final flush.
func (p *Pipeline) Close() {
	close(p.stop)
	<-p.done
}

// Dropped returns how many events were evicted at capacity.
func (p *Pipeline) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Pipeline) flush(ctx context.Context) {
	if p.sink == nil {
		p.mu.Lock()
		p.dropped += int64(len(p.queue))
		p.queue = nil
		p.mu.Unlock()
		return
	}
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		n := len(p.queue)
		if n > BatchSize {
			n = BatchSize
		}
		batch := make([]Event, n)
		copy(batch, p.queue[:n])
		p.queue = p.queue[n:]
		p.mu.Unlock()

		if err := p.sink.WriteBatch(ctx, batch); err != nil {
			// Requeue once at the front; the sink dedupes on event_id, so a
			// partially written batch is safe to resend.
			p.log.Error("telemetry batch write failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()))
			p.mu.Lock()
			if len(p.queue)+len(batch) <= BufferCap {
				p.queue = append(batch, p.queue...)
			} else {
				p.dropped += int64(len(batch))
			}
			p.mu.Unlock()
			return
		}
		if n < BatchSize {
			return
		}
	}
}
