package proxy

import (
	"sync"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

// streamHub coalesces concurrent identical streaming misses. The first
// request for a (project, fingerprint) key becomes the leader and owns the
// single upstream stream; requests arriving while it is in flight become
// followers and replay the leader's chunks from a shared buffer, each with
// its own cursor. The key is released when the leader's stream completes,
// closing the coalescing window.
type streamHub struct {
	mu sync.Mutex
	m  map[string]*streamBroadcast
}

func newStreamHub() *streamHub {
	return &streamHub{m: make(map[string]*streamBroadcast)}
}

// join returns the broadcast for key. leader true means the caller must run
// the upstream call and drive the broadcast: start or fail, then publish
// chunks and finish.
func (h *streamHub) join(key string) (b *streamBroadcast, leader bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.m[key]; ok {
		return b, false
	}
	b = newStreamBroadcast()
	h.m[key] = b
	return b, true
}

// leave removes the key so the next identical miss elects a fresh leader.
func (h *streamHub) leave(key string) {
	h.mu.Lock()
	delete(h.m, key)
	h.mu.Unlock()
}

// streamBroadcast is the leader's chunk buffer shared with followers. Chunks
// are only appended, so a follower's cursor into the slice is a stable view
// of everything the leader produced before it.
type streamBroadcast struct {
	mu   sync.Mutex
	cond *sync.Cond

	started  bool
	err      error
	provider string

	chunks []providers.StreamChunk
	done   bool
}

func newStreamBroadcast() *streamBroadcast {
	b := &streamBroadcast{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// start marks the upstream dispatch as succeeded. Followers blocked in
// waitStarted may begin reading chunks.
func (b *streamBroadcast) start(provider string) {
	b.mu.Lock()
	b.started = true
	b.provider = provider
	b.mu.Unlock()
	b.cond.Broadcast()
}

// fail aborts the broadcast before any chunk: followers get err instead of a
// stream.
func (b *streamBroadcast) fail(err error) {
	b.mu.Lock()
	b.started = true
	b.err = err
	b.done = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// waitStarted blocks until the leader's dispatch outcome is known. A nil
// return means chunks will follow.
func (b *streamBroadcast) waitStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.started {
		b.cond.Wait()
	}
	return b.err
}

// Provider reports which upstream served the leader. Valid after waitStarted.
func (b *streamBroadcast) Provider() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.provider
}

// publish appends one chunk and wakes waiting followers.
func (b *streamBroadcast) publish(c providers.StreamChunk) {
	b.mu.Lock()
	b.chunks = append(b.chunks, c)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// finish marks the end of the stream. Followers drain whatever their cursor
// has not seen yet and then stop.
func (b *streamBroadcast) finish() {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// next returns the chunk at cursor, blocking until the leader publishes it.
// ok false means the stream ended before cursor.
func (b *streamBroadcast) next(cursor int) (c providers.StreamChunk, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for cursor >= len(b.chunks) && !b.done {
		b.cond.Wait()
	}
	if cursor < len(b.chunks) {
		return b.chunks[cursor], true
	}
	return providers.StreamChunk{}, false
}
