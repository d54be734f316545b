package proxy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

func TestStreamHubSingleLeader(t *testing.T) {
	hub := newStreamHub()

	const concurrent = 50
	var wg sync.WaitGroup
	var leaders atomic.Int64

	start := make(chan struct{})
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, leader := hub.join("proj-1:fp-1"); leader {
				leaders.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	// One upstream stream per in-flight (project, fingerprint) key, no matter
	// how many identical requests race in.
	if got := leaders.Load(); got != 1 {
		t.Errorf("got %d leaders, want 1", got)
	}

	// A different fingerprint is its own key.
	if _, leader := hub.join("proj-1:fp-2"); !leader {
		t.Error("a distinct key must elect its own leader")
	}
}

func TestStreamHubLeaveClosesWindow(t *testing.T) {
	hub := newStreamHub()

	if _, leader := hub.join("k"); !leader {
		t.Fatal("first join must lead")
	}
	hub.leave("k")
	if _, leader := hub.join("k"); !leader {
		t.Error("after leave the next join must lead again")
	}
}

func TestStreamBroadcastFollowersReplayAllChunks(t *testing.T) {
	b := newStreamBroadcast()

	const total = 20
	collect := func() []string {
		if err := b.waitStarted(); err != nil {
			t.Errorf("waitStarted: %v", err)
			return nil
		}
		var got []string
		for cursor := 0; ; cursor++ {
			chunk, ok := b.next(cursor)
			if !ok {
				return got
			}
			got = append(got, chunk.Content)
		}
	}

	results := make(chan []string, 2)
	go func() { results <- collect() }() // joins before the stream starts

	b.start(providers.NameOpenAI)
	for i := 0; i < total/2; i++ {
		b.publish(providers.StreamChunk{Content: fmt.Sprintf("c%d", i)})
	}

	go func() { results <- collect() }() // joins mid-stream

	for i := total / 2; i < total; i++ {
		b.publish(providers.StreamChunk{Content: fmt.Sprintf("c%d", i)})
	}
	b.finish()

	if got := b.Provider(); got != providers.NameOpenAI {
		t.Errorf("Provider() = %q", got)
	}

	// Both followers see every chunk in publish order, the late joiner
	// included: the buffer keeps the whole tail.
	for i := 0; i < 2; i++ {
		got := <-results
		if len(got) != total {
			t.Fatalf("follower got %d chunks, want %d", len(got), total)
		}
		for j, c := range got {
			if want := fmt.Sprintf("c%d", j); c != want {
				t.Errorf("chunk %d = %q, want %q", j, c, want)
			}
		}
	}
}

func TestStreamBroadcastFailReachesFollowers(t *testing.T) {
	b := newStreamBroadcast()

	errs := make(chan error, 1)
	go func() { errs <- b.waitStarted() }()

	dispatchErr := errors.New("no provider keys")
	b.fail(dispatchErr)

	if err := <-errs; !errors.Is(err, dispatchErr) {
		t.Errorf("waitStarted = %v, want the dispatch error", err)
	}

	// A failed broadcast yields no chunks.
	if _, ok := b.next(0); ok {
		t.Error("next must report the stream as ended")
	}
}
