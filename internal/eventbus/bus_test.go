package eventbus

import (
	"testing"
	"time"

	"github.com/agentmux/agentmux/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("sub1")
	defer cancel()

	chunk := schema.OutputChunk{Seq: 0, Data: "hi\n", Timestamp: 1}
	bus.PublishChunk("agent1", "tab1", chunk)

	select {
	case got := <-ch:
		if got.Kind != KindChunk {
			t.Fatalf("expected chunk event, got %v", got.Kind)
		}
		if got.AgentID != "agent1" || got.TabID != "tab1" || got.Chunk.Data != "hi\n" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("sub1")
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	_, cancel := bus.Subscribe("sub1")
	defer cancel()

	bus.PublishAgentsUpdated(nil)
	done := make(chan struct{})
	go func() {
		bus.PublishAgentsUpdated(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("sub1")
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.PublishChunk("agent1", "tab1", schema.OutputChunk{Seq: int64(i)})
	}
	for i := 0; i < 10; i++ {
		select {
		case got := <-ch:
			if got.Chunk.Seq != int64(i) {
				t.Fatalf("expected seq %d, got %d", i, got.Chunk.Seq)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestControlChangedCarriesOwner(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("sub1")
	defer cancel()

	bus.PublishControlChanged("agent1", "tab1", "sub2")
	got := <-ch
	if got.Kind != KindControlChanged || got.Owner != "sub2" {
		t.Fatalf("unexpected event: %+v", got)
	}
	bus.PublishControlChanged("agent1", "tab1", "")
	got = <-ch
	if got.Owner != "" {
		t.Fatalf("expected released owner, got %q", got.Owner)
	}
}
