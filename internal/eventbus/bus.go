package eventbus

import (
	"context"
	"sync"

	"github.com/agentmux/agentmux/schema"
	"pkt.systems/pslog"
)

// Kind identifies the event payload.
type Kind string

const (
	// KindChunk carries a coalesced PTY output chunk for a tab.
	KindChunk Kind = "chunk"
	// KindAgentStatus carries an agent status change.
	KindAgentStatus Kind = "agent-status"
	// KindTabStatus carries a tab status change.
	KindTabStatus Kind = "tab-status"
	// KindTabCreated announces a new tab.
	KindTabCreated Kind = "tab-created"
	// KindTabClosed announces a removed tab.
	KindTabClosed Kind = "tab-closed"
	// KindAgentsUpdated carries a full agent-list snapshot.
	KindAgentsUpdated Kind = "agents-updated"
	// KindControlChanged announces a new control owner for a tab.
	KindControlChanged Kind = "control-changed"
)

// Event is delivered to every subscriber; payload fields are populated per
// Kind. Subscribers gate on their own attachment state.
type Event struct {
	Kind    Kind
	AgentID schema.AgentID
	TabID   schema.TabID
	Chunk   schema.OutputChunk
	Status  schema.Status
	Tab     schema.Tab
	Agents  []schema.Agent
	// Owner is the new control owner for KindControlChanged; empty means the
	// tab has no owner.
	Owner schema.SubscriberID
}

// Bus fans events out to subscriber channels. Publishers never block:
// delivery to a full subscriber is dropped and accounted, and clients
// recover via seq-numbered resync.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.SubscriberID]chan Event
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.SubscriberID]chan Event),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// func. Cancel deregisters by id and closes the channel.
func (b *Bus) Subscribe(id schema.SubscriberID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	if prev, ok := b.subs[id]; ok {
		close(prev)
	}
	b.subs[id] = ch
	count := len(b.subs)
	b.mu.Unlock()
	b.log.With("subscriber", id).Debug("eventbus subscribe", "subs", count)
	return ch, func() {
		b.mu.Lock()
		if current, ok := b.subs[id]; ok && current == ch {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
		b.log.With("subscriber", id).Debug("eventbus unsubscribe")
	}
}

// PublishChunk publishes a coalesced output chunk for a tab.
func (b *Bus) PublishChunk(agentID schema.AgentID, tabID schema.TabID, chunk schema.OutputChunk) {
	b.publish(Event{Kind: KindChunk, AgentID: agentID, TabID: tabID, Chunk: chunk})
}

// PublishAgentStatus publishes an agent status change.
func (b *Bus) PublishAgentStatus(agentID schema.AgentID, status schema.Status) {
	b.publish(Event{Kind: KindAgentStatus, AgentID: agentID, Status: status})
}

// PublishTabStatus publishes a tab status change.
func (b *Bus) PublishTabStatus(agentID schema.AgentID, tab schema.Tab) {
	b.publish(Event{Kind: KindTabStatus, AgentID: agentID, TabID: tab.ID, Tab: tab, Status: tab.Status})
}

// PublishTabCreated announces a new tab on an agent.
func (b *Bus) PublishTabCreated(agentID schema.AgentID, tab schema.Tab) {
	b.publish(Event{Kind: KindTabCreated, AgentID: agentID, TabID: tab.ID, Tab: tab})
}

// PublishTabClosed announces a removed tab.
func (b *Bus) PublishTabClosed(agentID schema.AgentID, tabID schema.TabID) {
	b.publish(Event{Kind: KindTabClosed, AgentID: agentID, TabID: tabID})
}

// PublishAgentsUpdated publishes a full agent-list snapshot.
func (b *Bus) PublishAgentsUpdated(agents []schema.Agent) {
	b.publish(Event{Kind: KindAgentsUpdated, Agents: agents})
}

// PublishControlChanged announces the new control owner for a tab. An empty
// owner means the previous owner released without a successor.
func (b *Bus) PublishControlChanged(agentID schema.AgentID, tabID schema.TabID, owner schema.SubscriberID) {
	b.publish(Event{Kind: KindControlChanged, AgentID: agentID, TabID: tabID, Owner: owner})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	// Sends stay under the lock so a concurrent unsubscribe cannot close a
	// channel mid-send; sends are non-blocking so the hold is brief.
	dropped := 0
	b.mu.Lock()
	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Warn("eventbus dropped", "kind", event.Kind, "count", dropped)
	}
}
