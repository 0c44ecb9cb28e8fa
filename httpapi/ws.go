package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentmux/agentmux/internal/eventbus"
	"github.com/agentmux/agentmux/internal/logx"
	"github.com/agentmux/agentmux/schema"
	"pkt.systems/pslog"
)

const wsReadLimit = 1 << 20

// subscriber is one connected viewer: a duplex websocket, its attachment
// state, and its event-bus registration. A subscriber is attached to at most
// one (agent, tab) at a time.
type subscriber struct {
	id       schema.SubscriberID
	server   *Server
	conn     *websocket.Conn
	log      pslog.Logger
	out      chan schema.ServerMessage
	mu       sync.Mutex
	agentID  schema.AgentID
	tabID    schema.TabID
	attached bool
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sub := &subscriber{
		id:     schema.SubscriberID(uuid.NewString()),
		server: s,
		conn:   conn,
		out:    make(chan schema.ServerMessage, 256),
	}
	sub.log = logx.WithSubscriber(s.log, sub.id)
	sub.log.Info("subscriber connected", "remote", clientIP(r))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.bus.Subscribe(sub.id)
	defer unsubscribe()
	defer sub.cleanup()

	go sub.writeLoop(ctx, cancel)
	go sub.forwardEvents(ctx, events)
	sub.readLoop(ctx)
	sub.log.Info("subscriber disconnected")
}

// cleanup releases any control the subscriber holds after disconnect.
func (sub *subscriber) cleanup() {
	for _, owned := range sub.server.registry.Control().ReleaseAll(sub.id) {
		sub.server.bus.PublishControlChanged(owned.AgentID, owned.TabID, "")
	}
}

func (sub *subscriber) readLoop(ctx context.Context) {
	for {
		kind, data, err := sub.conn.Read(ctx)
		if err != nil {
			return
		}
		if kind != websocket.MessageText {
			sub.sendError(ctx, "text frames only")
			continue
		}
		var msg schema.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sub.sendError(ctx, "malformed frame")
			continue
		}
		sub.dispatch(ctx, msg)
	}
}

func (sub *subscriber) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.out:
			data, err := json.Marshal(msg)
			if err != nil {
				sub.log.Warn("frame marshal failed", "type", msg.Type, "err", err)
				continue
			}
			if err := sub.conn.Write(ctx, websocket.MessageText, data); err != nil {
				cancel()
				return
			}
		}
	}
}

// forwardEvents relays bus events the subscriber is interested in. Chunk and
// control events are gated to the attached (agent, tab); tab lifecycle
// events to the attached agent; agent list and status updates go to
// everyone.
func (sub *subscriber) forwardEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			sub.forwardEvent(ctx, event)
		}
	}
}

func (sub *subscriber) forwardEvent(ctx context.Context, event eventbus.Event) {
	agentID, tabID, attached := sub.attachment()
	switch event.Kind {
	case eventbus.KindChunk:
		if attached && event.AgentID == agentID && event.TabID == tabID {
			seq := event.Chunk.Seq
			sub.send(ctx, schema.ServerMessage{
				Type:  schema.MsgOutput,
				TabID: event.TabID,
				Data:  event.Chunk.Data,
				Seq:   &seq,
			})
		}
	case eventbus.KindAgentsUpdated:
		sub.send(ctx, schema.ServerMessage{Type: schema.MsgAgentsUpdated, Agents: event.Agents})
	case eventbus.KindAgentStatus:
		sub.send(ctx, schema.ServerMessage{Type: schema.MsgAgentStatus, AgentID: event.AgentID, Status: event.Status})
	case eventbus.KindTabStatus:
		if attached && event.AgentID == agentID {
			tab := event.Tab
			sub.send(ctx, schema.ServerMessage{Type: schema.MsgTabStatus, AgentID: event.AgentID, TabID: event.TabID, Tab: &tab, Status: event.Status})
		}
	case eventbus.KindTabCreated:
		if attached && event.AgentID == agentID {
			tab := event.Tab
			sub.send(ctx, schema.ServerMessage{Type: schema.MsgTabCreated, AgentID: event.AgentID, TabID: event.TabID, Tab: &tab})
		}
	case eventbus.KindTabClosed:
		if attached && event.AgentID == agentID {
			if event.TabID == tabID {
				// The attached tab went away; stay on the agent.
				sub.setAttachment(agentID, "", true)
			}
			sub.send(ctx, schema.ServerMessage{Type: schema.MsgTabClosed, AgentID: event.AgentID, TabID: event.TabID})
		}
	case eventbus.KindControlChanged:
		if attached && event.AgentID == agentID && event.TabID == tabID {
			hasControl := event.Owner == sub.id
			sub.send(ctx, schema.ServerMessage{Type: schema.MsgControlChanged, AgentID: event.AgentID, TabID: event.TabID, HasControl: &hasControl})
		}
	}
}

func (sub *subscriber) dispatch(ctx context.Context, msg schema.ClientMessage) {
	switch msg.Type {
	case schema.MsgAttach:
		sub.handleAttach(ctx, msg)
	case schema.MsgDetach:
		sub.handleDetach(ctx)
	case schema.MsgInput:
		sub.handleInput(msg)
	case schema.MsgResize:
		sub.handleResize(msg)
	case schema.MsgStart:
		sub.handleStart(ctx, msg)
	case schema.MsgStop:
		sub.handleStop(ctx, msg)
	case schema.MsgGainControl:
		sub.handleGainControl(ctx)
	case schema.MsgCreateTab:
		sub.handleCreateTab(ctx, msg)
	case schema.MsgCloseTab:
		sub.handleCloseTab(ctx, msg)
	case schema.MsgSyncOutput:
		sub.handleSyncOutput(ctx, msg)
	case schema.MsgGetBufferStats:
		sub.handleBufferStats(ctx, msg)
	default:
		sub.sendError(ctx, "unknown message type")
	}
}

// handleAttach implements the attach procedure: resolve agent and tab,
// lazily start the PTY, claim control when unowned, then reply with attached
// followed by an output-sync replay from fromSeq.
func (sub *subscriber) handleAttach(ctx context.Context, msg schema.ClientMessage) {
	registry := sub.server.registry
	agent, ok := registry.Get(msg.AgentID)
	if !ok {
		sub.sendError(ctx, "agent not found")
		return
	}
	tabID := msg.TabID
	if tabID == "" {
		first, ok := registry.FirstTabID(agent.ID)
		if !ok {
			sub.sendError(ctx, "agent has no tabs")
			return
		}
		tabID = first
	} else if _, _, err := registry.SnapshotOutput(agent.ID, tabID, 0); err != nil {
		sub.sendError(ctx, "tab not found")
		return
	}

	sub.releaseAttachment()

	if !registry.TabRunning(agent.ID, tabID) {
		if err := registry.StartTab(ctx, agent.ID, tabID, 0, 0); err != nil {
			sub.sendError(ctx, "failed to start terminal: "+err.Error())
			return
		}
	}

	control := registry.Control()
	hasControl := false
	if _, owned := control.Owner(agent.ID, tabID); !owned {
		control.Gain(agent.ID, tabID, sub.id)
		hasControl = true
	}
	sub.setAttachment(agent.ID, tabID, true)

	fromSeq := int64(0)
	if msg.FromSeq != nil {
		fromSeq = *msg.FromSeq
	}
	chunks, lastSeq, err := registry.SnapshotOutput(agent.ID, tabID, fromSeq)
	if err != nil {
		sub.sendError(ctx, "tab not found")
		return
	}
	sub.send(ctx, schema.ServerMessage{
		Type:       schema.MsgAttached,
		AgentID:    agent.ID,
		TabID:      tabID,
		HasControl: &hasControl,
		LastSeq:    &lastSeq,
	})
	sub.send(ctx, schema.ServerMessage{
		Type:    schema.MsgOutputSync,
		TabID:   tabID,
		Chunks:  chunks,
		LastSeq: &lastSeq,
	})
	sub.log.Debug("subscriber attached", "agent", agent.ID, "tab", tabID, "from_seq", fromSeq, "chunks", len(chunks))
}

func (sub *subscriber) handleDetach(ctx context.Context) {
	sub.releaseAttachment()
	sub.setAttachment("", "", false)
	sub.send(ctx, schema.ServerMessage{Type: schema.MsgDetached})
}

// releaseAttachment drops the current attachment's control entry, if owned.
func (sub *subscriber) releaseAttachment() {
	agentID, tabID, attached := sub.attachment()
	if !attached || tabID == "" {
		return
	}
	if sub.server.registry.Control().Release(agentID, tabID, sub.id) {
		sub.server.bus.PublishControlChanged(agentID, tabID, "")
	}
}

// handleInput forwards keystrokes to the PTY only when this subscriber owns
// the tab. Non-owner input is dropped without an error frame.
func (sub *subscriber) handleInput(msg schema.ClientMessage) {
	agentID, tabID, attached := sub.attachment()
	if !attached {
		return
	}
	if msg.TabID != "" {
		tabID = msg.TabID
	}
	if tabID == "" {
		return
	}
	if owner, ok := sub.server.registry.Control().Owner(agentID, tabID); !ok || owner != sub.id {
		return
	}
	_ = sub.server.registry.WriteTab(agentID, tabID, msg.Data)
}

func (sub *subscriber) handleResize(msg schema.ClientMessage) {
	agentID, tabID, attached := sub.attachment()
	if !attached {
		return
	}
	if msg.TabID != "" {
		tabID = msg.TabID
	}
	if tabID == "" || msg.Cols <= 0 || msg.Rows <= 0 {
		return
	}
	if owner, ok := sub.server.registry.Control().Owner(agentID, tabID); !ok || owner != sub.id {
		return
	}
	_ = sub.server.registry.ResizeTab(agentID, tabID, uint16(msg.Cols), uint16(msg.Rows))
}

func (sub *subscriber) handleStart(ctx context.Context, msg schema.ClientMessage) {
	agentID, tabID, ok := sub.resolveTarget(msg)
	if !ok {
		sub.sendError(ctx, "agent or tab not found")
		return
	}
	if err := sub.server.registry.StartTab(ctx, agentID, tabID, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
		sub.sendError(ctx, err.Error())
	}
}

func (sub *subscriber) handleStop(ctx context.Context, msg schema.ClientMessage) {
	agentID, tabID, ok := sub.resolveTarget(msg)
	if !ok {
		sub.sendError(ctx, "agent or tab not found")
		return
	}
	if err := sub.server.registry.StopTab(ctx, agentID, tabID); err != nil {
		sub.sendError(ctx, err.Error())
	}
}

// handleGainControl always grants control to the caller, stealing from any
// current owner. Everyone attached to the tab learns the outcome from the
// control-changed event.
func (sub *subscriber) handleGainControl(ctx context.Context) {
	agentID, tabID, attached := sub.attachment()
	if !attached || tabID == "" {
		sub.sendError(ctx, "not attached")
		return
	}
	sub.server.registry.Control().Gain(agentID, tabID, sub.id)
	sub.server.bus.PublishControlChanged(agentID, tabID, sub.id)
}

func (sub *subscriber) handleCreateTab(ctx context.Context, msg schema.ClientMessage) {
	if msg.AgentID == "" {
		sub.sendError(ctx, "agentId is required")
		return
	}
	if _, err := sub.server.registry.CreateTab(ctx, msg.AgentID, msg.Name); err != nil {
		sub.sendError(ctx, err.Error())
	}
}

func (sub *subscriber) handleCloseTab(ctx context.Context, msg schema.ClientMessage) {
	if msg.AgentID == "" || msg.TabID == "" {
		sub.sendError(ctx, "agentId and tabId are required")
		return
	}
	if err := sub.server.registry.CloseTab(ctx, msg.AgentID, msg.TabID); err != nil {
		sub.sendError(ctx, err.Error())
	}
}

func (sub *subscriber) handleSyncOutput(ctx context.Context, msg schema.ClientMessage) {
	if msg.AgentID == "" || msg.TabID == "" {
		sub.sendError(ctx, "agentId and tabId are required")
		return
	}
	fromSeq := int64(0)
	if msg.FromSeq != nil {
		fromSeq = *msg.FromSeq
	}
	chunks, lastSeq, err := sub.server.registry.SnapshotOutput(msg.AgentID, msg.TabID, fromSeq)
	if err != nil {
		sub.sendError(ctx, err.Error())
		return
	}
	sub.send(ctx, schema.ServerMessage{
		Type:    schema.MsgOutputSync,
		TabID:   msg.TabID,
		Chunks:  chunks,
		LastSeq: &lastSeq,
	})
}

func (sub *subscriber) handleBufferStats(ctx context.Context, msg schema.ClientMessage) {
	if msg.AgentID == "" || msg.TabID == "" {
		sub.sendError(ctx, "agentId and tabId are required")
		return
	}
	stats, err := sub.server.registry.BufferStats(msg.AgentID, msg.TabID)
	if err != nil {
		sub.sendError(ctx, err.Error())
		return
	}
	sub.send(ctx, schema.ServerMessage{
		Type:    schema.MsgBufferStats,
		AgentID: msg.AgentID,
		TabID:   msg.TabID,
		Stats:   &stats,
	})
}

// resolveTarget picks the (agent, tab) a frame addresses: explicit ids win,
// then the current attachment, then the agent's first tab.
func (sub *subscriber) resolveTarget(msg schema.ClientMessage) (schema.AgentID, schema.TabID, bool) {
	agentID, tabID, _ := sub.attachment()
	if msg.AgentID != "" {
		if msg.AgentID != agentID {
			tabID = ""
		}
		agentID = msg.AgentID
	}
	if msg.TabID != "" {
		tabID = msg.TabID
	}
	if agentID == "" {
		return "", "", false
	}
	if tabID == "" {
		first, ok := sub.server.registry.FirstTabID(agentID)
		if !ok {
			return "", "", false
		}
		tabID = first
	}
	return agentID, tabID, true
}

func (sub *subscriber) attachment() (schema.AgentID, schema.TabID, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.agentID, sub.tabID, sub.attached
}

func (sub *subscriber) setAttachment(agentID schema.AgentID, tabID schema.TabID, attached bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.agentID = agentID
	sub.tabID = tabID
	sub.attached = attached
}

// send enqueues a frame for the writer goroutine, giving up when the
// connection is going away.
func (sub *subscriber) send(ctx context.Context, msg schema.ServerMessage) {
	select {
	case sub.out <- msg:
	case <-ctx.Done():
	}
}

func (sub *subscriber) sendError(ctx context.Context, message string) {
	sub.send(ctx, schema.ServerMessage{Type: schema.MsgError, Message: message})
}
