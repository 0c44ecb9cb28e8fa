package schema

// Client-to-server message tags.
const (
	MsgAttach         = "attach"
	MsgDetach         = "detach"
	MsgInput          = "input"
	MsgResize         = "resize"
	MsgStart          = "start"
	MsgStop           = "stop"
	MsgGainControl    = "gain-control"
	MsgCreateTab      = "create-tab"
	MsgCloseTab       = "close-tab"
	MsgSyncOutput     = "sync-output"
	MsgGetBufferStats = "get-buffer-stats"
)

// Server-to-client message tags.
const (
	MsgOutput         = "output"
	MsgOutputSync     = "output-sync"
	MsgAttached       = "attached"
	MsgDetached       = "detached"
	MsgAgentStatus    = "agent-status"
	MsgTabStatus      = "tab-status"
	MsgTabCreated     = "tab-created"
	MsgTabClosed      = "tab-closed"
	MsgAgentsUpdated  = "agents-updated"
	MsgControlChanged = "control-changed"
	MsgBufferStats    = "buffer-stats"
	MsgError          = "error"
)

// ClientMessage is one inbound JSON frame from a viewer, dispatched by Type.
type ClientMessage struct {
	Type    string  `json:"type"`
	AgentID AgentID `json:"agentId,omitempty"`
	TabID   TabID   `json:"tabId,omitempty"`
	Data    string  `json:"data,omitempty"`
	Cols    int     `json:"cols,omitempty"`
	Rows    int     `json:"rows,omitempty"`
	FromSeq *int64  `json:"fromSeq,omitempty"`
	Name    string  `json:"name,omitempty"`
}

// ServerMessage is one outbound JSON frame to a viewer. Fields are populated
// per Type; pointer fields distinguish "absent" from zero values on the wire.
type ServerMessage struct {
	Type       string        `json:"type"`
	AgentID    AgentID       `json:"agentId,omitempty"`
	TabID      TabID         `json:"tabId,omitempty"`
	Data       string        `json:"data,omitempty"`
	Seq        *int64        `json:"seq,omitempty"`
	Chunks     []OutputChunk `json:"chunks,omitempty"`
	LastSeq    *int64        `json:"lastSeq,omitempty"`
	HasControl *bool         `json:"hasControl,omitempty"`
	Status     Status        `json:"status,omitempty"`
	Tab        *Tab          `json:"tab,omitempty"`
	Agents     []Agent       `json:"agents,omitempty"`
	Stats      *BufferStats  `json:"stats,omitempty"`
	Message    string        `json:"message,omitempty"`
}
