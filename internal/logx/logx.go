package logx

import (
	"context"

	"github.com/agentmux/agentmux/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	agentKey contextKey = iota
	tabKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithAgent annotates the logger with the agent id if present.
func WithAgent(ctx context.Context, agentID schema.AgentID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if agentID != "" {
		if current, ok := ctx.Value(agentKey).(schema.AgentID); ok && current == agentID {
			return log
		}
		log = log.With("agent", agentID)
	}
	return log
}

// WithAgentTab annotates the logger with agent and tab identifiers.
func WithAgentTab(ctx context.Context, agentID schema.AgentID, tabID schema.TabID) pslog.Logger {
	log := WithAgent(ctx, agentID)
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
			return log
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithSubscriber annotates the logger with a subscriber id when available.
func WithSubscriber(log pslog.Logger, subscriberID schema.SubscriberID) pslog.Logger {
	if subscriberID != "" {
		log = log.With("subscriber", subscriberID)
	}
	return log
}

// ContextWithAgent stores the agent marker on the context for log de-duplication.
func ContextWithAgent(ctx context.Context, agentID schema.AgentID) context.Context {
	if ctx == nil || agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, agentKey, agentID)
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithAgentTab stores agent/tab markers on the context.
func ContextWithAgentTab(ctx context.Context, agentID schema.AgentID, tabID schema.TabID) context.Context {
	return ContextWithTab(ContextWithAgent(ctx, agentID), tabID)
}
