package core

import (
	"sync"

	"github.com/agentmux/agentmux/schema"
)

type tabKey struct {
	agent schema.AgentID
	tab   schema.TabID
}

// OwnedTab identifies one tab a subscriber held control of.
type OwnedTab struct {
	AgentID schema.AgentID
	TabID   schema.TabID
}

// ControlTable maps each tab to the single subscriber allowed to inject
// input. Gaining control always succeeds, stealing from any current owner;
// the losing side learns about it from the control-changed event.
type ControlTable struct {
	mu     sync.Mutex
	owners map[tabKey]schema.SubscriberID
}

// NewControlTable constructs an empty table.
func NewControlTable() *ControlTable {
	return &ControlTable{owners: make(map[tabKey]schema.SubscriberID)}
}

// Gain makes subscriber the owner of the tab and returns the previous owner
// (empty when the tab was unowned).
func (c *ControlTable) Gain(agentID schema.AgentID, tabID schema.TabID, subscriber schema.SubscriberID) schema.SubscriberID {
	key := tabKey{agent: agentID, tab: tabID}
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.owners[key]
	c.owners[key] = subscriber
	return previous
}

// Owner returns the current owner of the tab.
func (c *ControlTable) Owner(agentID schema.AgentID, tabID schema.TabID) (schema.SubscriberID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owners[tabKey{agent: agentID, tab: tabID}]
	return owner, ok
}

// Release clears the entry only when subscriber currently owns the tab.
func (c *ControlTable) Release(agentID schema.AgentID, tabID schema.TabID, subscriber schema.SubscriberID) bool {
	key := tabKey{agent: agentID, tab: tabID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owners[key] != subscriber {
		return false
	}
	delete(c.owners, key)
	return true
}

// ReleaseAll clears every tab the subscriber owns and returns them.
func (c *ControlTable) ReleaseAll(subscriber schema.SubscriberID) []OwnedTab {
	c.mu.Lock()
	defer c.mu.Unlock()
	var released []OwnedTab
	for key, owner := range c.owners {
		if owner == subscriber {
			delete(c.owners, key)
			released = append(released, OwnedTab{AgentID: key.agent, TabID: key.tab})
		}
	}
	return released
}

// ClearTab drops the entry for a tab regardless of owner, for tab close and
// agent deletion.
func (c *ControlTable) ClearTab(agentID schema.AgentID, tabID schema.TabID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owners, tabKey{agent: agentID, tab: tabID})
}
