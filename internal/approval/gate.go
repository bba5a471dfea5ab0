// Package approval decides whether a tool call may run unattended and
// brokers explicit decisions for the ones that may not.
package approval

import (
	"encoding/json"
	"path"
	"sync"
)

// Decision is the outcome of policy evaluation.
type Decision int

const (
	// Auto means the call may run immediately.
	Auto Decision = iota
	// MustAsk means the call blocks on an explicit external decision.
	MustAsk
)

func (d Decision) String() string {
	if d == Auto {
		return "auto"
	}
	return "must_ask"
}

// Classifier reports tools that have no side effects.
type Classifier interface {
	IsReadOnly(toolName string) bool
}

// Gate is the approval policy. Allow-list entries are exact names or glob
// patterns ("read_*", "mcp_github_*", "*").
type Gate struct {
	mu             sync.RWMutex
	allow          []string
	readOnly       Classifier
	autoApproveAll bool
}

func NewGate(allow []string, readOnly Classifier) *Gate {
	return &Gate{allow: append([]string(nil), allow...), readOnly: readOnly}
}

// Decide never inspects arguments today; they are part of the signature so
// argument-sensitive policies can be added without touching callers.
func (g *Gate) Decide(toolName string, _ json.RawMessage) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.autoApproveAll {
		return Auto
	}
	for _, pattern := range g.allow {
		if pattern == toolName {
			return Auto
		}
		if ok, err := path.Match(pattern, toolName); err == nil && ok {
			return Auto
		}
	}
	if g.readOnly != nil && g.readOnly.IsReadOnly(toolName) {
		return Auto
	}
	return MustAsk
}

// Allow adds a pattern, e.g. after the user answers "always allow".
func (g *Gate) Allow(pattern string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.allow {
		if p == pattern {
			return
		}
	}
	g.allow = append(g.allow, pattern)
}

// SetAllowList replaces the allow-list, used on config reload.
func (g *Gate) SetAllowList(allow []string) {
	g.mu.Lock()
	g.allow = append([]string(nil), allow...)
	g.mu.Unlock()
}

func (g *Gate) SetAutoApproveAll(on bool) {
	g.mu.Lock()
	g.autoApproveAll = on
	g.mu.Unlock()
}
