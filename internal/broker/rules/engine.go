// Package rules matches an inbound method against the declarative rule
// table loaded at startup.
package rules

import (
	"strings"
	"sync"

	"github.com/leonletto/brokerd/internal/broker/types"
)

// Engine holds the rule table and resolves an RpcRequest's method to its
// matching Rule. Matching is case-insensitive method equality; the table is
// read once at startup and never mutated concurrently with lookups once
// built, but Engine still guards itself with a lock so a future hot-reload
// doesn't need a new type.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]types.Rule // lowercased method -> rule
}

// New builds an Engine from a method->Rule table. Keys are normalized to
// lowercase so Match can do a single map lookup.
func New(table map[string]types.Rule) *Engine {
	e := &Engine{rules: make(map[string]types.Rule, len(table))}
	for method, rule := range table {
		e.rules[strings.ToLower(method)] = rule
	}
	return e
}

// Match resolves req.Method to its Rule. Absence is not an error: it signals
// "no rule", and the caller (the dispatcher) decides what that means.
func (e *Engine) Match(method string) (types.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[strings.ToLower(method)]
	return r, ok
}

// Set replaces the rule for a method, used by tests.
func (e *Engine) Set(method string, rule types.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[strings.ToLower(method)] = rule
}

// Len reports how many rules are loaded.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}
