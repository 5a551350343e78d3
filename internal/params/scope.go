package params

import (
	"encoding/json"
)

// Scope holds resolved parameter values for one lexical level of a run.
// The run has a root scope; each loop iteration gets a child scope whose
// loop variable shadows any outer binding with the same key. Lookups walk
// from the innermost scope outward.
type Scope struct {
	parent *Scope
	values map[string]any
}

// NewScope creates an empty root scope.
func NewScope() *Scope {
	return &Scope{values: make(map[string]any)}
}

// Child creates a nested scope for a loop iteration with the loop variable
// bound under key. The child shares nothing mutable with siblings: bindings
// made in one iteration never leak into the next.
func (s *Scope) Child(key string, value any) *Scope {
	child := &Scope{
		parent: s,
		values: make(map[string]any, 1),
	}
	child.values[key] = deepCopy(value)
	return child
}

// Set binds a value in this scope, shadowing any outer binding.
func (s *Scope) Set(key string, value any) {
	s.values[key] = value
}

// SetRoot binds a value in the outermost scope. Block outputs recorded
// inside a loop iteration stay visible after the loop finishes.
func (s *Scope) SetRoot(key string, value any) {
	root := s
	for root.parent != nil {
		root = root.parent
	}
	root.values[key] = value
}

// Lookup returns the value bound to key, searching innermost-first.
func (s *Scope) Lookup(key string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Flatten returns a single map with inner bindings winning over outer ones.
// Used to build expression environments and templating contexts.
func (s *Scope) Flatten() map[string]any {
	// Collect scopes outermost-first so inner writes overwrite outer.
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].values {
			out[k] = v
		}
	}
	return out
}

// deepCopy freezes a value at bind time so later mutation of the source
// cannot change what an iteration observed.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = deepCopy(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopy(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
