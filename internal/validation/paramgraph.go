package validation

import (
	"sort"
	"strings"

	"github.com/halcyard/runloom/pkg/schema"
)

// validateParameterGraph performs cycle detection (Kahn's algorithm) over the
// parameter dependency graph. Context parameters depend on their source;
// every other parameter type is a leaf. A cycle means no resolution order
// exists, so it is a hard error.
func validateParameterGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Node set: declared parameter keys plus block output parameter keys.
	nodes := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		nodes[p.Key] = true
	}
	_ = def.WalkBlocks(func(b schema.Block, depth int) error {
		if b.OutputParameterKey != "" {
			nodes[b.OutputParameterKey] = true
		}
		return nil
	})

	// edges[key] = dependencies of key, reverse[dep] = dependents of dep.
	edges := make(map[string][]string, len(nodes))
	reverse := make(map[string][]string, len(nodes))
	for _, p := range def.Parameters {
		if p.Type != schema.ParameterTypeContext || p.SourceKey == "" {
			continue
		}
		if !nodes[p.SourceKey] {
			continue // invalid refs already caught by semantic
		}
		edges[p.Key] = append(edges[p.Key], p.SourceKey)
		reverse[p.SourceKey] = append(reverse[p.SourceKey], p.Key)
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(nodes))
	for key := range nodes {
		inDegree[key] = len(edges[key])
	}

	queue := make([]string, 0, len(nodes))
	for key, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, key)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(nodes) {
		cycle := make([]string, 0)
		for key, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, key)
			}
		}
		sort.Strings(cycle)
		result.AddError("parameters", schema.ErrCodeParameterCycle,
			"parameters form a dependency cycle: "+strings.Join(cycle, ", "))
	}

	return result
}
