package params

import (
	"context"

	"github.com/halcyard/runloom/internal/expressions"
	"github.com/halcyard/runloom/internal/secrets"
	"github.com/halcyard/runloom/pkg/schema"
)

// Resolver materializes a workflow's declared parameters into a run Scope.
// Resolution is two-phase:
//
// Static phase (ResolveStatic, before the first block runs): workflow
// parameters take the caller-supplied value, else their default, else fail
// if required; credential parameters become secret handles; context
// parameters whose source is already available resolve immediately.
//
// Dynamic phase (OnBlockOutput, as blocks finish): each recorded block
// output may unblock deferred context parameters, including chains of them.
type Resolver struct {
	def   *schema.WorkflowDefinition
	creds secrets.Resolver
	jq    *expressions.GoJQEngine
}

// NewResolver creates a Resolver for one workflow definition. creds may be
// nil when the definition declares no credential parameters.
func NewResolver(def *schema.WorkflowDefinition, creds secrets.Resolver, jq *expressions.GoJQEngine) *Resolver {
	return &Resolver{def: def, creds: creds, jq: jq}
}

// ResolveStatic performs the static phase and returns the run's root scope.
// A missing required workflow parameter or a credential resolution failure
// aborts the run before any block executes.
func (r *Resolver) ResolveStatic(ctx context.Context, callerValues map[string]any) (*Scope, error) {
	scope := NewScope()

	for _, p := range r.def.Parameters {
		switch {
		case p.Type == schema.ParameterTypeWorkflow:
			if v, ok := callerValues[p.Key]; ok {
				scope.Set(p.Key, deepCopy(v))
				continue
			}
			if p.HasDefault {
				scope.Set(p.Key, deepCopy(p.DefaultValue))
				continue
			}
			if p.Required {
				return nil, schema.NewErrorf(schema.ErrCodeMissingParameter,
					"required parameter %q has no value and no default", p.Key)
			}
			// Optional without default: absent. Lookups report !ok.

		case p.IsCredential():
			if r.creds == nil {
				return nil, schema.NewErrorf(schema.ErrCodeSecretResolution,
					"parameter %q requires a credential resolver", p.Key)
			}
			handle, err := r.creds.ResolveCredential(ctx, p)
			if err != nil {
				return nil, err
			}
			scope.Set(p.Key, handle)
		}
	}

	// Context parameters sourced from workflow parameters (or chains of
	// such) resolve now; ones sourced from block outputs stay deferred.
	if err := r.settle(ctx, scope); err != nil {
		return nil, err
	}
	return scope, nil
}

// OnBlockOutput records a block's output under its output parameter key and
// resolves any context parameters the new value unblocks. Outputs bind at
// the root scope so they survive loop iteration scopes.
func (r *Resolver) OnBlockOutput(ctx context.Context, scope *Scope, outputKey string, value any) error {
	if outputKey == "" {
		return nil
	}
	scope.SetRoot(outputKey, deepCopy(value))
	return r.settle(ctx, scope)
}

// settle resolves deferred context parameters to a fixpoint: each pass
// resolves every context parameter whose source is now bound, and repeats
// while progress is made. Chained context parameters settle in dependency
// order without an explicit topological sort; the validation stage has
// already rejected cycles.
func (r *Resolver) settle(ctx context.Context, scope *Scope) error {
	for {
		progress := false
		for _, p := range r.def.Parameters {
			if p.Type != schema.ParameterTypeContext {
				continue
			}
			if _, done := scope.Lookup(p.Key); done {
				continue
			}
			src, ok := scope.Lookup(p.SourceKey)
			if !ok {
				continue // source not yet produced
			}
			value, err := r.derive(ctx, p, src)
			if err != nil {
				return err
			}
			scope.SetRoot(p.Key, value)
			progress = true
		}
		if !progress {
			return nil
		}
	}
}

// derive applies the context parameter's source path to the source value.
func (r *Resolver) derive(ctx context.Context, p schema.Parameter, src any) (any, error) {
	if p.SourcePath == "" {
		return deepCopy(src), nil
	}
	out, err := r.jq.Extract(ctx, p.SourcePath, src)
	if err != nil {
		rlErr, ok := err.(*schema.RunloomError)
		if ok {
			return nil, rlErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"derive context parameter %q: %s", p.Key, err.Error()).WithCause(err)
	}
	return out, nil
}

// BlockData gathers the named parameters from the scope into an expression
// or executor payload. Keys that never resolved (optional inputs without
// values, outputs of blocks that never ran) are simply omitted; a block that
// genuinely needs them fails on its own terms.
func BlockData(scope *Scope, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if v, ok := scope.Lookup(key); ok {
			out[key] = v
		}
	}
	return out
}

// RevealSecrets maps secret handles in a parameter payload to their
// material, immediately before handing the payload to the action executor.
// Everything persisted or logged upstream sees only handle tokens.
func RevealSecrets(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if h, ok := v.(*secrets.Handle); ok {
			out[k] = string(h.Reveal())
			continue
		}
		out[k] = v
	}
	return out
}
