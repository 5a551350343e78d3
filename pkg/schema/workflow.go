package schema

// WorkflowDefinition is the immutable-per-version declarative body of a
// workflow: the ordered block list plus the parameters they reference.
type WorkflowDefinition struct {
	Blocks     []Block     `json:"blocks"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// WorkflowSettings carries the run-affecting options stored alongside a
// workflow version.
type WorkflowSettings struct {
	ProxyLocation         ProxyLocation `json:"proxy_location,omitempty"`
	WebhookCallbackURL    string        `json:"webhook_callback_url,omitempty"`
	TOTP                  *TOTPConfig   `json:"totp,omitempty"`
	PersistBrowserSession bool          `json:"persist_browser_session,omitempty"`
	MaxStepsPerRun        int           `json:"max_steps_per_run,omitempty"`
}

// ParameterByKey returns the declared parameter with the given key.
func (d *WorkflowDefinition) ParameterByKey(key string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Key == key {
			return p, true
		}
	}
	return Parameter{}, false
}

// WalkBlocks visits every block in declaration order, descending into
// for_loop nests. The callback receives the nesting depth (0 = top level).
func (d *WorkflowDefinition) WalkBlocks(fn func(b Block, depth int) error) error {
	return walkBlocks(d.Blocks, 0, fn)
}

func walkBlocks(blocks []Block, depth int, fn func(b Block, depth int) error) error {
	for _, b := range blocks {
		if err := fn(b, depth); err != nil {
			return err
		}
		if b.Type == BlockTypeForLoop {
			cfg, err := b.ForLoop()
			if err != nil {
				return err
			}
			if err := walkBlocks(cfg.Blocks, depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
