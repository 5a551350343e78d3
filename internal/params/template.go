package params

import (
	"encoding/json"
	"strings"

	"github.com/halcyard/runloom/internal/secrets"
	"github.com/halcyard/runloom/pkg/schema"
)

// Interpolate resolves {{ key }} references in a block field (URL, prompt,
// navigation goal) against the scope. Secret handles interpolate as their
// token, never as material. Unknown keys are an error: a typo in a template
// should not silently produce a literal "{{...}}" in a prompt.
func Interpolate(input string, scope *Scope) (string, error) {
	if !strings.Contains(input, "{{") {
		return input, nil
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed {{ reference")
		}
		end += start

		key := strings.TrimSpace(input[start:end])
		if key == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty {{ }} reference")
		}
		if strings.Contains(key, "{{") {
			return "", schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: {{...}} cannot contain {{")
		}

		value, ok := scope.Lookup(key)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeMissingParameter,
				"template references unknown parameter %q", key)
		}

		result.WriteString(stringify(value))
		i = end + 2
	}

	return result.String(), nil
}

// stringify renders a scope value for embedding into a text field.
// Strings embed verbatim; everything else embeds as compact JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case *secrets.Handle:
		return val.Token
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
