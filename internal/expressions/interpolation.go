package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

// Interpolator resolves ${{...}} references in step params against a Scope.
// It is the engine's parameter resolver: literals pass through unchanged,
// references are looked up in the execution context, and any miss is a hard
// PARAM_RESOLUTION_ERROR — the handler is never invoked on a bad reference.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve scans raw JSON params for ${{...}} tokens and replaces each with
// the referenced value from the scope. A string literal that is exactly one
// token (`"${{...}}"`) is replaced with the full JSON encoding of the value,
// quotes included, so maps, sequences, and numbers pass through typed. A
// token spliced among other characters in a string literal contributes the
// value's text with JSON escaping, so quotes, backslashes, and control
// characters in referenced values survive intact. Returns the resolved JSON
// bytes.
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	inString := false
	escaped := false
	i := 0
	for i < len(input) {
		c := input[i]

		if inString && escaped {
			escaped = false
			result.WriteByte(c)
			i++
			continue
		}
		if inString && c == '\\' {
			escaped = true
			result.WriteByte(c)
			i++
			continue
		}

		// Whole-literal token: the entire string value is one reference, so
		// the resolved value replaces it quotes and all, keeping its type.
		if c == '"' && !inString && strings.HasPrefix(input[i+1:], "${{") {
			rest := input[i+1:]
			if end := strings.Index(rest, "}}"); end != -1 && end+2 < len(rest) && rest[end+2] == '"' {
				val, err := interp.resolveToken(rest[3:end], scope)
				if err != nil {
					return nil, err
				}
				result.WriteString(marshalInline(val))
				i += 1 + end + 2 + 1 // opening quote, token, closing quote
				continue
			}
		}

		if strings.HasPrefix(input[i:], "${{") {
			start := i + 3 // skip "${{"

			end := strings.Index(input[start:], "}}")
			if end == -1 {
				return nil, schema.NewError(schema.ErrCodeParamResolution, "unclosed ${{ expression")
			}
			end += start

			val, err := interp.resolveToken(input[start:end], scope)
			if err != nil {
				return nil, err
			}

			if inString {
				result.WriteString(escapeInline(val))
			} else {
				result.WriteString(marshalInline(val))
			}
			i = end + 2 // skip "}}"
			continue
		}

		if c == '"' {
			inString = !inString
		}
		result.WriteByte(c)
		i++
	}

	return json.RawMessage(result.String()), nil
}

// resolveToken validates and resolves the raw text between ${{ and }}.
func (interp *Interpolator) resolveToken(rawExpr string, scope *Scope) (any, error) {
	expr := strings.TrimSpace(rawExpr)

	// Reject recursive interpolation: no nested ${{ inside the expression.
	if strings.Contains(expr, "${{") {
		return nil, schema.NewError(schema.ErrCodeParamResolution,
			"nested interpolation not allowed: ${{...}} cannot contain ${{")
	}

	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeParamResolution, "empty reference: ${{  }}")
	}

	return interp.resolveExpr(expr, scope)
}

// resolveExpr resolves a single reference path like "steps.fetch.output.url".
func (interp *Interpolator) resolveExpr(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "steps":
		return interp.resolveSteps(expr, scope)
	case "input":
		return interp.resolveNamespace(scope.Input, expr, "input")
	case "run":
		return interp.resolveNamespace(scope.Run, expr, "run")
	default:
		available := []string{"steps", "input", "run"}
		return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps resolves steps.<id>.output[.<field>...] references.
func (interp *Interpolator) resolveSteps(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, id, output, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
			"invalid step reference %q: expected steps.<id>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepID := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
			"invalid step reference %q: only 'output' is addressable (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	if scope.Steps == nil {
		return nil, interp.missingStepErr(expr, stepID, scope)
	}

	output, ok := scope.Steps[stepID]
	if !ok {
		return nil, interp.missingStepErr(expr, stepID, scope)
	}

	// steps.<id>.output — return the whole output.
	if len(parts) == 3 {
		return output, nil
	}

	return interp.traversePath(output, parts[3], expr)
}

// resolveNamespace resolves input.<name> and run.<field> references.
func (interp *Interpolator) resolveNamespace(data map[string]any, expr, namespace string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
			"invalid reference %q: expected %s.<name>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]

	// Try direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return interp.traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps and sequences using a
// dot-delimited path. Numeric segments index into sequences.
func (interp *Interpolator) traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		case []any:
			n, err := strconv.Atoi(seg)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
					"segment %q in %q is not a valid sequence index", seg, expr).
					WithDetails(map[string]any{"expression": expr})
			}
			if n < 0 || n >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
					"index %d out of range in %q (length %d)", n, expr, len(v)).
					WithDetails(map[string]any{"expression": expr})
			}
			current = v[n]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeParamResolution,
				"cannot traverse into non-container at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// missingStepErr builds an error for missing step references with the
// available steps listed. A referenced step that failed or was skipped never
// writes an output, so it surfaces here identically to an absent step.
func (interp *Interpolator) missingStepErr(expr, id string, scope *Scope) *schema.LoomError {
	available := mapKeys(scope.Steps)
	return schema.NewErrorf(schema.ErrCodeParamResolution,
		"step %q has no recorded output in ${{%s}}; available steps: [%s]", id, expr, strings.Join(available, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_steps": available})
}

// marshalInline converts a resolved value into its full JSON encoding, for
// tokens sitting outside any string literal (whole-value substitution).
func marshalInline(val any) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// escapeInline converts a resolved value into JSON-escaped string content,
// for tokens spliced into a string literal. Strings contribute their text
// (escaped), scalars their JSON form, containers their JSON encoding.
func escapeInline(val any) string {
	var text string
	switch v := val.(type) {
	case string:
		text = v
	case nil:
		text = "null"
	default:
		text = marshalInline(val)
	}

	b, err := json.Marshal(text)
	if err != nil {
		return text
	}
	// Strip the surrounding quotes; the literal already has its own.
	return string(b[1 : len(b)-1])
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// ExtractStepRefs finds all step IDs referenced via ${{steps.<id>...}} in a
// raw params blob. Used by validation to check reference ordering.
func ExtractStepRefs(raw json.RawMessage) map[string]bool {
	s := string(raw)
	refs := make(map[string]bool)
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		expr := strings.TrimSpace(rest[:closeIdx])
		if after, ok := strings.CutPrefix(expr, "steps."); ok {
			stepID := after
			if dot := strings.IndexByte(stepID, '.'); dot != -1 {
				stepID = stepID[:dot]
			}
			if stepID != "" {
				refs[stepID] = true
			}
		}
		s = rest[closeIdx+2:]
	}
	return refs
}
