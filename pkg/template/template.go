// Package template provides {{path}} variable interpolation for dynamic step configuration.
package template

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dukex/autoflow/pkg/fieldpath"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Interpolator substitutes {{path}} tokens using an execution context.
// Unresolved tokens become empty strings and are logged; interpolation never fails.
type Interpolator struct {
	logger *slog.Logger
}

// NewInterpolator creates an interpolator that reports unresolved tokens on logger.
func NewInterpolator(logger *slog.Logger) *Interpolator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Interpolator{
		logger: logger.With("module", "interpolator"),
	}
}

// Interpolate renders template against ctx. A template that is exactly one token
// returns the resolved value with its original type.
func (i *Interpolator) Interpolate(template string, ctx map[string]any) any {
	if path, ok := singleToken(template); ok {
		value, found := fieldpath.Resolve(ctx, path)
		if !found {
			i.unresolved(path)

			return ""
		}

		return value
	}

	if !strings.Contains(template, openDelim) {
		return template
	}

	var out strings.Builder
	out.Grow(len(template))

	rest := template

	for {
		start := strings.Index(rest, openDelim)
		if start == -1 {
			out.WriteString(rest)

			break
		}

		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end == -1 {
			out.WriteString(rest)

			break
		}

		end += start + len(openDelim)

		out.WriteString(rest[:start])

		path := strings.TrimSpace(rest[start+len(openDelim) : end])

		value, found := fieldpath.Resolve(ctx, path)
		if found {
			out.WriteString(format(value))
		} else {
			i.unresolved(path)
		}

		rest = rest[end+len(closeDelim):]
	}

	return out.String()
}

// InterpolateValue applies Interpolate to every string inside maps and slices.
func (i *Interpolator) InterpolateValue(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		return i.Interpolate(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = i.InterpolateValue(item, ctx)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for idx, item := range v {
			out[idx] = i.InterpolateValue(item, ctx)
		}

		return out
	case []string:
		out := make([]any, len(v))
		for idx, item := range v {
			out[idx] = i.Interpolate(item, ctx)
		}

		return out
	default:
		return value
	}
}

// InterpolateMap is InterpolateValue for step configs.
func (i *Interpolator) InterpolateMap(config map[string]any, ctx map[string]any) map[string]any {
	if config == nil {
		return nil
	}

	out, _ := i.InterpolateValue(config, ctx).(map[string]any)

	return out
}

func (i *Interpolator) unresolved(path string) {
	i.logger.Warn("Unresolved template token, substituting empty string", "path", path)
}

// Tokens lists the paths referenced by template, in order of appearance.
func Tokens(template string) []string {
	tokens := make([]string, 0)
	rest := template

	for {
		start := strings.Index(rest, openDelim)
		if start == -1 {
			return tokens
		}

		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end == -1 {
			return tokens
		}

		end += start + len(openDelim)
		tokens = append(tokens, strings.TrimSpace(rest[start+len(openDelim):end]))
		rest = rest[end+len(closeDelim):]
	}
}

// HasTokens reports whether s contains at least one complete token.
func HasTokens(s string) bool {
	return len(Tokens(s)) > 0
}

func singleToken(template string) (string, bool) {
	trimmed := strings.TrimSpace(template)
	if !strings.HasPrefix(trimmed, openDelim) || !strings.HasSuffix(trimmed, closeDelim) {
		return "", false
	}

	inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}

	return strings.TrimSpace(inner), true
}

func format(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return fmt.Sprint(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(encoded)
	}
}
