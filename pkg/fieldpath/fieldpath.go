// Package fieldpath resolves dot-notation paths against nested maps and slices.
package fieldpath

import (
	"reflect"
	"strconv"
	"strings"
)

// Resolve walks data along path ("user.name", "items.0.sku").
// The second return value is false when any segment is missing.
func Resolve(data any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	current := data

	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil, false
		}

		next, ok := step(current, segment)
		if !ok {
			return nil, false
		}

		current = next
	}

	return current, true
}

func step(current any, segment string) (any, bool) {
	switch v := current.(type) {
	case map[string]any:
		next, ok := v[segment]

		return next, ok
	case []any:
		return index(len(v), segment, func(i int) any { return v[i] })
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(current)

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}

		value := rv.MapIndex(reflect.ValueOf(segment).Convert(rv.Type().Key()))
		if !value.IsValid() {
			return nil, false
		}

		return value.Interface(), true
	case reflect.Slice, reflect.Array:
		return index(rv.Len(), segment, func(i int) any { return rv.Index(i).Interface() })
	default:
		return nil, false
	}
}

func index(length int, segment string, at func(int) any) (any, bool) {
	i, err := strconv.Atoi(segment)
	if err != nil || i < 0 || i >= length {
		return nil, false
	}

	return at(i), true
}

// Set writes value at path, creating intermediate maps. Existing non-map values on the path are replaced.
func Set(data map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := data

	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}

		current = next
	}

	current[segments[len(segments)-1]] = value
}

// Project copies only the listed paths from data into a new nested map, keeping their shape.
// Missing paths are left out.
func Project(data map[string]any, paths []string) map[string]any {
	result := make(map[string]any, len(paths))

	for _, path := range paths {
		if value, ok := Resolve(data, path); ok {
			Set(result, path, value)
		}
	}

	return result
}
