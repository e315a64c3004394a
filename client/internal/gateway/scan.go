package gateway

import (
	"reflect"
	"sort"
	"strings"
)

// tricodeKey marks a server-side business error embedded anywhere in a
// response body, regardless of the top-level ok flag.
const tricodeKey = "throwMessageTricode"

type visitKey struct {
	slice bool
	ptr   uintptr
	n     int
}

// findTricode walks a decoded JSON value with an explicit worklist and returns
// the first non-empty cleaned tricode message. Containers are visited at most
// once by identity, so self-referencing values terminate.
func findTricode(root any) string {
	seen := make(map[visitKey]bool)
	stack := []any{root}

	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch node := v.(type) {
		case map[string]any:
			if node == nil {
				continue
			}
			key := visitKey{ptr: reflect.ValueOf(node).Pointer()}
			if seen[key] {
				continue
			}
			seen[key] = true

			if s, ok := node[tricodeKey].(string); ok {
				if msg := cleanErrorMessage(s); msg != "" {
					return msg
				}
			}

			keys := make([]string, 0, len(node))
			for k := range node {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i := len(keys) - 1; i >= 0; i-- {
				stack = pushContainer(stack, node[keys[i]])
			}

		case []any:
			if len(node) == 0 {
				continue
			}
			key := visitKey{slice: true, ptr: reflect.ValueOf(node).Pointer(), n: len(node)}
			if seen[key] {
				continue
			}
			seen[key] = true

			for i := len(node) - 1; i >= 0; i-- {
				stack = pushContainer(stack, node[i])
			}
		}
	}
	return ""
}

func pushContainer(stack []any, v any) []any {
	switch v.(type) {
	case map[string]any, []any:
		return append(stack, v)
	}
	return stack
}

// cleanErrorMessage trims s and strips one leading "Error:" prefix
// (any case).
func cleanErrorMessage(s string) string {
	s = strings.TrimSpace(s)
	const prefix = "error:"
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		s = s[len(prefix):]
	}
	return strings.TrimSpace(s)
}
