// ABOUTME: Output references in task arguments and their resolution.
// ABOUTME: "$taskID.field" strings read a field from the producing task's output.

package task

import (
	"fmt"
	"strings"
)

// Unavailable is the sentinel substituted for an output reference whose
// producer failed, when the consuming task is safe to fail. Tools that
// declare themselves safe to fail must tolerate receiving it.
const Unavailable = "__unavailable__"

// IsUnavailable reports whether a resolved argument value is the sentinel.
func IsUnavailable(v any) bool {
	s, ok := v.(string)
	return ok && s == Unavailable
}

// Ref parses an output reference of the form "$taskID.field". Strings
// without the dotted form are literals, so values like "$100" pass
// through untouched.
func Ref(v any) (taskID, field string, ok bool) {
	s, isStr := v.(string)
	if !isStr || len(s) < 2 || s[0] != '$' {
		return "", "", false
	}
	body := s[1:]
	i := strings.IndexByte(body, '.')
	if i <= 0 || i == len(body)-1 {
		return "", "", false
	}
	return body[:i], body[i+1:], true
}

// OutputLookup returns the output map of a finished producer task. The
// second return is false when the producer did not succeed (failed,
// skipped, or never ran).
type OutputLookup func(taskID string) (map[string]any, bool)

// ResolveArguments materializes args for dispatch. Literals pass through
// untouched; references are replaced by the producer's field value, or by
// the Unavailable sentinel when the producer's output is missing.
// Resolution recurses into nested maps and slices.
func ResolveArguments(args map[string]any, lookup OutputLookup) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		rv, err := resolveValue(v, lookup)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func resolveValue(v any, lookup OutputLookup) (any, error) {
	switch tv := v.(type) {
	case string:
		producer, field, ok := Ref(tv)
		if !ok {
			return tv, nil
		}
		output, found := lookup(producer)
		if !found {
			return Unavailable, nil
		}
		fv, has := output[field]
		if !has {
			return nil, fmt.Errorf("task %s produced no field %q", producer, field)
		}
		return fv, nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, nested := range tv {
			rv, err := resolveValue(nested, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, nested := range tv {
			rv, err := resolveValue(nested, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// References returns the IDs of all tasks referenced by args, in no
// particular order. The analyzer uses this alongside declared shapes.
func References(args map[string]any) []string {
	seen := make(map[string]struct{})
	collectRefs(args, seen)
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

func collectRefs(v any, seen map[string]struct{}) {
	switch tv := v.(type) {
	case string:
		if producer, _, ok := Ref(tv); ok {
			seen[producer] = struct{}{}
		}
	case map[string]any:
		for _, nested := range tv {
			collectRefs(nested, seen)
		}
	case []any:
		for _, nested := range tv {
			collectRefs(nested, seen)
		}
	}
}
