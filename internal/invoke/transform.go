// ABOUTME: In-process transform operations: pure reshaping of upstream outputs.
// ABOUTME: Transforms never have side effects and tolerate unavailable inputs.

package invoke

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Casys-AI/casys-pml-sub002/internal/catalog"
	"github.com/Casys-AI/casys-pml-sub002/internal/task"
)

// ErrUnknownTransform indicates a transform task names no known operation.
var ErrUnknownTransform = errors.New("unknown transform")

const (
	// TransformPickFields copies named fields out of a source object.
	// Arguments: source (object), fields (array of string).
	TransformPickFields = "pick_fields"
	// TransformMergeObjects merges every object-valued argument into one
	// output, keys from later argument names (sorted) winning.
	TransformMergeObjects = "merge_objects"
	// TransformRenameField renames one key of a source object.
	// Arguments: source (object), from (string), to (string).
	TransformRenameField = "rename_field"
	// TransformConst emits its arguments verbatim.
	TransformConst = "const"
)

func applyTransform(op string, args map[string]any) (map[string]any, error) {
	switch op {
	case TransformPickFields:
		return pickFields(args)
	case TransformMergeObjects:
		return mergeObjects(args)
	case TransformRenameField:
		return renameField(args)
	case TransformConst:
		out := make(map[string]any, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, op)
	}
}

// pickFields tolerates a missing or unavailable source by returning an
// empty object, matching the safe-to-fail contract.
func pickFields(args map[string]any) (map[string]any, error) {
	source, _ := args["source"].(map[string]any)
	fieldsArg, ok := args["fields"].([]any)
	if !ok {
		return nil, fmt.Errorf("pick_fields: fields must be an array")
	}

	out := make(map[string]any)
	for _, f := range fieldsArg {
		name, ok := f.(string)
		if !ok {
			return nil, fmt.Errorf("pick_fields: field names must be strings")
		}
		if v, has := source[name]; has {
			out[name] = v
		}
	}
	return out, nil
}

func mergeObjects(args map[string]any) (map[string]any, error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	// Deterministic merge order regardless of map iteration.
	sort.Strings(keys)

	out := make(map[string]any)
	for _, k := range keys {
		obj, ok := args[k].(map[string]any)
		if !ok {
			continue
		}
		for field, v := range obj {
			out[field] = v
		}
	}
	return out, nil
}

func renameField(args map[string]any) (map[string]any, error) {
	from, _ := args["from"].(string)
	to, _ := args["to"].(string)
	if from == "" || to == "" {
		return nil, fmt.Errorf("rename_field: from and to are required")
	}

	source, _ := args["source"].(map[string]any)
	out := make(map[string]any, len(source))
	for k, v := range source {
		if k == from {
			out[to] = v
			continue
		}
		out[k] = v
	}
	return out, nil
}

// BuiltinDescriptors returns catalog entries for the transform and noop
// operations so plans can reference them like any other tool.
func BuiltinDescriptors() []catalog.Descriptor {
	shapes := func(names ...string) []task.FieldShape {
		out := make([]task.FieldShape, len(names))
		for i, n := range names {
			out[i] = task.FieldShape{Name: n, Type: "any"}
		}
		return out
	}

	return []catalog.Descriptor{
		{
			Name:        TransformPickFields,
			Category:    "transform",
			Description: "Copy named fields out of a source object",
			Inputs:      shapes("source", "fields"),
		},
		{
			Name:        TransformMergeObjects,
			Category:    "transform",
			Description: "Merge object arguments into one object",
		},
		{
			Name:        TransformRenameField,
			Category:    "transform",
			Description: "Rename one key of a source object",
			Inputs:      shapes("source", "from", "to"),
		},
		{
			Name:        TransformConst,
			Category:    "transform",
			Description: "Emit literal arguments verbatim",
		},
	}
}
