package schema

import (
	"fmt"
	"strings"

	"crashmill/common/format/crash"
)

const definitionsPrefix = "#/definitions/"

// ResolveReferences replaces every $ref node with a copy of the referenced
// definition overlaid with the referring node's own keys. The top level
// definitions section is dropped. Resolving a resolved schema is a no-op.
func ResolveReferences(s Schema) (Schema, error) {
	defs, _ := s["definitions"].(map[string]any)

	root := make(map[string]any, len(s))
	for k, v := range s {
		if k == "definitions" {
			continue
		}
		root[k] = v
	}

	res, err := resolveNode(root, defs, nil)
	if err != nil {
		return nil, err
	}
	return Schema(res), nil
}

func resolveNode(node map[string]any, defs map[string]any, stack []string) (map[string]any, error) {
	if ref, ok := node["$ref"]; ok {
		refStr, ok := ref.(string)
		if !ok || !strings.HasPrefix(refStr, definitionsPrefix) {
			return nil, &InvalidSchemaError{Msg: fmt.Sprintf("unsupported $ref %v", ref)}
		}
		name := strings.TrimPrefix(refStr, definitionsPrefix)
		for _, seen := range stack {
			if seen == name {
				return nil, &InvalidSchemaError{
					Msg: fmt.Sprintf("cyclic $ref: %s -> %s", strings.Join(stack, " -> "), name),
				}
			}
		}
		def, ok := defs[name].(map[string]any)
		if !ok {
			return nil, &InvalidSchemaError{Msg: fmt.Sprintf("unknown $ref %s", refStr)}
		}

		merged := crash.DeepCopy(def).(map[string]any)
		for k, v := range node {
			if k == "$ref" {
				continue
			}
			merged[k] = v
		}
		next := append(append([]string(nil), stack...), name)
		return resolveNode(merged, defs, next)
	}

	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}

	for _, key := range []string{"properties", "pattern_properties"} {
		children, ok := node[key].(map[string]any)
		if !ok {
			continue
		}
		resolved := make(map[string]any, len(children))
		for name, child := range children {
			childNode, ok := child.(map[string]any)
			if !ok {
				resolved[name] = child
				continue
			}
			r, err := resolveNode(childNode, defs, stack)
			if err != nil {
				return nil, err
			}
			resolved[name] = r
		}
		out[key] = resolved
	}

	switch items := node["items"].(type) {
	case map[string]any:
		r, err := resolveNode(items, defs, stack)
		if err != nil {
			return nil, err
		}
		out["items"] = r
	case []any:
		list := make([]any, len(items))
		for i, item := range items {
			itemNode, ok := item.(map[string]any)
			if !ok {
				list[i] = item
				continue
			}
			r, err := resolveNode(itemNode, defs, stack)
			if err != nil {
				return nil, err
			}
			list[i] = r
		}
		out["items"] = list
	}

	return out, nil
}
