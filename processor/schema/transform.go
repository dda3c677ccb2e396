package schema

import (
	"errors"
	"sort"
	"strings"
)

// Drop is returned by a VisitFunc to remove the visited node. It is never
// returned by Transform.
var Drop = errors.New("drop schema node")

// VisitFunc sees every node pre-order. The node is a private copy and may
// be changed in place. Root has the empty path, children are ".name",
// array items ".[]" and pattern properties ".(re:<pattern>)".
type VisitFunc func(path string, node map[string]any) error

// Transform rebuilds a schema through visit. A node whose children were all
// dropped is dropped too. A dropped root yields an empty schema.
func Transform(s Schema, visit VisitFunc) (Schema, error) {
	res, err := transformNode("", map[string]any(s), visit)
	if err == Drop {
		return Schema{}, nil
	}
	if err != nil {
		return nil, err
	}
	return Schema(res), nil
}

func transformNode(path string, node map[string]any, visit VisitFunc) (map[string]any, error) {
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = v
	}
	if err := visit(path, out); err != nil {
		return nil, err
	}

	hadChildren := false
	keptChildren := false

	for _, key := range []string{"properties", "pattern_properties"} {
		children, ok := out[key].(map[string]any)
		if !ok {
			continue
		}
		kept := make(map[string]any, len(children))
		for _, name := range sortedKeys(children) {
			child, ok := children[name].(map[string]any)
			if !ok {
				kept[name] = children[name]
				continue
			}
			hadChildren = true
			childPath := joinPath(path, name)
			if key == "pattern_properties" {
				childPath = joinPath(path, "(re:"+name+")")
			}
			r, err := transformNode(childPath, child, visit)
			if err == Drop {
				continue
			}
			if err != nil {
				return nil, err
			}
			keptChildren = true
			kept[name] = r
		}
		out[key] = kept
	}

	if items, ok := out["items"].(map[string]any); ok {
		hadChildren = true
		r, err := transformNode(joinPath(path, "[]"), items, visit)
		if err == Drop {
			delete(out, "items")
		} else if err != nil {
			return nil, err
		} else {
			keptChildren = true
			out["items"] = r
		}
	}

	if hadChildren && !keptChildren {
		return nil, Drop
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PermissionsFilter drops nodes that need a permission not in have. Nodes
// without permissions are kept.
func PermissionsFilter(have ...string) VisitFunc {
	allowed := make(map[string]bool, len(have))
	for _, p := range have {
		allowed[p] = true
	}
	return func(path string, node map[string]any) error {
		perms, _ := node["permissions"].([]any)
		for _, p := range perms {
			s, _ := p.(string)
			if !allowed[s] {
				return Drop
			}
		}
		return nil
	}
}

// FlattenKeys lists the paths of every leaf node, without the leading dot,
// in sorted order.
func FlattenKeys(s Schema) []string {
	var keys []string
	_, _ = Transform(s, func(path string, node map[string]any) error {
		if path == "" {
			return nil
		}
		_, hasProps := node["properties"].(map[string]any)
		_, hasPatterns := node["pattern_properties"].(map[string]any)
		_, hasItems := node["items"].(map[string]any)
		if !hasProps && !hasPatterns && !hasItems {
			keys = append(keys, strings.TrimPrefix(path, "."))
		}
		return nil
	})
	sort.Strings(keys)
	return keys
}
