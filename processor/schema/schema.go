// Package schema loads processed crash schemas and walks documents with them
package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var embedded embed.FS

const ProcessedCrash = "processed_crash"

// Schema is a schema node. Nested nodes are plain map[string]any values.
type Schema map[string]any

type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("can't load schema %s: %s", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type InvalidSchemaError struct {
	Msg string
}

func (e *InvalidSchemaError) Error() string {
	return "invalid schema: " + e.Msg
}

type InvalidDocumentError struct {
	Path string
	Msg  string
}

func (e *InvalidDocumentError) Error() string {
	return fmt.Sprintf("invalid: %s: %s", e.Path, e.Msg)
}

// Registry finds schema documents by name in a file system.
type Registry struct {
	fsys fs.FS
}

func NewRegistry(fsys fs.FS) *Registry {
	return &Registry{fsys: fsys}
}

// Default serves the schemas compiled into the binary.
func Default() *Registry {
	sub, err := fs.Sub(embedded, "schemas")
	if err != nil {
		panic(err)
	}
	return NewRegistry(sub)
}

// Dir serves schemas from a directory, falling back to the built in ones
// when dir is empty.
func Dir(dir string) *Registry {
	if dir == "" {
		return Default()
	}
	return NewRegistry(os.DirFS(dir))
}

// Load reads name.yaml, name.yml or name.json. JSON documents are valid
// YAML so one parser serves all three.
func (r *Registry) Load(name string) (Schema, error) {
	var lastErr error = fs.ErrNotExist
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		data, err := fs.ReadFile(r.fsys, path.Clean(name+ext))
		if err != nil {
			continue
		}
		s, err := Parse(data)
		if err != nil {
			lastErr = err
			break
		}
		return s, nil
	}
	return nil, &LoadError{Name: name, Err: lastErr}
}

// LoadResolved loads a schema and resolves its references.
func (r *Registry) LoadResolved(name string) (Schema, error) {
	s, err := r.Load(name)
	if err != nil {
		return nil, err
	}
	return ResolveReferences(s)
}

func Parse(data []byte) (Schema, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	m, ok := normalize(doc).(map[string]any)
	if !ok {
		return nil, &InvalidSchemaError{Msg: "document is not an object"}
	}
	return Schema(m), nil
}

// normalize converts YAML specific map types to map[string]any.
func normalize(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, val := range node {
			node[k] = normalize(val)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range node {
			node[i] = normalize(val)
		}
		return node
	}
	return v
}

// Types returns the declared types of a node.
func Types(node map[string]any) []string {
	switch t := node["type"].(type) {
	case string:
		return []string{t}
	case []any:
		var res []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return t
	}
	return nil
}

// Lookup returns the node at a dotted path, for example "json_dump.pid".
func (s Schema) Lookup(keys ...string) (map[string]any, bool) {
	node := map[string]any(s)
	for _, k := range keys {
		props, ok := node["properties"].(map[string]any)
		if !ok {
			return nil, false
		}
		child, ok := props[k].(map[string]any)
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

func joinPath(parent, name string) string {
	return parent + "." + name
}
