package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containsRef(v any) bool {
	switch node := v.(type) {
	case map[string]any:
		if _, ok := node["$ref"]; ok {
			return true
		}
		for _, child := range node {
			if containsRef(child) {
				return true
			}
		}
	case []any:
		for _, child := range node {
			if containsRef(child) {
				return true
			}
		}
	}
	return false
}

func TestLoadDefault(t *testing.T) {
	s, err := Default().Load(ProcessedCrash)
	require.NoError(t, err)
	assert.Equal(t, "object", s["type"])
	assert.Contains(t, s, "definitions")
}

func TestLoadMissing(t *testing.T) {
	_, err := Default().Load("nope")
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "nope", le.Name)
}

func TestLoadFromDirJson(t *testing.T) {
	dir := t.TempDir()
	doc := `{"type": "object", "properties": {"a": {"type": "string"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.json"), []byte(doc), 0o644))

	s, err := Dir(dir).Load("small")
	require.NoError(t, err)
	node, ok := s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "string", node["type"])
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("a: [1, 2"), 0o644))
	_, err := Dir(dir).Load("bad")
	var le *LoadError
	assert.True(t, errors.As(err, &le))
}

func TestResolveDefaultSchema(t *testing.T) {
	s, err := Default().LoadResolved(ProcessedCrash)
	require.NoError(t, err)

	assert.NotContains(t, s, "definitions")
	assert.False(t, containsRef(map[string]any(s)))

	frames, ok := s.Lookup("json_dump", "crashing_thread", "frames")
	require.True(t, ok)
	items := frames["items"].(map[string]any)
	assert.Contains(t, items["properties"], "function")

	jd, ok := s.Lookup("json_dump")
	require.True(t, ok)
	assert.Equal(t, []any{"protected"}, jd["permissions"])
}

func TestResolveIdempotent(t *testing.T) {
	s, err := Default().Load(ProcessedCrash)
	require.NoError(t, err)

	once, err := ResolveReferences(s)
	require.NoError(t, err)
	twice, err := ResolveReferences(once)
	require.NoError(t, err)

	if diff := cmp.Diff(map[string]any(once), map[string]any(twice)); diff != "" {
		t.Errorf("second resolve changed the schema (-once +twice):\n%s", diff)
	}
}

func TestResolveOverlay(t *testing.T) {
	s := Schema{
		"definitions": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"permissions": []any{"public"},
				"description": "a name",
			},
		},
		"type": "object",
		"properties": map[string]any{
			"first": map[string]any{"$ref": "#/definitions/name"},
			"secret": map[string]any{
				"$ref":        "#/definitions/name",
				"permissions": []any{"protected"},
			},
		},
	}
	res, err := ResolveReferences(s)
	require.NoError(t, err)

	first, _ := res.Lookup("first")
	secret, _ := res.Lookup("secret")
	assert.Equal(t, []any{"public"}, first["permissions"])
	assert.Equal(t, []any{"protected"}, secret["permissions"])
	assert.Equal(t, "a name", secret["description"])

	// the definition itself is untouched
	def := s["definitions"].(map[string]any)["name"].(map[string]any)
	assert.Equal(t, []any{"public"}, def["permissions"])
}

func TestResolveCycle(t *testing.T) {
	s := Schema{
		"definitions": map[string]any{
			"a": map[string]any{
				"type":       "object",
				"properties": map[string]any{"b": map[string]any{"$ref": "#/definitions/b"}},
			},
			"b": map[string]any{
				"type":  "array",
				"items": map[string]any{"$ref": "#/definitions/a"},
			},
		},
		"type":       "object",
		"properties": map[string]any{"root": map[string]any{"$ref": "#/definitions/a"}},
	}
	_, err := ResolveReferences(s)
	var ise *InvalidSchemaError
	require.True(t, errors.As(err, &ise))
	assert.Contains(t, ise.Error(), "cyclic")
}

func TestResolveUnknownRef(t *testing.T) {
	s := Schema{"properties": map[string]any{"x": map[string]any{"$ref": "#/definitions/missing"}}}
	_, err := ResolveReferences(s)
	var ise *InvalidSchemaError
	assert.True(t, errors.As(err, &ise))
}

func TestTransformPaths(t *testing.T) {
	s := Schema{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"m": map[string]any{
				"type": "object",
				"pattern_properties": map[string]any{
					"^x": map[string]any{"type": "integer"},
				},
			},
		},
	}
	var paths []string
	_, err := Transform(s, func(path string, node map[string]any) error {
		paths = append(paths, path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"", ".a", ".a.[]", ".m", ".m.(re:^x)"}, paths)
}

func TestTransformDropsEmptyParents(t *testing.T) {
	s := Schema{
		"type": "object",
		"properties": map[string]any{
			"open": map[string]any{"type": "string", "permissions": []any{"public"}},
			"closed": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"x": map[string]any{"type": "string", "permissions": []any{"protected"}},
				},
			},
			"list": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "permissions": []any{"protected"}},
			},
		},
	}
	res, err := Transform(s, PermissionsFilter("public"))
	require.NoError(t, err)
	props := res["properties"].(map[string]any)
	assert.Contains(t, props, "open")
	assert.NotContains(t, props, "closed")
	assert.NotContains(t, props, "list")

	// the input is left alone
	assert.Contains(t, s["properties"].(map[string]any), "closed")
}

func TestTransformError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Transform(Schema{"type": "string"}, func(string, map[string]any) error { return boom })
	assert.Equal(t, boom, err)
}

func TestPublicProjectionOfDefaultSchema(t *testing.T) {
	s, err := Default().LoadResolved(ProcessedCrash)
	require.NoError(t, err)

	public, err := Transform(s, PermissionsFilter("public"))
	require.NoError(t, err)
	props := public["properties"].(map[string]any)
	assert.Contains(t, props, "signature")
	assert.NotContains(t, props, "json_dump")
	assert.NotContains(t, props, "user_comments")
}

func TestFlattenKeys(t *testing.T) {
	s, err := Default().LoadResolved(ProcessedCrash)
	require.NoError(t, err)

	keys := FlattenKeys(s)
	assert.Contains(t, keys, "signature")
	assert.Contains(t, keys, "json_dump.crashing_thread.frames.[].function")
	for _, k := range keys {
		assert.False(t, strings.HasPrefix(k, "."), k)
	}
}

func TestValidateInstance(t *testing.T) {
	s, err := Default().LoadResolved(ProcessedCrash)
	require.NoError(t, err)

	good := map[string]any{
		"signature": "OOM | small",
		"uptime":    20116,
		"json_dump": map[string]any{
			"crashing_thread": map[string]any{
				"frames": []any{map[string]any{"frame": 0, "function": "f"}},
			},
		},
	}
	assert.NoError(t, ValidateInstance(good, s))

	bad := map[string]any{"uptime": "soon"}
	var ide *InvalidDocumentError
	assert.True(t, errors.As(ValidateInstance(bad, s), &ide))

	v, err := NewValidator(s)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.NoError(t, v.Validate(good))
		assert.True(t, errors.As(v.Validate(bad), &ide))
	}
}
