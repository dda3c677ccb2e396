package rules

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crashmill/common/format/crash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGzip(t *testing.T, data []byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "memory_report.json.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestOutOfMemoryBinaryRule(t *testing.T) {
	c := newCrash(nil)
	act(t, OutOfMemoryBinaryRule{}, c)
	assert.Empty(t, c.Processed)

	c.Dumps[MemoryReportDump] = writeGzip(t, []byte(`{"version": 1, "reports": []}`))
	act(t, OutOfMemoryBinaryRule{}, c)
	assert.Equal(t, map[string]any{"version": float64(1), "reports": []any{}}, c.Processed["memory_report"])
	assert.Empty(t, c.Status.Notes())
}

func TestOutOfMemoryBinaryRuleErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0644))
	c := newCrash(nil)
	c.Dumps[MemoryReportDump] = path
	act(t, OutOfMemoryBinaryRule{}, c)
	require.Len(t, c.Status.Notes(), 1)
	assert.True(t, strings.HasPrefix(c.Status.Notes()[0], "error in gzip for "+path))
	assert.Equal(t, c.Status.Notes()[0], c.Processed["memory_report_error"])
	assert.NotContains(t, c.Processed, "memory_report")

	path = writeGzip(t, []byte("{not json"))
	c = newCrash(nil)
	c.Dumps[MemoryReportDump] = path
	act(t, OutOfMemoryBinaryRule{}, c)
	require.Len(t, c.Status.Notes(), 1)
	assert.True(t, strings.HasPrefix(c.Status.Notes()[0], "error in json for "+path))

	c = newCrash(nil)
	c.Dumps[MemoryReportDump] = writeGzip(t, bytes.Repeat([]byte(" "), MaxMemoryReportSize+10))
	act(t, OutOfMemoryBinaryRule{}, c)
	assert.Equal(t, []string{"Uncompressed memory info too large 20971521 (max: 20971520)"}, c.Status.Notes())
}

func report(process, path string, kind, units, amount int) map[string]any {
	return map[string]any{
		"process":     process,
		"path":        path,
		"kind":        float64(kind),
		"units":       float64(units),
		"amount":      float64(amount),
		"description": "",
	}
}

func TestMemoryReportExtraction(t *testing.T) {
	const proc = "Main Process (pid 11620)"
	c := newCrash(nil)
	c.Processed["json_dump"] = map[string]any{"pid": float64(11620)}
	c.Processed["memory_report"] = map[string]any{"reports": []any{
		report(proc, "explicit/heap-unclassified", 1, 0, 100),
		report(proc, "explicit/images/content/raster", 1, 0, 50),
		report(proc, "explicit/js/gc-heap", 0, 0, 200),
		report(proc, "explicit/window-objects/top(none)/detached/window(x)/dom", 1, 0, 7),
		report(proc, "heap-allocated", 2, 0, 1000),
		report(proc, "heap-overhead", 2, 0, 30),
		report(proc, "resident", 2, 0, 5000),
		report(proc, "resident-unique", 2, 0, 4000),
		report(proc, "vsize", 2, 0, 9000),
		report(proc, "ghost-windows", 2, 1, 3),
		report(proc, "js-main-runtime/gc-heap/used", 2, 0, 11),
		report("Web Content (pid 300)", "resident", 2, 0, 123456),
	}}
	act(t, MemoryReportExtraction{}, c)

	assert.Empty(t, c.Status.Notes())
	assert.Equal(t, map[string]any{
		"explicit":              int64(1200),
		"gfx_textures":          int64(0),
		"ghost_windows":         int64(3),
		"heap_allocated":        int64(1000),
		"heap_overhead":         int64(30),
		"heap_unclassified":     int64(843),
		"host_object_urls":      int64(0),
		"images":                int64(50),
		"js_main_runtime":       int64(11),
		"private":               int64(0),
		"resident":              int64(5000),
		"resident_unique":       int64(4000),
		"system_heap_allocated": int64(0),
		"top_none_detached":     int64(7),
		"vsize":                 int64(9000),
		"vsize_max_contiguous":  int64(0),
	}, c.Processed["memory_measures"])
}

func TestMemoryReportExtractionErrors(t *testing.T) {
	tests := []struct {
		name    string
		reports []any
		want    string
	}{
		{
			name:    "no matching pid",
			reports: []any{report("Web Content (pid 300)", "resident", 2, 0, 1)},
			want:    "Trouble extracting measures from memory_report: no measurements found for pid 11620",
		},
		{
			name:    "bad units",
			reports: []any{report("Main (pid 11620)", "explicit/foo", 1, 1, 1)},
			want:    "Trouble extracting measures from memory_report: bad units for an explicit/ report: explicit/foo, 1",
		},
		{
			name:    "bad kind",
			reports: []any{report("Main (pid 11620)", "explicit/foo", 2, 0, 1)},
			want:    "Trouble extracting measures from memory_report: bad kind for an explicit/ report: explicit/foo, 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCrash(nil)
			c.Processed["json_dump"] = map[string]any{"pid": float64(11620)}
			c.Processed["memory_report"] = map[string]any{"reports": tt.reports}
			act(t, MemoryReportExtraction{}, c)
			assert.Equal(t, []string{tt.want}, c.Status.Notes())
			assert.NotContains(t, c.Processed, "memory_measures")
		})
	}
}

func TestMemoryReportExtractionPredicate(t *testing.T) {
	c := newCrash(nil)
	assert.False(t, MemoryReportExtraction{}.Predicate(c))

	c.Processed["json_dump"] = map[string]any{"pid": float64(1)}
	assert.False(t, MemoryReportExtraction{}.Predicate(c))

	c.Processed["memory_report"] = crash.Document{"reports": []any{}}
	assert.True(t, MemoryReportExtraction{}.Predicate(c))
}
