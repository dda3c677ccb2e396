package rules

import (
	"testing"

	"crashmill/common/format/crash"
	"crashmill/processor/pipeline"
	"crashmill/processor/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCrash(raw crash.Document) *pipeline.Crash {
	if raw == nil {
		raw = crash.Document{}
	}
	return &pipeline.Crash{
		Raw:       raw,
		Dumps:     map[string]string{},
		Processed: crash.Document{},
		Status:    status.New(),
	}
}

func act(t *testing.T, r pipeline.Rule, c *pipeline.Crash) {
	t.Helper()
	require.NoError(t, pipeline.Act(r, c))
}

func TestDeNullRule(t *testing.T) {
	c := newCrash(crash.Document{
		"key\u0000":   "val\u0000ue",
		"nested":      map[string]any{"a\u0000": "b\u0000"},
		"list":        []any{"x\u0000", int64(1)},
		"number":      int64(5),
		"clean":       "clean",
		"Nul\u0000l!": "\u0000",
	})
	act(t, DeNullRule{}, c)

	assert.Equal(t, crash.Document{
		"key":    "value",
		"nested": map[string]any{"a": "b"},
		"list":   []any{"x", int64(1)},
		"number": int64(5),
		"clean":  "clean",
		"Null!":  "",
	}, c.Raw)
}

func TestDeNoneRule(t *testing.T) {
	c := newCrash(crash.Document{"a": nil, "b": "", "c": "c"})
	act(t, DeNoneRule{}, c)
	assert.Equal(t, crash.Document{"b": "", "c": "c"}, c.Raw)
}

func TestIdentifierRule(t *testing.T) {
	c := newCrash(crash.Document{"uuid": "00000000-0000-0000-0000-000002140504"})
	act(t, IdentifierRule{}, c)
	assert.Equal(t, "00000000-0000-0000-0000-000002140504", c.Processed["crash_id"])
	assert.Equal(t, "00000000-0000-0000-0000-000002140504", c.Processed["uuid"])

	c = newCrash(nil)
	act(t, IdentifierRule{}, c)
	assert.Empty(t, c.Processed)
}

func TestCPUInfoRule(t *testing.T) {
	tests := []struct {
		name      string
		raw       crash.Document
		jsonDump  map[string]any
		wantInfo  string
		wantCount int64
		wantArch  string
	}{
		{
			name: "from json dump",
			jsonDump: map[string]any{"system_info": map[string]any{
				"cpu_info":  "GenuineIntel family 6 model 42 stepping 7",
				"cpu_count": float64(4),
				"cpu_arch":  "x86",
			}},
			wantInfo:  "GenuineIntel family 6 model 42 stepping 7",
			wantCount: 4,
			wantArch:  "x86",
		},
		{
			name:      "nothing",
			wantInfo:  "unknown",
			wantCount: 0,
			wantArch:  "unknown",
		},
		{
			name:      "android abi",
			raw:       crash.Document{"Android_CPU_ABI": "arm64-v8a"},
			wantInfo:  "unknown",
			wantCount: 0,
			wantArch:  "arm64",
		},
		{
			name:     "unmapped android abi",
			raw:      crash.Document{"Android_CPU_ABI": "mips"},
			wantInfo: "unknown",
			wantArch: "mips",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCrash(tt.raw)
			if tt.jsonDump != nil {
				c.Processed["json_dump"] = tt.jsonDump
			}
			act(t, CPUInfoRule{}, c)
			assert.Equal(t, tt.wantInfo, c.Processed["cpu_info"])
			assert.Equal(t, tt.wantCount, c.Processed["cpu_count"])
			assert.Equal(t, tt.wantArch, c.Processed["cpu_arch"])
		})
	}
}

func TestOSInfoRule(t *testing.T) {
	c := newCrash(nil)
	c.Processed["json_dump"] = map[string]any{"system_info": map[string]any{
		"os":     "Windows NT",
		"os_ver": "10.0.19041",
	}}
	act(t, OSInfoRule{}, c)
	assert.Equal(t, "Windows NT", c.Processed["os_name"])
	assert.Equal(t, "10.0.19041", c.Processed["os_version"])

	c = newCrash(nil)
	act(t, OSInfoRule{}, c)
	assert.Equal(t, "Unknown", c.Processed["os_name"])
	assert.Equal(t, "", c.Processed["os_version"])
}
