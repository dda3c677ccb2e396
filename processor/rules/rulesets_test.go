package rules

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"crashmill/common/format/crash"
	"crashmill/processor/metrics"
	"crashmill/processor/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stackwalkOutput(t *testing.T) string {
	out, err := json.Marshal(map[string]any{
		"status": "OK",
		"pid":    1234,
		"crash_info": map[string]any{
			"crashing_thread": 0,
			"address":         "0x0",
			"type":            "EXCEPTION_ACCESS_VIOLATION_READ",
		},
		"crashing_thread": map[string]any{"thread_name": "Main"},
		"system_info": map[string]any{
			"os":        "Windows NT",
			"os_ver":    "10.0.19041",
			"cpu_arch":  "amd64",
			"cpu_count": 8,
			"cpu_info":  "family 6 model 158 stepping 10",
		},
		"modules": []any{
			map[string]any{"filename": "xul.dll", "debug_id": "AB12"},
		},
		"threads": []any{
			map[string]any{"frames": []any{
				map[string]any{"frame": 0, "module": "xul.dll", "function": "mozilla::dom::Crash()", "file": "dom/Crash.cpp", "line": 10},
				map[string]any{"frame": 1, "module": "xul.dll", "function": "mozilla::Run()"},
			}},
		},
	})
	require.NoError(t, err)
	return string(out)
}

func TestNewRulesets(t *testing.T) {
	dir := t.TempDir()
	commander := &fakeCommander{version: "0.15", results: []commandResult{{stdout: stackwalkOutput(t)}}}
	sink := metrics.NewRecorder()

	rulesets, err := NewRulesets(Config{
		Stackwalk: StackwalkConfig{
			CommandPath:     "minidump-stackwalk",
			SymbolCachePath: filepath.Join(dir, "cache"),
			SymbolTmpPath:   filepath.Join(dir, "tmp"),
		},
		Commander:        commander,
		VersionStringApi: "http://localhost:1/versions",
		Sink:             sink,
	})
	require.NoError(t, err)
	require.Contains(t, rulesets, DefaultRuleset)
	require.Len(t, rulesets[RegenerateSignatureRuleset], 1)
	assert.Same(t, rulesets[RegenerateSignatureRuleset][0], rulesets[DefaultRuleset][len(rulesets[DefaultRuleset])-1])

	p := pipeline.New(rulesets,
		pipeline.WithHostId("test"),
		pipeline.WithTmpPath(dir),
		pipeline.WithSink(sink),
		pipeline.WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }))
	defer p.Close()

	raw := crash.Document{
		"uuid":                "de1bb258-cbbf-4589-a673-34f800160918",
		"submitted_timestamp": "2016-09-18T21:40:01.000000+00:00",
		"ProductName":         "Firefox",
		"Version":             "49.0",
		"ReleaseChannel":      "release",
		"BuildID":             "20160916101415",
		"CrashTime":           "1474234800",
		"StartupTime":         "1474234700",
		"MozCrashReason":      "MOZ_CRASH(boom)",
	}
	dumps := map[string]string{"upload_file_minidump": writeDump(t, dir, "dump", "MDMP")}

	processed := p.ProcessCrash(DefaultRuleset, raw, dumps, nil)

	assert.Equal(t, true, processed["success"])
	assert.Equal(t, "de1bb258-cbbf-4589-a673-34f800160918", processed["uuid"])
	assert.Equal(t, "Firefox", processed["product"])
	assert.Equal(t, int64(49), processed["major_version"])
	assert.Equal(t, int64(0), processed["crashing_thread"])
	assert.Equal(t, "Main", processed["crashing_thread_name"])
	assert.Equal(t, "Windows NT", processed["os_name"])
	assert.Equal(t, "Windows 10", processed["os_pretty_version"])
	assert.Equal(t, "amd64", processed["cpu_arch"])
	assert.Equal(t, int64(8), processed["cpu_count"])
	assert.Equal(t, int64(100), processed["uptime"])
	assert.Equal(t, "dom/Crash.cpp", processed["topmost_filenames"])
	assert.Equal(t, "xul.dll/AB12", processed["modules_in_stack"])
	assert.Equal(t, "crash", processed["report_type"])
	assert.Equal(t, "MOZ_CRASH(boom)", processed["moz_crash_reason"])
	assert.Equal(t, "unknown", processed["distribution_id"])
	assert.NotEqual(t, pipeline.EmptySignature, processed["signature"])
	assert.NotEmpty(t, processed["signature"])
	assert.Contains(t, processed, "signature_debug")
	assert.Empty(t, sink.CapturedExceptions())

	// regenerating only touches the signature
	again := p.ProcessCrash(RegenerateSignatureRuleset, raw.Copy(), nil, processed.Copy())
	assert.Equal(t, processed["signature"], again["signature"])
	assert.Equal(t, "Windows 10", again["os_pretty_version"])
}

func TestNewRulesetsJit(t *testing.T) {
	dir := t.TempDir()
	rulesets, err := NewRulesets(Config{
		Stackwalk: StackwalkConfig{
			CommandPath:     "minidump-stackwalk",
			SymbolCachePath: filepath.Join(dir, "cache"),
			SymbolTmpPath:   filepath.Join(dir, "tmp"),
		},
		Jit:       JitConfig{CommandPath: "jit-crash-categorize"},
		Commander: &fakeCommander{version: "0.15"},
	})
	require.NoError(t, err)

	rules := rulesets[DefaultRuleset]
	assert.IsType(t, &JitCrashCategorizeRule{}, rules[len(rules)-1])
	assert.Same(t, rulesets[RegenerateSignatureRuleset][0], rules[len(rules)-2])
}

func TestNewRulesetsStackwalkerMissing(t *testing.T) {
	_, err := NewRulesets(Config{
		Stackwalk: StackwalkConfig{CommandPath: "minidump-stackwalk"},
		Commander: &failingCommander{},
	})
	assert.Error(t, err)
}

type failingCommander struct{}

func (failingCommander) Run(_ context.Context, _ []string) ([]byte, []byte, int, error) {
	return []byte("not found"), nil, 127, nil
}
