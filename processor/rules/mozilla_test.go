package rules

import (
	"testing"

	"crashmill/common/format/crash"
	"crashmill/processor/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductRule(t *testing.T) {
	c := newCrash(crash.Document{
		"ProductName":        "Firefox",
		"Version":            "12.0",
		"ProductID":          "{ec8030f7-c20a-464f-9b0e-13a3a9e97384}",
		"ReleaseChannel":     "release",
		"BuildID":            "20120420145725",
		"ApplicationBuildID": "20120420145726",
	})
	act(t, ProductRule{}, c)
	assert.Equal(t, crash.Document{
		"product":              "Firefox",
		"version":              "12.0",
		"productid":            "{ec8030f7-c20a-464f-9b0e-13a3a9e97384}",
		"release_channel":      "release",
		"build":                "20120420145725",
		"application_build_id": "20120420145726",
	}, c.Processed)

	c = newCrash(nil)
	act(t, ProductRule{}, c)
	assert.Equal(t, "", c.Processed["product"])
	assert.Equal(t, "", c.Processed["application_build_id"])
}

func TestMajorVersionRule(t *testing.T) {
	tests := []struct {
		version any
		want    int64
	}{
		{nil, 0},
		{"", 0},
		{"abc", 0},
		{"50", 50},
		{"50.0b4", 50},
		{"65.0.2", 65},
	}
	for _, tt := range tests {
		raw := crash.Document{}
		if tt.version != nil {
			raw["Version"] = tt.version
		}
		c := newCrash(raw)
		act(t, MajorVersionRule{}, c)
		assert.Equal(t, tt.want, c.Processed["major_version"], "version %v", tt.version)
	}
}

func TestUserDataRule(t *testing.T) {
	c := newCrash(crash.Document{"URL": "http://example.com", "Comments": "it broke"})
	act(t, UserDataRule{}, c)
	assert.Equal(t, "http://example.com", c.Processed["url"])
	assert.Equal(t, "it broke", c.Processed["user_comments"])

	c = newCrash(nil)
	act(t, UserDataRule{}, c)
	assert.Contains(t, c.Processed, "url")
	assert.Nil(t, c.Processed["url"])
	assert.Nil(t, c.Processed["user_comments"])
}

func TestEnvironmentAndProcessTypeRules(t *testing.T) {
	c := newCrash(nil)
	act(t, EnvironmentRule{}, c)
	act(t, ProcessTypeRule{}, c)
	assert.Equal(t, "", c.Processed["app_notes"])
	assert.Equal(t, "parent", c.Processed["process_type"])

	c = newCrash(crash.Document{"Notes": "AdapterVendorID: 0x1002", "ProcessType": "content"})
	act(t, EnvironmentRule{}, c)
	act(t, ProcessTypeRule{}, c)
	assert.Equal(t, "AdapterVendorID: 0x1002", c.Processed["app_notes"])
	assert.Equal(t, "content", c.Processed["process_type"])
}

func TestPluginRule(t *testing.T) {
	c := newCrash(crash.Document{"PluginFilename": "flash.dll"})
	act(t, PluginRule{}, c)
	assert.Empty(t, c.Processed)

	c = newCrash(crash.Document{"ProcessType": "plugin", "PluginFilename": "flash.dll", "PluginVersion": "11"})
	act(t, PluginRule{}, c)
	assert.Equal(t, crash.Document{
		"plugin_filename": "flash.dll",
		"plugin_name":     "",
		"plugin_version":  "11",
	}, c.Processed)
}

func TestAddonsRule(t *testing.T) {
	c := newCrash(crash.Document{
		"EMCheckCompatibility": "True",
		"Add-ons":              "naviextension%40dailymotion.com:1.2,{972ce4c6-7e08-4474-a285-3208198ce6fd}:12.0,noversion",
	})
	act(t, AddonsRule{}, c)
	assert.Equal(t, true, c.Processed["addons_checked"])
	assert.Equal(t, []any{
		"naviextension@dailymotion.com:1.2",
		"{972ce4c6-7e08-4474-a285-3208198ce6fd}:12.0",
		"noversion:NO_VERSION",
	}, c.Processed["addons"])

	c = newCrash(nil)
	act(t, AddonsRule{}, c)
	assert.Nil(t, c.Processed["addons_checked"])
	assert.Equal(t, []any{}, c.Processed["addons"])

	c = newCrash(crash.Document{"EMCheckCompatibility": "false", "Add-ons": "bad%zzescape:1"})
	act(t, AddonsRule{}, c)
	assert.Equal(t, false, c.Processed["addons_checked"])
	assert.Equal(t, []any{"bad%zzescape:1"}, c.Processed["addons"])
}

func TestSubmittedFromRule(t *testing.T) {
	tests := []struct {
		raw         crash.Document
		wantFrom    string
		wantInfobar bool
	}{
		{crash.Document{}, "Unknown", false},
		{crash.Document{"SubmittedFromInfobar": "1"}, "Infobar", true},
		{crash.Document{"SubmittedFromInfobar": true}, "Infobar", true},
		{crash.Document{"SubmittedFrom": "Auto"}, "Auto", false},
		{crash.Document{"SubmittedFrom": "Infobar"}, "Infobar", true},
		{crash.Document{"SubmittedFromInfobar": "0", "SubmittedFrom": "Client"}, "Client", false},
	}
	for _, tt := range tests {
		c := newCrash(tt.raw)
		act(t, SubmittedFromRule{}, c)
		assert.Equal(t, tt.wantFrom, c.Processed["submitted_from"], "%v", tt.raw)
		assert.Equal(t, tt.wantInfobar, c.Processed["submitted_from_infobar"], "%v", tt.raw)
	}
}

func breadcrumbsRule(t *testing.T) *BreadcrumbsRule {
	s, err := schema.Default().LoadResolved(schema.ProcessedCrash)
	require.NoError(t, err)
	return NewBreadcrumbsRule(s)
}

func TestBreadcrumbsRule(t *testing.T) {
	r := breadcrumbsRule(t)
	require.NotNil(t, r.validator)

	c := newCrash(crash.Document{"Breadcrumbs": `[{"timestamp": "2021-01-07T16:09:31", "message": "started"}]`})
	act(t, r, c)
	assert.Equal(t, []any{map[string]any{"timestamp": "2021-01-07T16:09:31", "message": "started"}}, c.Processed["breadcrumbs"])
	assert.Empty(t, c.Status.Notes())

	c = newCrash(crash.Document{"Breadcrumbs": `{"values": [{"timestamp": "2021-01-07T16:09:31"}]}`})
	act(t, r, c)
	assert.Equal(t, []any{map[string]any{"timestamp": "2021-01-07T16:09:31"}}, c.Processed["breadcrumbs"])

	c = newCrash(nil)
	act(t, r, c)
	assert.NotContains(t, c.Processed, "breadcrumbs")
}

func TestBreadcrumbsRuleWithoutSchema(t *testing.T) {
	r := NewBreadcrumbsRule(schema.Schema{"type": "object"})
	assert.Nil(t, r.validator)

	c := newCrash(crash.Document{"Breadcrumbs": `[{"timestamp": 5}]`})
	act(t, r, c)
	assert.Equal(t, []any{map[string]any{"timestamp": float64(5)}}, c.Processed["breadcrumbs"])
}

func TestBreadcrumbsRuleMalformed(t *testing.T) {
	r := breadcrumbsRule(t)

	c := newCrash(crash.Document{"Breadcrumbs": "{{{"})
	act(t, r, c)
	assert.NotContains(t, c.Processed, "breadcrumbs")
	assert.Equal(t, []string{"Breadcrumbs: malformed: not valid json"}, c.Status.Notes())

	c = newCrash(crash.Document{"Breadcrumbs": `[{"message": "no timestamp"}]`})
	act(t, r, c)
	assert.NotContains(t, c.Processed, "breadcrumbs")
	require.Len(t, c.Status.Notes(), 1)
	assert.Contains(t, c.Status.Notes()[0], "Breadcrumbs: malformed: ")

	c = newCrash(crash.Document{"Breadcrumbs": `[{"timestamp": 5}]`})
	act(t, r, c)
	assert.NotContains(t, c.Processed, "breadcrumbs")
	require.Len(t, c.Status.Notes(), 1)
	assert.Contains(t, c.Status.Notes()[0], "Breadcrumbs: malformed: ")
}

func TestMacCrashInfoRule(t *testing.T) {
	c := newCrash(nil)
	c.Processed["json_dump"] = map[string]any{
		"mac_crash_info": map[string]any{
			"num_records": float64(1),
			"records":     []any{map[string]any{"thread": nil}},
		},
	}
	act(t, MacCrashInfoRule{}, c)
	assert.Equal(t, `{"num_records": 1, "records": [{"thread": null}]}`, c.Processed["mac_crash_info"])

	c = newCrash(nil)
	c.Processed["mac_crash_info"] = "stale"
	c.Processed["json_dump"] = map[string]any{"mac_crash_info": map[string]any{"num_records": float64(0)}}
	act(t, MacCrashInfoRule{}, c)
	assert.NotContains(t, c.Processed, "mac_crash_info")
}

func TestMozCrashReasonRule(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"MOZ_CRASH(OOM)", "MOZ_CRASH(OOM)"},
		{"Failed to load module \"jar:file:///...\"", "sanitized--see moz_crash_reason_raw"},
		{"byte index 12 is out of bounds", "sanitized--see moz_crash_reason_raw"},
		{"do not use eval with system privileges: resource://x", "sanitized--see moz_crash_reason_raw"},
	}
	for _, tt := range tests {
		c := newCrash(crash.Document{"MozCrashReason": tt.reason})
		act(t, MozCrashReasonRule{}, c)
		assert.Equal(t, tt.reason, c.Processed["moz_crash_reason_raw"])
		assert.Equal(t, tt.want, c.Processed["moz_crash_reason"])
	}

	c := newCrash(nil)
	act(t, MozCrashReasonRule{}, c)
	assert.Empty(t, c.Processed)
}

func TestFenixVersionRewriteRule(t *testing.T) {
	c := newCrash(crash.Document{"ProductName": "Fenix", "Version": "Nightly 200315 05:05"})
	act(t, FenixVersionRewriteRule{}, c)
	assert.Equal(t, "0.0a1", c.Raw["Version"])
	assert.Equal(t, []string{"Changed version from 'Nightly 200315 05:05' to 0.0a1"}, c.Status.Notes())

	c = newCrash(crash.Document{"ProductName": "Fenix", "Version": "75.0"})
	act(t, FenixVersionRewriteRule{}, c)
	assert.Equal(t, "75.0", c.Raw["Version"])
}

func TestESRVersionRewrite(t *testing.T) {
	c := newCrash(crash.Document{"ReleaseChannel": "esr", "Version": "60.9.0"})
	act(t, ESRVersionRewrite{}, c)
	assert.Equal(t, "60.9.0esr", c.Raw["Version"])

	c = newCrash(crash.Document{"ReleaseChannel": "esr"})
	act(t, ESRVersionRewrite{}, c)
	assert.Equal(t, []string{`"Version" missing from esr release raw_crash`}, c.Status.Notes())

	c = newCrash(crash.Document{"ReleaseChannel": "release", "Version": "60.9.0"})
	act(t, ESRVersionRewrite{}, c)
	assert.Equal(t, "60.9.0", c.Raw["Version"])
}

func TestPluginContentURLAndComment(t *testing.T) {
	c := newCrash(crash.Document{
		"URL":               "http://a.example.com",
		"PluginContentURL":  "http://b.example.com",
		"Comments":          "original",
		"PluginUserComment": "plugin comment",
	})
	act(t, PluginContentURL{}, c)
	act(t, PluginUserComment{}, c)
	assert.Equal(t, "http://b.example.com", c.Raw["URL"])
	assert.Equal(t, "plugin comment", c.Raw["Comments"])
}

func TestExploitabilityRule(t *testing.T) {
	c := newCrash(nil)
	c.Processed["json_dump"] = map[string]any{"sensitive": map[string]any{"exploitability": "high"}}
	act(t, ExploitabilityRule{}, c)
	assert.Equal(t, "high", c.Processed["exploitability"])

	c = newCrash(nil)
	act(t, ExploitabilityRule{}, c)
	assert.Equal(t, "unknown", c.Processed["exploitability"])
}

func TestTopMostFilesRule(t *testing.T) {
	c := newCrash(nil)
	c.Processed["crashing_thread"] = int64(0)
	c.Processed["json_dump"] = map[string]any{"threads": []any{
		map[string]any{"frames": []any{
			map[string]any{"function": "a"},
			map[string]any{"file": ""},
			map[string]any{"file": "dom/base/nsDocument.cpp"},
			map[string]any{"file": "other.cpp"},
		}},
	}}
	act(t, TopMostFilesRule{}, c)
	assert.Equal(t, "dom/base/nsDocument.cpp", c.Processed["topmost_filenames"])

	c = newCrash(nil)
	act(t, TopMostFilesRule{}, c)
	assert.Contains(t, c.Processed, "topmost_filenames")
	assert.Nil(t, c.Processed["topmost_filenames"])
}

func TestFormatModule(t *testing.T) {
	assert.Equal(t, "/", FormatModule(map[string]any{}))
	assert.Equal(t, "libfoo/bad", FormatModule(map[string]any{
		"filename": " l\nib (foo)",
		"debug_id": "this is bad",
	}))
}

func TestModulesInStackRule(t *testing.T) {
	c := newCrash(nil)
	c.Processed["crashing_thread"] = int64(0)
	c.Processed["json_dump"] = map[string]any{
		"modules": []any{
			map[string]any{"filename": "libxul.dll", "debug_id": "ABCDEF"},
			map[string]any{"filename": "mozglue.dll", "debug_id": "ABC345"},
			map[string]any{"filename": "unused.dll", "debug_id": "000"},
		},
		"threads": []any{
			map[string]any{"frames": []any{
				map[string]any{"module": "mozglue.dll"},
				map[string]any{"module": "libxul.dll"},
				map[string]any{"module": "libxul.dll"},
				map[string]any{"module": "missing.dll"},
				map[string]any{"function": "nomodule"},
			}},
		},
	}
	act(t, ModulesInStackRule{}, c)
	assert.Equal(t, "libxul.dll/ABCDEF;mozglue.dll/ABC345", c.Processed["modules_in_stack"])

	c = newCrash(nil)
	c.Processed["json_dump"] = map[string]any{}
	act(t, ModulesInStackRule{}, c)
	assert.NotContains(t, c.Processed, "modules_in_stack")
}

func TestOSPrettyVersionRule(t *testing.T) {
	tests := []struct {
		osName    any
		osVersion string
		lsb       string
		want      any
	}{
		{"Windows NT", "6.1.7601 Service Pack 2", "", "Windows 7"},
		{"Windows NT", "6.3.9600", "", "Windows 8.1"},
		{"Windows NT", "10.0.17758", "", "Windows 10"},
		{"Windows NT", "10.0.21996", "", "Windows 11"},
		{"Windows NT", "10.0.22000", "", "Windows 11"},
		{"Windows NT", "15.2", "", "Windows Unknown"},
		{"Windows NT", "NaN", "", "Windows NT"},
		{"Mac OS X", "10.18.324", "", "OS X 10.18"},
		{"Mac OS X", "9.1", "", "OS X Unknown"},
		{"Mac OS X", "11.2.1 20D74", "", "macOS 11"},
		{"Linux", "0.0.12.13", "", "Linux"},
		{"Linux", "5.4.0", "Ubuntu 18.04 LTS", "Ubuntu 18.04 LTS"},
		{"Linux", "5.abc", "", "Linux"},
		{"Linux", "5.", "", "Linux"},
		{"Linux", "5", "", "Linux"},
		{"Android", "", "", "Android"},
		{"Android", "23", "", "Android 23"},
		{"Unknown", "", "", "Unknown"},
		{nil, "", "", nil},
	}

	for _, tt := range tests {
		c := newCrash(nil)
		if tt.osName != nil {
			c.Processed["os_name"] = tt.osName
		}
		c.Processed["os_version"] = tt.osVersion
		if tt.lsb != "" {
			c.Processed["json_dump"] = map[string]any{"lsb_release": map[string]any{"description": tt.lsb}}
		}
		act(t, OSPrettyVersionRule{}, c)
		assert.Equal(t, tt.want, c.Processed["os_pretty_version"], "%v %s", tt.osName, tt.osVersion)
	}
}

func TestThemePrettyNameRule(t *testing.T) {
	c := newCrash(nil)
	c.Processed["addons"] = []any{
		"adblockpopups@jessehakanen.net:0.3",
		"{972ce4c6-7e08-4474-a285-3208198ce6fd}:12.0",
		"{972ce4c6-7e08-4474-a285-3208198ce6fd}",
	}
	act(t, ThemePrettyNameRule{}, c)
	assert.Equal(t, []any{
		"adblockpopups@jessehakanen.net:0.3",
		"{972ce4c6-7e08-4474-a285-3208198ce6fd} (default theme):12.0",
		"{972ce4c6-7e08-4474-a285-3208198ce6fd} (default theme)",
	}, c.Processed["addons"])

	c = newCrash(nil)
	c.Processed["addons"] = []any{"other:1.0"}
	act(t, ThemePrettyNameRule{}, c)
	assert.Equal(t, []any{"other:1.0"}, c.Processed["addons"])
}

func TestPHCRule(t *testing.T) {
	c := newCrash(crash.Document{
		"PHCKind":        "FreedPage",
		"PHCBaseAddress": "8796126838784",
		"PHCUsableSize":  "8",
		"PHCAllocStack":  "100,200",
		"PHCFreeStack":   "300,400",
	})
	act(t, PHCRule{}, c)
	assert.Equal(t, crash.Document{
		"phc_kind":         "FreedPage",
		"phc_base_address": "0x80002040000",
		"phc_usable_size":  int64(8),
		"phc_alloc_stack":  "100,200",
		"phc_free_stack":   "300,400",
	}, c.Processed)

	c = newCrash(crash.Document{"PHCKind": "FreedPage", "PHCBaseAddress": "junk"})
	act(t, PHCRule{}, c)
	assert.Equal(t, crash.Document{"phc_kind": "FreedPage"}, c.Processed)
}

func TestModuleURLRewriteRule(t *testing.T) {
	c := newCrash(nil)
	c.Processed["json_dump"] = map[string]any{"modules": []any{
		map[string]any{"filename": "libxul.so", "symbol_url": "https://symbols.mozilla.org/try/libxul.so/ABC/libxul.so.sym?try=1"},
		map[string]any{"debug_file": "local.pdb", "symbol_url": "http://localhost:8000/local.pdb/DEF/local.sym"},
		map[string]any{"symbol_url": "http://localhost/x.sym"},
		map[string]any{"filename": "other.so", "symbol_url": "https://example.com/other.sym?x=1"},
		map[string]any{"filename": "nourl.so"},
	}}
	act(t, ModuleURLRewriteRule{}, c)

	modules := c.Processed["json_dump"].(map[string]any)["modules"].([]any)
	assert.Equal(t, "https://symbols.mozilla.org/try/libxul.so/ABC/libxul.so.sym", modules[0].(map[string]any)["symbol_url"])
	assert.Nil(t, modules[1].(map[string]any)["symbol_url"])
	assert.Nil(t, modules[2].(map[string]any)["symbol_url"])
	assert.Equal(t, "https://example.com/other.sym?x=1", modules[3].(map[string]any)["symbol_url"])
	assert.Equal(t, []string{
		"Redacting symbol url for module local.pdb",
		"Redacting symbol url for module unknown",
	}, c.Status.Notes())
}

func TestDistributionIDRule(t *testing.T) {
	tests := []struct {
		raw  crash.Document
		want any
	}{
		{crash.Document{"DistributionID": "canonical"}, "canonical"},
		{crash.Document{"TelemetryEnvironment": `{"partner": {"distributionId": "ubuntu"}}`}, "ubuntu"},
		{crash.Document{"TelemetryEnvironment": map[string]any{"partner": map[string]any{"distributionId": "fedora"}}}, "fedora"},
		{crash.Document{"TelemetryEnvironment": `{"partner": {"distributionId": null}}`}, "mozilla"},
		{crash.Document{"TelemetryEnvironment": "{bad json"}, "unknown"},
		{crash.Document{}, "unknown"},
		{crash.Document{"DistributionID": ""}, "unknown"},
	}
	for _, tt := range tests {
		c := newCrash(tt.raw)
		act(t, DistributionIDRule{}, c)
		assert.Equal(t, tt.want, c.Processed["distribution_id"], "%v", tt.raw)
	}
}

func TestReportTypeRule(t *testing.T) {
	c := newCrash(nil)
	act(t, ReportTypeRule{}, c)
	assert.Equal(t, "crash", c.Processed["report_type"])

	c = newCrash(nil)
	c.Processed["ipc_channel_error"] = "ShutDownKill"
	act(t, ReportTypeRule{}, c)
	assert.Equal(t, "hang", c.Processed["report_type"])

	c = newCrash(nil)
	c.Processed["json_dump"] = map[string]any{
		"crash_info": map[string]any{"crashing_thread": float64(0)},
		"threads": []any{map[string]any{"frames": []any{
			map[string]any{"function": "NtWaitForAlertByThreadId"},
			map[string]any{"function": "mozilla::(anonymous namespace)::RunWatchdog(void*)"},
		}}},
	}
	act(t, ReportTypeRule{}, c)
	assert.Equal(t, "hang", c.Processed["report_type"])
}

func TestHangTypeRule(t *testing.T) {
	tests := []struct {
		raw  crash.Document
		want int64
	}{
		{crash.Document{}, 0},
		{crash.Document{"Hang": "1"}, 1},
		{crash.Document{"Hang": "0", "PluginHang": "1"}, -1},
		{crash.Document{"HangID": "abc"}, -1},
		{crash.Document{"Hang": "1", "HangID": "abc"}, 1},
		{crash.Document{"Hang": "yes"}, 0},
		{crash.Document{"PluginHang": float64(1)}, -1},
	}
	for _, tt := range tests {
		c := newCrash(tt.raw)
		act(t, HangTypeRule{}, c)
		assert.Equal(t, tt.want, c.Processed["hang_type"], "%v", tt.raw)
	}
}
