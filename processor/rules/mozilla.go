package rules

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"crashmill/common/format/crash"
	"crashmill/processor/pipeline"
	"crashmill/processor/schema"

	log "github.com/sirupsen/logrus"
)

type ProductRule struct {
	pipeline.Base
}

func (ProductRule) Name() string { return "ProductRule" }

func (ProductRule) Action(c *pipeline.Crash) error {
	c.Processed["product"] = c.Raw.StringOr("ProductName", "")
	c.Processed["version"] = c.Raw.StringOr("Version", "")
	c.Processed["productid"] = c.Raw.StringOr("ProductID", "")
	c.Processed["release_channel"] = c.Raw.StringOr("ReleaseChannel", "")
	c.Processed["build"] = c.Raw.StringOr("BuildID", "")
	// Fenix sends the GeckoView build id in BuildID
	c.Processed["application_build_id"] = c.Raw.StringOr("ApplicationBuildID", "")
	return nil
}

// MajorVersionRule stores the leading number of Version, or 0.
type MajorVersionRule struct {
	pipeline.Base
}

func (MajorVersionRule) Name() string { return "MajorVersionRule" }

func (MajorVersionRule) Action(c *pipeline.Crash) error {
	major := int64(0)
	if version, ok := c.Raw.String("Version"); ok {
		head, _, _ := strings.Cut(version, ".")
		if i, err := strconv.ParseInt(strings.TrimSpace(head), 10, 64); err == nil {
			major = i
		}
	}
	c.Processed["major_version"] = major
	return nil
}

type UserDataRule struct {
	pipeline.Base
}

func (UserDataRule) Name() string { return "UserDataRule" }

func (UserDataRule) Action(c *pipeline.Crash) error {
	c.Processed["url"] = c.Raw["URL"]
	c.Processed["user_comments"] = c.Raw["Comments"]
	return nil
}

type EnvironmentRule struct {
	pipeline.Base
}

func (EnvironmentRule) Name() string { return "EnvironmentRule" }

func (EnvironmentRule) Action(c *pipeline.Crash) error {
	c.Processed["app_notes"] = c.Raw.StringOr("Notes", "")
	return nil
}

type ProcessTypeRule struct {
	pipeline.Base
}

func (ProcessTypeRule) Name() string { return "ProcessTypeRule" }

func (ProcessTypeRule) Action(c *pipeline.Crash) error {
	c.Processed["process_type"] = c.Raw.StringOr("ProcessType", "parent")
	return nil
}

type PluginRule struct {
	pipeline.Base
}

func (PluginRule) Name() string { return "PluginRule" }

func (PluginRule) Action(c *pipeline.Crash) error {
	if c.Raw.StringOr("ProcessType", "parent") != "plugin" {
		return nil
	}
	c.Processed["plugin_filename"] = c.Raw.StringOr("PluginFilename", "")
	c.Processed["plugin_name"] = c.Raw.StringOr("PluginName", "")
	c.Processed["plugin_version"] = c.Raw.StringOr("PluginVersion", "")
	return nil
}

// HangTypeRule marks chrome hangs with 1 and plugin hangs with -1.
type HangTypeRule struct {
	pipeline.Base
}

func (HangTypeRule) Name() string { return "HangTypeRule" }

func (HangTypeRule) Action(c *pipeline.Crash) error {
	hangType := int64(0)
	switch {
	case annotationFlag(c.Raw["Hang"]):
		hangType = 1
	case annotationFlag(c.Raw["PluginHang"]), c.Raw.StringOr("HangID", "") != "":
		hangType = -1
	}
	c.Processed["hang_type"] = hangType
	return nil
}

// annotationFlag reads "1" style annotations. Anything unparsable is off.
func annotationFlag(v any) bool {
	if s, ok := v.(string); ok {
		i, err := strconv.Atoi(strings.TrimSpace(s))
		return err == nil && i != 0
	}
	i, ok := crash.ToInt(v)
	return ok && i != 0
}

// AddonsRule parses the Add-ons annotation into "id:version" entries.
type AddonsRule struct {
	pipeline.Base
}

func (AddonsRule) Name() string { return "AddonsRule" }

func (AddonsRule) Action(c *pipeline.Crash) error {
	c.Processed["addons_checked"] = nil
	if v, ok := c.Raw["EMCheckCompatibility"]; ok {
		c.Processed["addons_checked"] = strings.ToLower(text(v)) == "true"
	}

	addons := []any{}
	if original := c.Raw.StringOr("Add-ons", ""); original != "" {
		for _, addon := range strings.Split(original, ",") {
			if !strings.Contains(addon, ":") {
				addon += ":NO_VERSION"
			}
			if unquoted, err := url.QueryUnescape(addon); err == nil {
				addon = unquoted
			}
			addons = append(addons, addon)
		}
	}
	c.Processed["addons"] = addons
	return nil
}

// SubmittedFromRule records where the crash report was submitted from.
type SubmittedFromRule struct {
	pipeline.Base
}

func (SubmittedFromRule) Name() string { return "SubmittedFromRule" }

func (SubmittedFromRule) Action(c *pipeline.Crash) error {
	from, infobar := "Unknown", false

	switch v := c.Raw["SubmittedFromInfobar"].(type) {
	case bool:
		infobar = v
	case string:
		infobar = v == "true" || v == "1"
	}

	if infobar {
		from = "Infobar"
	} else if v, ok := c.Raw.String("SubmittedFrom"); ok && v != "" {
		from = v
		infobar = v == "Infobar"
	}

	c.Processed["submitted_from"] = from
	c.Processed["submitted_from_infobar"] = infobar
	return nil
}

// BreadcrumbsRule validates the Breadcrumbs annotation against the schema
// and keeps it.
type BreadcrumbsRule struct {
	validator *schema.Validator
}

// NewBreadcrumbsRule takes the resolved processed crash schema. Only the
// structural checks run when it has no usable breadcrumbs node.
func NewBreadcrumbsRule(processed schema.Schema) *BreadcrumbsRule {
	r := &BreadcrumbsRule{}
	node, ok := processed.Lookup("breadcrumbs")
	if !ok || node == nil {
		return r
	}
	validator, err := schema.NewValidator(schema.Schema(node))
	if err != nil {
		log.WithError(err).Warning("Can't compile breadcrumbs schema")
		return r
	}
	r.validator = validator
	return r
}

func (*BreadcrumbsRule) Name() string { return "BreadcrumbsRule" }

func (*BreadcrumbsRule) Predicate(c *pipeline.Crash) bool {
	return crash.Truthy(c.Raw["Breadcrumbs"])
}

func (r *BreadcrumbsRule) Action(c *pipeline.Crash) error {
	var data any = c.Raw["Breadcrumbs"]
	if s, ok := data.(string); ok {
		if err := json.Unmarshal([]byte(s), &data); err != nil {
			c.Status.Add("Breadcrumbs: malformed: not valid json")
			return nil
		}
	}

	// Sentry clients wrap the list in "values"
	if m, ok := data.(map[string]any); ok {
		if values, ok := m["values"]; ok {
			data = values
		}
	}

	if err := validateBreadcrumbs(data); err != nil {
		c.Status.Add("Breadcrumbs: malformed: " + err.Error())
		return nil
	}
	if r.validator != nil {
		if err := r.validator.Validate(data); err != nil {
			c.Status.Add("Breadcrumbs: malformed: " + err.Error())
			return nil
		}
	}
	c.Processed["breadcrumbs"] = data
	return nil
}

func validateBreadcrumbs(data any) error {
	list, ok := data.([]any)
	if !ok {
		return fmt.Errorf("not a list")
	}
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("item %d not a dict", i)
		}
		if _, ok := m["timestamp"]; !ok {
			return fmt.Errorf("item %d missing keys: timestamp", i)
		}
	}
	return nil
}

// MacCrashInfoRule keeps json_dump.mac_crash_info as a JSON string when it
// has records.
type MacCrashInfoRule struct {
	pipeline.Base
}

func (MacCrashInfoRule) Name() string { return "MacCrashInfoRule" }

func (MacCrashInfoRule) Action(c *pipeline.Crash) error {
	delete(c.Processed, "mac_crash_info")

	v, _ := c.Processed.Lookup("json_dump", "mac_crash_info")
	info, ok := crash.ToMap(v)
	if !ok {
		return nil
	}
	records, _ := parseInt(info["num_records"])
	if records <= 0 {
		return nil
	}
	encoded, err := crash.SpacedJson(info)
	if err != nil {
		return err
	}
	c.Processed["mac_crash_info"] = encoded
	return nil
}

var disallowedReasons = []string{
	"Failed to load module",
	"byte index",
	"do not use eval with system privileges",
}

// MozCrashReasonRule keeps the raw reason and a sanitized public one.
type MozCrashReasonRule struct{}

func (MozCrashReasonRule) Name() string { return "MozCrashReasonRule" }

func (MozCrashReasonRule) Predicate(c *pipeline.Crash) bool {
	return crash.Truthy(c.Raw["MozCrashReason"])
}

func (MozCrashReasonRule) Action(c *pipeline.Crash) error {
	reason := text(c.Raw["MozCrashReason"])
	c.Processed["moz_crash_reason_raw"] = reason
	c.Processed["moz_crash_reason"] = SanitizeReason(reason)
	return nil
}

func SanitizeReason(reason string) string {
	for _, prefix := range disallowedReasons {
		if strings.HasPrefix(reason, prefix) {
			return "sanitized--see moz_crash_reason_raw"
		}
	}
	return reason
}

// FenixVersionRewriteRule groups "Nightly YYMMDD HH:MM" Fenix versions
// under 0.0a1.
type FenixVersionRewriteRule struct{}

func (FenixVersionRewriteRule) Name() string { return "FenixVersionRewriteRule" }

func (FenixVersionRewriteRule) Predicate(c *pipeline.Crash) bool {
	return c.Raw.StringOr("ProductName", "") == "Fenix" &&
		strings.HasPrefix(c.Raw.StringOr("Version", ""), "Nightly ")
}

func (FenixVersionRewriteRule) Action(c *pipeline.Crash) error {
	c.Status.Add(fmt.Sprintf("Changed version from '%s' to 0.0a1", c.Raw.StringOr("Version", "")))
	c.Raw["Version"] = "0.0a1"
	return nil
}

type ESRVersionRewrite struct{}

func (ESRVersionRewrite) Name() string { return "ESRVersionRewrite" }

func (ESRVersionRewrite) Predicate(c *pipeline.Crash) bool {
	return c.Raw.StringOr("ReleaseChannel", "") == "esr"
}

func (ESRVersionRewrite) Action(c *pipeline.Crash) error {
	version, ok := c.Raw.String("Version")
	if !ok {
		c.Status.Add(`"Version" missing from esr release raw_crash`)
		return nil
	}
	c.Raw["Version"] = version + "esr"
	return nil
}

type PluginContentURL struct{}

func (PluginContentURL) Name() string { return "PluginContentURL" }

func (PluginContentURL) Predicate(c *pipeline.Crash) bool {
	return crash.Truthy(c.Raw["PluginContentURL"])
}

func (PluginContentURL) Action(c *pipeline.Crash) error {
	c.Raw["URL"] = c.Raw["PluginContentURL"]
	return nil
}

type PluginUserComment struct{}

func (PluginUserComment) Name() string { return "PluginUserComment" }

func (PluginUserComment) Predicate(c *pipeline.Crash) bool {
	return crash.Truthy(c.Raw["PluginUserComment"])
}

func (PluginUserComment) Action(c *pipeline.Crash) error {
	c.Raw["Comments"] = c.Raw["PluginUserComment"]
	return nil
}

type ExploitabilityRule struct {
	pipeline.Base
}

func (ExploitabilityRule) Name() string { return "ExploitabilityRule" }

func (ExploitabilityRule) Action(c *pipeline.Crash) error {
	if v, ok := c.Processed.Lookup("json_dump", "sensitive", "exploitability"); ok {
		c.Processed["exploitability"] = v
		return nil
	}
	c.Processed["exploitability"] = "unknown"
	return nil
}

// TopMostFilesRule stores the first source file of the crashing thread.
type TopMostFilesRule struct {
	pipeline.Base
}

func (TopMostFilesRule) Name() string { return "TopMostFilesRule" }

func (TopMostFilesRule) Action(c *pipeline.Crash) error {
	c.Processed["topmost_filenames"] = nil
	frames, ok := crashingFrames(c.Processed, c.Processed["crashing_thread"])
	if !ok {
		return nil
	}
	for _, f := range frames {
		frame, ok := crash.ToMap(f)
		if !ok {
			continue
		}
		if file, ok := frame["file"].(string); ok && file != "" {
			c.Processed["topmost_filenames"] = file
			return nil
		}
	}
	return nil
}

var (
	badFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	badDebugIdChars  = regexp.MustCompile(`[^a-fA-F0-9]`)
)

// ModulesInStackRule lists "module/debugid" of the modules that show up in
// the crashing thread.
type ModulesInStackRule struct{}

func (ModulesInStackRule) Name() string { return "ModulesInStackRule" }

func (ModulesInStackRule) Predicate(c *pipeline.Crash) bool {
	return c.Processed.Has("json_dump")
}

func FormatModule(module map[string]any) string {
	filename, _ := module["filename"].(string)
	debugId, _ := module["debug_id"].(string)
	return badFilenameChars.ReplaceAllString(filename, "") + "/" + badDebugIdChars.ReplaceAllString(debugId, "")
}

func (ModulesInStackRule) Action(c *pipeline.Crash) error {
	frames, ok := crashingFrames(c.Processed, c.Processed["crashing_thread"])
	if !ok {
		return nil
	}

	formatted := map[string]string{}
	if v, ok := c.Processed.Lookup("json_dump", "modules"); ok {
		modules, _ := v.([]any)
		for _, m := range modules {
			module, ok := crash.ToMap(m)
			if !ok {
				continue
			}
			if filename, ok := module["filename"].(string); ok {
				formatted[filename] = FormatModule(module)
			}
		}
	}

	seen := map[string]bool{}
	var inStack []string
	for _, f := range frames {
		frame, ok := crash.ToMap(f)
		if !ok {
			continue
		}
		name, _ := frame["module"].(string)
		module, ok := formatted[name]
		if !ok || module == "" || seen[module] {
			continue
		}
		seen[module] = true
		inStack = append(inStack, module)
	}
	if len(inStack) == 0 {
		return nil
	}
	sort.Strings(inStack)
	c.Processed["modules_in_stack"] = strings.Join(inStack, ";")
	return nil
}

var windowsVersions = map[string]string{
	"3.5":  "Windows NT",
	"4.0":  "Windows NT",
	"4.1":  "Windows 98",
	"4.9":  "Windows Me",
	"5.0":  "Windows 2000",
	"5.1":  "Windows XP",
	"5.2":  "Windows Server 2003",
	"6.0":  "Windows Vista",
	"6.1":  "Windows 7",
	"6.2":  "Windows 8",
	"6.3":  "Windows 8.1",
	"10.0": "Windows 10",
}

// Windows 11 reports itself as 10.0 with a higher build number
const windows11Build = 21996

// OSPrettyVersionRule picks the most readable operating system name.
type OSPrettyVersionRule struct {
	pipeline.Base
}

func (OSPrettyVersionRule) Name() string { return "OSPrettyVersionRule" }

func (OSPrettyVersionRule) Action(c *pipeline.Crash) error {
	c.Processed["os_pretty_version"] = nil

	osName, ok := c.Processed["os_name"].(string)
	if !ok {
		return nil
	}
	c.Processed["os_pretty_version"] = osName

	osVersion, _ := c.Processed["os_version"].(string)
	if osName == "Android" {
		if osVersion != "" {
			c.Processed["os_pretty_version"] = osName + " " + osVersion
		}
		return nil
	}
	if osVersion == "" {
		return nil
	}

	parts := strings.Split(osVersion, ".")
	if len(parts) < 2 {
		return nil
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil
	}

	switch {
	case strings.HasPrefix(strings.ToLower(osName), "windows"):
		pretty := "Windows Unknown"
		if major == 10 && minor == 0 && windowsBuild(parts) >= windows11Build {
			pretty = "Windows 11"
		} else if name, ok := windowsVersions[fmt.Sprintf("%d.%d", major, minor)]; ok {
			pretty = name
		}
		c.Processed["os_pretty_version"] = pretty

	case osName == "Mac OS X":
		switch {
		case major >= 11:
			c.Processed["os_pretty_version"] = fmt.Sprintf("macOS %d", major)
		case major >= 10 && minor >= 0:
			c.Processed["os_pretty_version"] = fmt.Sprintf("OS X %d.%d", major, minor)
		default:
			c.Processed["os_pretty_version"] = "OS X Unknown"
		}

	case osName == "Linux":
		if desc := lookupString(c.Processed, "", "json_dump", "lsb_release", "description"); desc != "" {
			c.Processed["os_pretty_version"] = desc
		}
	}
	return nil
}

func windowsBuild(parts []string) int {
	if len(parts) < 3 {
		return 0
	}
	fields := strings.Fields(parts[2])
	if len(fields) == 0 {
		return 0
	}
	build, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return build
}

var themeConversions = map[string]string{
	"{972ce4c6-7e08-4474-a285-3208198ce6fd}": "{972ce4c6-7e08-4474-a285-3208198ce6fd} (default theme)",
}

// ThemePrettyNameRule gives the built in theme a readable name. Runs after
// AddonsRule.
type ThemePrettyNameRule struct{}

func (ThemePrettyNameRule) Name() string { return "ThemePrettyNameRule" }

func (ThemePrettyNameRule) Predicate(c *pipeline.Crash) bool {
	for _, addon := range stringsOf(c.Processed["addons"]) {
		extension, _, _ := strings.Cut(addon, ":")
		if _, ok := themeConversions[extension]; ok {
			return true
		}
	}
	return false
}

func (ThemePrettyNameRule) Action(c *pipeline.Crash) error {
	addons := stringsOf(c.Processed["addons"])
	for i, addon := range addons {
		extension, version, found := strings.Cut(addon, ":")
		name, ok := themeConversions[extension]
		if !ok {
			continue
		}
		if found {
			addons[i] = name + ":" + version
		} else {
			addons[i] = name
		}
	}
	c.Processed["addons"] = anySlice(addons)
	return nil
}

// PHCRule copies probabilistic heap checker annotations.
type PHCRule struct{}

func (PHCRule) Name() string { return "PHCRule" }

func (PHCRule) Predicate(c *pipeline.Crash) bool {
	return c.Raw.Has("PHCKind")
}

func (PHCRule) Action(c *pipeline.Crash) error {
	c.Processed["phc_kind"] = c.Raw["PHCKind"]

	if v, ok := c.Raw["PHCBaseAddress"]; ok {
		if addr, err := parseInt(v); err == nil {
			c.Processed["phc_base_address"] = fmt.Sprintf("%#x", addr)
		}
	}
	if v, ok := c.Raw["PHCUsableSize"]; ok {
		if size, err := parseInt(v); err == nil {
			c.Processed["phc_usable_size"] = size
		}
	}
	if v, ok := c.Raw["PHCAllocStack"]; ok {
		c.Processed["phc_alloc_stack"] = v
	}
	if v, ok := c.Raw["PHCFreeStack"]; ok {
		c.Processed["phc_free_stack"] = v
	}
	return nil
}

// ModuleURLRewriteRule drops localhost symbol urls and strips query strings
// from symbols.mozilla.org ones.
type ModuleURLRewriteRule struct{}

func (ModuleURLRewriteRule) Name() string { return "ModuleURLRewriteRule" }

func (ModuleURLRewriteRule) Predicate(c *pipeline.Crash) bool {
	v, _ := c.Processed.Lookup("json_dump", "modules")
	return crash.Truthy(v)
}

func (ModuleURLRewriteRule) Action(c *pipeline.Crash) error {
	v, _ := c.Processed.Lookup("json_dump", "modules")
	modules, _ := v.([]any)
	for _, m := range modules {
		module, ok := crash.ToMap(m)
		if !ok {
			continue
		}
		raw, ok := module["symbol_url"].(string)
		if !ok || raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}

		if strings.Contains(parsed.Host, "localhost") {
			module["symbol_url"] = nil
			name, ok := module["filename"].(string)
			if !ok {
				name, ok = module["debug_file"].(string)
			}
			if !ok {
				name = "unknown"
			}
			c.Status.Add("Redacting symbol url for module " + name)
			continue
		}

		if strings.Contains(parsed.Host, "symbols.mozilla.org") {
			parsed.RawQuery = ""
			parsed.ForceQuery = false
			module["symbol_url"] = parsed.String()
		}
	}
	return nil
}

// DistributionIDRule records which vendor built the product, from the
// DistributionID annotation or the telemetry environment.
type DistributionIDRule struct {
	pipeline.Base
}

func (DistributionIDRule) Name() string { return "DistributionIDRule" }

func (DistributionIDRule) Action(c *pipeline.Crash) error {
	id := c.Raw["DistributionID"]

	if !crash.Truthy(id) {
		var telemetry any = map[string]any{}
		switch env := c.Raw["TelemetryEnvironment"].(type) {
		case string:
			if err := json.Unmarshal([]byte(env), &telemetry); err != nil {
				telemetry = map[string]any{}
			}
		case map[string]any:
			telemetry = env
		}
		id = "unknown"
		if m, ok := crash.ToMap(telemetry); ok {
			if v, ok := crash.Document(m).Lookup("partner", "distributionId"); ok {
				id = v
			}
		}
	}

	if !crash.Truthy(id) {
		id = "mozilla"
	}
	c.Processed["distribution_id"] = id
	return nil
}

// how deep into the crashing thread ReportTypeRule looks for the watchdog
const watchdogFrames = 10

// ReportTypeRule classifies the report as "hang" or "crash".
type ReportTypeRule struct {
	pipeline.Base
}

func (ReportTypeRule) Name() string { return "ReportTypeRule" }

func (ReportTypeRule) Action(c *pipeline.Crash) error {
	reportType := "crash"
	if c.Processed.Has("ipc_channel_error") || c.Processed.Has("async_shutdown_timeout") || isShutdownHang(c.Processed) {
		reportType = "hang"
	}
	c.Processed["report_type"] = reportType
	return nil
}

func isShutdownHang(d crash.Document) bool {
	index, ok := d.Lookup("json_dump", "crash_info", "crashing_thread")
	if !ok {
		return false
	}
	frames, ok := crashingFrames(d, index)
	if !ok {
		return false
	}
	for i, f := range frames {
		if i >= watchdogFrames {
			break
		}
		frame, ok := crash.ToMap(f)
		if !ok {
			continue
		}
		if function, ok := frame["function"].(string); ok && strings.Contains(function, "RunWatchdog") {
			return true
		}
	}
	return false
}
