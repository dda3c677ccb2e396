package rules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"crashmill/common/format/crash"
	"crashmill/processor/pipeline"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultDumpField = "upload_file_minidump"

	// thread frame lists longer than this are cut
	MaxFrames = 500
)

// MinidumpSha256Rule copies the checksum of the primary dump. The collector
// records it in metadata.dump_checksums, older crashes carry the
// MinidumpSha256Hash annotation.
type MinidumpSha256Rule struct {
	pipeline.Base
	DumpField string
}

func (*MinidumpSha256Rule) Name() string { return "MinidumpSha256Rule" }

func (r *MinidumpSha256Rule) Action(c *pipeline.Crash) error {
	field := r.DumpField
	if field == "" {
		field = DefaultDumpField
	}
	hash := lookupString(c.Raw, "", "metadata", "dump_checksums", field)
	if hash == "" {
		hash = c.Raw.StringOr("MinidumpSha256Hash", "")
	}
	c.Processed["minidump_sha256_hash"] = hash
	return nil
}

// CrashingThreadInfoRule lifts crashing thread details out of json_dump.
type CrashingThreadInfoRule struct{}

func (CrashingThreadInfoRule) Name() string { return "CrashingThreadInfoRule" }

func (CrashingThreadInfoRule) Predicate(c *pipeline.Crash) bool {
	return c.Processed.Has("json_dump")
}

func (CrashingThreadInfoRule) Action(c *pipeline.Crash) error {
	var thread any
	if v, ok := c.Processed.Lookup("json_dump", "crash_info", "crashing_thread"); ok {
		if i, ok := crash.ToInt(v); ok {
			thread = i
		}
	}
	c.Processed["crashing_thread"] = thread
	if thread == nil {
		c.Status.Add("mdsw did not identify the crashing thread")
	}

	var name any
	if v, ok := c.Processed.Lookup("json_dump", "crashing_thread", "thread_name"); ok {
		name = v
	}
	c.Processed["crashing_thread_name"] = name

	truncated := false
	if v, ok := c.Processed.Lookup("json_dump", "crashing_thread", "truncated"); ok {
		truncated, _ = v.(bool)
	}
	c.Processed["truncated"] = truncated

	var address any
	if v, ok := c.Processed.Lookup("json_dump", "crash_info", "address"); ok {
		address = v
	}
	c.Processed["address"] = address

	c.Processed["reason"] = lookupString(c.Processed, "", "json_dump", "crash_info", "type")
	return nil
}

// TruncateStacksRule keeps the first and last frames of very long thread
// stacks and replaces the middle with a marker frame.
type TruncateStacksRule struct {
	pipeline.Base
}

func (TruncateStacksRule) Name() string { return "TruncateStacksRule" }

func (TruncateStacksRule) Action(c *pipeline.Crash) error {
	keys := make([]string, 0, len(c.Processed))
	for k := range c.Processed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var dump map[string]any
		prefix := key
		if key == "json_dump" {
			dump, _ = crash.ToMap(c.Processed[key])
		} else if sub, ok := crash.ToMap(c.Processed[key]); ok {
			dump, _ = crash.ToMap(sub["json_dump"])
			prefix = key + ".json_dump"
		}
		if dump == nil {
			continue
		}

		if thread, ok := crash.ToMap(dump["crashing_thread"]); ok {
			truncateThread(c, prefix+".crashing_thread", thread)
		}
		threads, _ := dump["threads"].([]any)
		for i, t := range threads {
			if thread, ok := crash.ToMap(t); ok {
				truncateThread(c, fmt.Sprintf("%s.threads.%d", prefix, i), thread)
			}
		}
	}
	return nil
}

func truncateThread(c *pipeline.Crash, path string, thread map[string]any) {
	frames, ok := thread["frames"].([]any)
	if !ok || len(frames) <= MaxFrames {
		return
	}
	head := MaxFrames / 2
	tail := MaxFrames - head - 1

	cut := make([]any, 0, MaxFrames)
	cut = append(cut, frames[:head]...)
	cut = append(cut, map[string]any{
		"truncated": map[string]any{
			"msg": fmt.Sprintf("%d frames truncated", len(frames)-MaxFrames),
		},
	})
	cut = append(cut, frames[len(frames)-tail:]...)

	thread["frames"] = cut
	thread["truncated"] = true
	c.Status.Add(fmt.Sprintf("TruncateStacksRule: %s: frames truncated from %d to %d", path, len(frames), len(cut)))
}

const DefaultJitCommandLine = "timeout --signal KILL {kill_timeout} {command_path} {dump_file_path}"

var jitSignatureSuffixes = []string{
	"EnterBaseline",
	"EnterIon",
	"js::jit::FastInvoke",
	"js::jit::IonCannon",
	"js::irregexp::ExecuteCode<T>",
}

type JitConfig struct {
	CommandPath string
	CommandLine string
	KillTimeout int
}

// JitCrashCategorizeRule runs the jit crash categorizer over Windows x86
// Firefox crashes whose signature points into jitted code. It reads the
// signature, so it goes after signature generation.
type JitCrashCategorizeRule struct {
	cfg       JitConfig
	dumpField string
	commander Commander
}

func NewJitCrashCategorizeRule(cfg JitConfig, dumpField string, commander Commander) *JitCrashCategorizeRule {
	if cfg.CommandLine == "" {
		cfg.CommandLine = DefaultJitCommandLine
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 120
	}
	if dumpField == "" {
		dumpField = DefaultDumpField
	}
	if commander == nil {
		commander = ExecCommander{}
	}
	return &JitCrashCategorizeRule{cfg: cfg, dumpField: dumpField, commander: commander}
}

func (*JitCrashCategorizeRule) Name() string { return "JitCrashCategorizeRule" }

func (r *JitCrashCategorizeRule) Predicate(c *pipeline.Crash) bool {
	if c.Processed.StringOr("product", "") != "Firefox" ||
		!strings.HasPrefix(c.Processed.StringOr("os_name", ""), "Windows") ||
		c.Processed.StringOr("cpu_arch", "") != "x86" {
		return false
	}
	if _, ok := c.Dumps[r.dumpField]; !ok {
		return false
	}

	// a module at the top of the stack is not jitted code
	if frames, ok := c.Processed.Lookup("json_dump", "crashing_thread", "frames"); ok {
		if list, ok := frames.([]any); ok && len(list) > 0 {
			if top, ok := crash.ToMap(list[0]); ok && crash.Truthy(top["module"]) {
				return false
			}
		}
	}

	signature := c.Processed.StringOr("signature", "")
	for _, suffix := range jitSignatureSuffixes {
		if strings.HasSuffix(signature, suffix) {
			return true
		}
	}
	return false
}

func (r *JitCrashCategorizeRule) CommandLine(dumpPath string) []string {
	replacer := strings.NewReplacer(
		"{kill_timeout}", strconv.Itoa(r.cfg.KillTimeout),
		"{command_path}", r.cfg.CommandPath,
		"{dump_file_path}", dumpPath,
	)
	var args []string
	for _, token := range strings.Fields(r.cfg.CommandLine) {
		args = append(args, replacer.Replace(token))
	}
	return args
}

func (r *JitCrashCategorizeRule) Action(c *pipeline.Crash) error {
	stdout, _, code, err := r.commander.Run(context.Background(), r.CommandLine(c.Dumps[r.dumpField]))
	if err != nil {
		log.WithFields(log.Fields{
			"crash_id": c.Raw.StringOr("uuid", ""),
			"command":  r.cfg.CommandPath,
			"error":    err,
		}).Warning("Can't run jit crash categorizer")
		code = -1
	}

	classifications, ok := c.Processed["classifications"].(map[string]any)
	if !ok {
		classifications = map[string]any{}
		c.Processed["classifications"] = classifications
	}
	classifications["jit"] = map[string]any{
		"category":             strings.TrimSpace(string(stdout)),
		"category_return_code": int64(code),
	}
	return nil
}
