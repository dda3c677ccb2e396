package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"crashmill/common/utils"
	"crashmill/processor/metrics"
	"crashmill/processor/pipeline"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

const DefaultCommandLine = "timeout --signal KILL {kill_timeout} {command_path} " +
	"--evil-json={raw_crash_path} " +
	"--symbols-cache={symbol_cache_path} " +
	"--symbols-tmp={symbol_tmp_path} " +
	"{symbols_urls} " +
	"--json --verbose=error {dump_file_path}"

// Commander runs an external program. A program killed by a signal reports
// the negated signal number as exit code. Err is set only when the program
// could not be run at all.
type Commander interface {
	Run(ctx context.Context, args []string) (stdout, stderr []byte, code int, err error)
}

// ExecCommander runs programs with os/exec.
type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, args []string) ([]byte, []byte, int, error) {
	if len(args) == 0 {
		return nil, nil, 0, fmt.Errorf("Empty command line")
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return stdout.Bytes(), stderr.Bytes(), 0, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return stdout.Bytes(), stderr.Bytes(), -int(ws.Signal()), nil
	}
	return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
}

type StackwalkConfig struct {
	DumpField       string
	CommandPath     string
	CommandLine     string
	KillTimeout     int
	SymbolsUrls     []string
	SymbolCachePath string
	SymbolTmpPath   string
}

// MinidumpStackwalkRule runs minidump-stackwalk over every minidump of the
// crash and stores its output.
type MinidumpStackwalkRule struct {
	pipeline.Base
	cfg       StackwalkConfig
	commander Commander
	sink      metrics.Sink
	version   string
}

// NewMinidumpStackwalkRule probes the stackwalker version and creates the
// symbol directories.
func NewMinidumpStackwalkRule(cfg StackwalkConfig, commander Commander, sink metrics.Sink) (*MinidumpStackwalkRule, error) {
	if cfg.DumpField == "" {
		cfg.DumpField = DefaultDumpField
	}
	if cfg.CommandLine == "" {
		cfg.CommandLine = DefaultCommandLine
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 600
	}
	if commander == nil {
		commander = ExecCommander{}
	}
	if sink == nil {
		sink = metrics.Nop{}
	}

	stdout, _, code, err := commander.Run(context.Background(), []string{cfg.CommandPath, "--version"})
	if err != nil {
		return nil, fmt.Errorf("MinidumpStackwalkRule: can't get version: %s", err.Error())
	}
	if code != 0 {
		return nil, fmt.Errorf("MinidumpStackwalkRule: unknown error when getting version: %d %s", code, stdout)
	}

	for _, dir := range []string{cfg.SymbolTmpPath, cfg.SymbolCachePath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	return &MinidumpStackwalkRule{
		cfg:       cfg,
		commander: commander,
		sink:      sink,
		version:   strings.TrimSpace(string(stdout)),
	}, nil
}

func (*MinidumpStackwalkRule) Name() string { return "MinidumpStackwalkRule" }

func (r *MinidumpStackwalkRule) Version() string {
	return r.version
}

// CommandLine expands the template. The template is split on whitespace
// first so paths with spaces stay one argument.
func (r *MinidumpStackwalkRule) CommandLine(dumpPath, rawCrashPath string) []string {
	replacer := strings.NewReplacer(
		"{kill_timeout}", strconv.Itoa(r.cfg.KillTimeout),
		"{command_path}", r.cfg.CommandPath,
		"{raw_crash_path}", rawCrashPath,
		"{symbol_cache_path}", r.cfg.SymbolCachePath,
		"{symbol_tmp_path}", r.cfg.SymbolTmpPath,
		"{dump_file_path}", dumpPath,
	)

	var args []string
	for _, token := range strings.Fields(r.cfg.CommandLine) {
		if token == "{symbols_urls}" {
			for _, url := range r.cfg.SymbolsUrls {
				args = append(args, "--symbols-url="+strings.TrimSpace(url))
			}
			continue
		}
		args = append(args, replacer.Replace(token))
	}
	return args
}

func (r *MinidumpStackwalkRule) Action(c *pipeline.Crash) error {
	crashId := c.Raw.StringOr("uuid", "")
	if _, ok := c.Processed["additional_minidumps"]; !ok {
		c.Processed["additional_minidumps"] = []any{}
	}

	names := make([]string, 0, len(c.Dumps))
	for name := range c.Dumps {
		if strings.HasPrefix(name, r.cfg.DumpField) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	rawCrashPath, err := r.writeRawCrash(c)
	if err != nil {
		return err
	}
	defer os.Remove(rawCrashPath)

	for _, name := range names {
		path := c.Dumps[name]
		info, err := os.Stat(path)
		if err != nil {
			return err
		}

		var data map[string]any
		if info.Size() == 0 {
			data = map[string]any{
				"json_dump":          map[string]any{},
				"mdsw_return_code":   0,
				"mdsw_status_string": "EmptyMinidump",
				"mdsw_stderr":        "Shortcut for 0-bytes minidump.",
				"success":            false,
				"stackwalk_version":  r.version,
			}
			c.Status.Add(fmt.Sprintf("MinidumpStackwalkRule: %s is empty--skipping minidump processing", name))
		} else {
			log.WithFields(log.Fields{
				"crash_id": crashId,
				"dump":     name,
				"size":     humanize.Bytes(uint64(info.Size())),
			}).Debug("Run stackwalker")
			data = r.run(c, crashId, r.CommandLine(path, rawCrashPath))
		}

		if name == r.cfg.DumpField {
			for k, v := range data {
				c.Processed[k] = v
			}
			continue
		}

		dumps := stringsOf(c.Processed["additional_minidumps"])
		if !slices.Contains(dumps, name) {
			c.Processed["additional_minidumps"] = anySlice(append(dumps, name))
		}
		sub, ok := c.Processed[name].(map[string]any)
		if !ok {
			sub = map[string]any{}
			c.Processed[name] = sub
		}
		for k, v := range data {
			sub[k] = v
		}
	}
	return nil
}

func (r *MinidumpStackwalkRule) writeRawCrash(c *pipeline.Crash) (string, error) {
	data, err := json.Marshal(c.Raw)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(c.TmpDir, "raw-crash-*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (r *MinidumpStackwalkRule) run(c *pipeline.Crash, crashId string, args []string) map[string]any {
	ctx := context.Background()
	stdout, stderr, code, err := r.commander.Run(ctx, args)
	if err != nil {
		log.WithFields(log.Fields{
			"crash_id": crashId,
			"command":  r.cfg.CommandPath,
			"error":    err,
		}).Warning("Can't run stackwalker")
		code = -1
	}

	output := map[string]any{}
	nonJson := false
	var decoded any
	if err := json.Unmarshal(stdout, &decoded); err != nil {
		nonJson = true
		log.WithFields(log.Fields{
			"crash_id": crashId,
			"output":   utils.Truncate(string(stdout), 1000),
			"error":    err,
		}).Debug("Non-json output of stackwalker")
	} else if m, ok := decoded.(map[string]any); ok {
		output = m
	} else {
		nonJson = true
	}

	status, ok := output["status"].(string)
	if !ok {
		status = "unknown error"
	}
	success := status == "OK"

	outcome := "fail"
	if success {
		outcome = "success"
	}
	r.sink.Increment("processor.minidumpstackwalk.run", "outcome:"+outcome, fmt.Sprintf("exitcode:%d", code))

	if code == -9 {
		msg := "MinidumpStackwalkRule: minidump-stackwalk: timeout (SIGKILL)"
		c.Status.Add(msg)
		log.WithField("crash_id", crashId).Warning(msg)
	} else if code != 0 || !success {
		msg := fmt.Sprintf("MinidumpStackwalkRule: minidump-stackwalk: failed: %d: %s", code, status)
		if code == -6 {
			msg += " (SIGABRT)"
		}
		c.Status.Add(msg)
		log.WithField("crash_id", crashId).Warning(msg)
	}
	if nonJson {
		msg := "MinidumpStackwalkRule: minidump-stackwalk: non-json output"
		c.Status.Add(msg)
		log.WithField("crash_id", crashId).Error(msg)
	}

	return map[string]any{
		"json_dump":          output,
		"mdsw_return_code":   code,
		"mdsw_status_string": status,
		"mdsw_stderr":        string(stderr),
		"success":            success,
		"stackwalk_version":  r.version,
	}
}
