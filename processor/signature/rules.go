package signature

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"crashmill/common/format/crash"
	"crashmill/common/format/minidump"
)

const (
	MaxLength               = 255
	maximumFramesToConsider = 40
)

type Rule interface {
	Name() string
	Predicate(data *CrashData, result *Result) bool
	Action(data *CrashData, result *Result) error
}

// Rust 1.34 symbol files lack the module of panic functions
var fileFunctionToFunction = map[[2]string]string{
	{"src/liballoc/raw_vec.rs", "capacity_overflow"}:       "alloc::raw_vec::capacity_overflow",
	{"src/libcore/option.rs", "expect_failed"}:             "core::option::expect_failed",
	{"src/libcore/panicking.rs", "panic_bounds_check"}:     "core::panicking::panic_bounds_check",
	{"src/libcore/panicking.rs", "panic_fmt"}:              "core::panicking::panic_fmt",
	{"src/libcore/panicking.rs", "panic"}:                  "core::panicking::panic",
	{"src/libcore/slice/mod.rs", "slice_index_order_fail"}: "core::slice::slice_index_order_fail",
	{"src/libstd/panicking.rs", "begin_panic_fmt"}:         "std::panicking::begin_panic_fmt",
	{"src/libstd/panicking.rs", "continue_panic_fmt"}:      "std::panicking::continue_panic_fmt",
	{"src/libstd/panicking.rs", "rust_panic_with_hook"}:    "std::panicking::rust_panic_with_hook",
}

func fixMissingModule(frame minidump.Frame) minidump.Frame {
	if frame.File == "" || frame.Function == "" {
		return frame
	}
	if fixed, ok := fileFunctionToFunction[[2]string{ParseSourceFile(frame.File), frame.Function}]; ok {
		frame.Function = fixed
	}
	return frame
}

// SignatureGenerationRule generates the signature from the crashing thread
// or from the Java stack trace.
type SignatureGenerationRule struct {
	java JavaSignatureTool
	c    *CSignatureTool
	name string
	// thread picks the thread to walk, nil means the crashing thread
	thread func(data *CrashData) int
}

func NewSignatureGenerationRule(lists *SigLists) *SignatureGenerationRule {
	return &SignatureGenerationRule{
		c:    NewCSignatureTool(lists),
		name: "SignatureGenerationRule",
	}
}

func (r *SignatureGenerationRule) Name() string { return r.name }

func (r *SignatureGenerationRule) Predicate(*CrashData, *Result) bool { return true }

func (r *SignatureGenerationRule) crashingThread(data *CrashData) int {
	if r.thread != nil {
		return r.thread(data)
	}
	if data.HangType == 1 {
		return 0
	}
	if data.CrashingThread == nil {
		return 0
	}
	return *data.CrashingThread
}

// FrameList normalizes the first frames of a thread.
func (r *SignatureGenerationRule) FrameList(thread minidump.ThreadInfo, lowerCaseModules bool) []string {
	frames := thread.Frames
	if len(frames) > maximumFramesToConsider {
		frames = frames[:maximumFramesToConsider]
	}
	list := make([]string, 0, len(frames))
	for _, frame := range frames {
		frame = fixMissingModule(frame)
		if lowerCaseModules {
			frame.Module = strings.ToLower(frame.Module)
		}
		list = append(list, r.c.NormalizeFrame(frame))
	}
	return list
}

func (r *SignatureGenerationRule) Action(data *CrashData, result *Result) error {
	if crash.Truthy(data.JavaStackTrace) {
		result.Debug(r.name, "using JavaSignatureTool")
		signature, notes, debug := r.java.Generate(data.JavaStackTrace, ": ")
		for _, note := range notes {
			result.Info(r.name, note)
		}
		for _, note := range debug {
			result.Debug(r.name, note)
		}
		result.SetSignature(r.name, signature)
		return nil
	}

	result.Debug(r.name, "using CSignatureTool")
	var list []string
	idx := r.crashingThread(data)
	if idx >= 0 && idx < len(data.Threads) {
		list = r.FrameList(data.Threads[idx], data.OS == "Windows NT")
	}

	signature, notes, debug := r.c.Generate(list, data.HangType, data.CrashingThread)
	if len(list) > 0 {
		result.Extra["proto_signature"] = strings.Join(list, " | ")
	}
	for _, note := range notes {
		result.Info(r.name, note)
	}
	for _, note := range debug {
		result.Debug(r.name, note)
	}
	if signature != "" {
		result.SetSignature(r.name, signature)
	}
	return nil
}

// SignatureRunWatchDog regenerates shutdown hang signatures from thread 0,
// the thread that was stuck.
type SignatureRunWatchDog struct {
	*SignatureGenerationRule
}

func NewSignatureRunWatchDog(lists *SigLists) *SignatureRunWatchDog {
	rule := NewSignatureGenerationRule(lists)
	rule.name = "SignatureRunWatchDog"
	rule.thread = func(*CrashData) int { return 0 }
	return &SignatureRunWatchDog{rule}
}

func (r *SignatureRunWatchDog) Predicate(_ *CrashData, result *Result) bool {
	return strings.Contains(result.Signature, "RunWatchdog")
}

func (r *SignatureRunWatchDog) Action(data *CrashData, result *Result) error {
	if err := r.SignatureGenerationRule.Action(data, result); err != nil {
		return err
	}
	result.SetSignature(r.name, "shutdownhang | "+result.Signature)
	return nil
}

type StackwalkerErrorSignatureRule struct{}

func (StackwalkerErrorSignatureRule) Name() string { return "StackwalkerErrorSignatureRule" }

func (StackwalkerErrorSignatureRule) Predicate(data *CrashData, result *Result) bool {
	return strings.HasPrefix(result.Signature, "EMPTY") && data.MdswStatusString != ""
}

func (r StackwalkerErrorSignatureRule) Action(data *CrashData, result *Result) error {
	result.SetSignature(r.Name(), result.Signature+"; "+data.MdswStatusString)
	return nil
}

var oomFragments = []string{
	"NS_ABORT_OOM",
	"mozalloc_handle_oom",
	"CrashAtUnhandlableOOM",
	"AutoEnterOOMUnsafeRegion",
	"alloc::oom::oom",
}

// OOMSignature prepends the allocation size class to out of memory crashes.
type OOMSignature struct{}

func (OOMSignature) Name() string { return "OOMSignature" }

func (OOMSignature) Predicate(data *CrashData, result *Result) bool {
	if crash.Truthy(data.OOMAllocationSize) {
		return true
	}
	for _, fragment := range oomFragments {
		if strings.Contains(result.Signature, fragment) {
			return true
		}
	}
	return false
}

func (r OOMSignature) Action(data *CrashData, result *Result) error {
	size, ok := allocationSize(data.OOMAllocationSize)
	switch {
	case !ok:
		result.SetSignature(r.Name(), "OOM | unknown | "+result.Signature)
	case size <= 262144:
		result.SetSignature(r.Name(), "OOM | small")
	default:
		result.SetSignature(r.Name(), "OOM | large | "+result.Signature)
	}
	return nil
}

func allocationSize(v any) (int64, bool) {
	switch n := v.(type) {
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	}
	return crash.ToInt(v)
}

// AbortSignature prepends the abort message.
type AbortSignature struct{}

func (AbortSignature) Name() string { return "AbortSignature" }

func (AbortSignature) Predicate(data *CrashData, _ *Result) bool {
	return data.AbortMessage != ""
}

func (r AbortSignature) Action(data *CrashData, result *Result) error {
	msg := data.AbortMessage

	// nothing but a file name
	if strings.Contains(msg, "###!!! ABORT: file ") {
		result.SetSignature(r.Name(), "Abort | "+result.Signature)
		return nil
	}

	if _, after, found := strings.Cut(msg, "###!!! ABORT:"); found {
		msg = after
	}
	msg, _, _ = strings.Cut(msg, ": file ")

	// the parenthesized part is localized
	if strings.Contains(msg, "unable to find a usable font") {
		if open := strings.Index(msg, "("); open != -1 {
			if end := strings.LastIndex(msg, ")"); end != -1 {
				msg = msg[:open] + msg[end+1:]
			}
		}
	}

	msg = strings.TrimSpace(DropBadCharacters(msg))
	if len(msg) > 80 {
		msg = msg[:77] + "..."
	}

	result.SetSignature(r.Name(), fmt.Sprintf("Abort | %s | %s", msg, result.Signature))
	return nil
}

// SigFixWhitespace trims, turns any whitespace into spaces and collapses runs.
type SigFixWhitespace struct{}

func (SigFixWhitespace) Name() string { return "SigFixWhitespace" }

func (SigFixWhitespace) Predicate(*CrashData, *Result) bool { return true }

func (r SigFixWhitespace) Action(_ *CrashData, result *Result) error {
	sig := strings.Join(strings.Fields(result.Signature), " ")
	if sig != result.Signature {
		result.SetSignature(r.Name(), sig)
	}
	return nil
}

type SigTruncate struct{}

func (SigTruncate) Name() string { return "SigTruncate" }

func (SigTruncate) Predicate(_ *CrashData, result *Result) bool {
	return len([]rune(result.Signature)) > MaxLength
}

func (r SigTruncate) Action(_ *CrashData, result *Result) error {
	runes := []rune(result.Signature)
	result.SetSignature(r.Name(), string(runes[:MaxLength-3])+"...")
	result.Info(r.Name(), "SigTrunc: signature truncated due to length")
	return nil
}

// SignatureShutdownTimeout replaces the signature with the shutdown phase
// and the blocking conditions.
type SignatureShutdownTimeout struct{}

func (SignatureShutdownTimeout) Name() string { return "SignatureShutdownTimeout" }

func (SignatureShutdownTimeout) Predicate(data *CrashData, _ *Result) bool {
	return data.AsyncShutdownTimeout != ""
}

type missingKeyError string

func (e missingKeyError) Error() string {
	return "'" + string(e) + "'"
}

func (r SignatureShutdownTimeout) Action(data *CrashData, result *Result) error {
	parts := []string{"AsyncShutdownTimeout"}
	if err := shutdownParts(data.AsyncShutdownTimeout, &parts); err != nil {
		parts = append(parts, "UNKNOWN")
		result.Info(r.Name(), "Error parsing AsyncShutdownTimeout: %s", err)
	}

	result.Info(r.Name(), `Signature replaced with a Shutdown Timeout signature, was: "%s"`, result.Signature)
	result.SetSignature(r.Name(), strings.Join(parts, " | "))
	return nil
}

func shutdownParts(raw string, parts *[]string) error {
	var shutdown map[string]any
	if err := json.Unmarshal([]byte(raw), &shutdown); err != nil {
		return err
	}
	phase, ok := shutdown["phase"]
	if !ok {
		return missingKeyError("phase")
	}
	*parts = append(*parts, fmt.Sprint(phase))

	rawConditions, ok := shutdown["conditions"]
	if !ok {
		return missingKeyError("conditions")
	}
	list, ok := rawConditions.([]any)
	if !ok {
		return fmt.Errorf("conditions is not a list")
	}
	conditions := make([]string, 0, len(list))
	for _, c := range list {
		if m, ok := c.(map[string]any); ok {
			name, ok := m["name"]
			if !ok {
				return missingKeyError("name")
			}
			conditions = append(conditions, fmt.Sprint(name))
			continue
		}
		conditions = append(conditions, fmt.Sprint(c))
	}
	if len(conditions) == 0 {
		*parts = append(*parts, "(none)")
		return nil
	}
	sort.Strings(conditions)
	*parts = append(*parts, strings.Join(conditions, ","))
	return nil
}

type SignatureJitCategory struct{}

func (SignatureJitCategory) Name() string { return "SignatureJitCategory" }

func (SignatureJitCategory) Predicate(data *CrashData, _ *Result) bool {
	return data.JitCategory != ""
}

func (r SignatureJitCategory) Action(data *CrashData, result *Result) error {
	result.Info(r.Name(), `Signature replaced with a JIT Crash Category, was: "%s"`, result.Signature)
	result.SetSignature(r.Name(), "jit | "+data.JitCategory)
	return nil
}

// SignatureIPCChannelError prepends ShutDownKill errors and replaces the
// signature for all other IPC channel errors.
type SignatureIPCChannelError struct{}

func (SignatureIPCChannelError) Name() string { return "SignatureIPCChannelError" }

func (SignatureIPCChannelError) Predicate(data *CrashData, _ *Result) bool {
	return data.IPCChannelError != ""
}

func (r SignatureIPCChannelError) Action(data *CrashData, result *Result) error {
	prefix := "IPCError-content | "
	if data.AdditionalMinidumps == "browser" {
		prefix = "IPCError-browser | "
	}
	msg := data.IPCChannelError
	if runes := []rune(msg); len(runes) > 100 {
		msg = string(runes[:100])
	}
	sig := prefix + msg

	if data.IPCChannelError == "ShutDownKill" {
		result.Info(r.Name(), "IPC Channel Error prepended")
		sig = sig + " | " + result.Signature
	} else {
		result.Info(r.Name(), "IPC Channel Error stomped on signature")
	}
	result.SetSignature(r.Name(), sig)
	return nil
}

type SignatureIPCMessageName struct{}

func (SignatureIPCMessageName) Name() string { return "SignatureIPCMessageName" }

func (SignatureIPCMessageName) Predicate(data *CrashData, _ *Result) bool {
	return data.IPCMessageName != ""
}

func (r SignatureIPCMessageName) Action(data *CrashData, result *Result) error {
	result.SetSignature(r.Name(), result.Signature+" | IPC_Message_Name="+data.IPCMessageName)
	return nil
}

// SignatureParentIDNotEqualsChildID buckets build id mismatches together,
// their stacks do not symbolicate.
type SignatureParentIDNotEqualsChildID struct{}

func (SignatureParentIDNotEqualsChildID) Name() string { return "SignatureParentIDNotEqualsChildID" }

func (SignatureParentIDNotEqualsChildID) Predicate(data *CrashData, _ *Result) bool {
	return data.MozCrashReason == "MOZ_RELEASE_ASSERT(parentBuildID == childBuildID)"
}

func (r SignatureParentIDNotEqualsChildID) Action(_ *CrashData, result *Result) error {
	result.Info(r.Name(), `Signature replaced with MOZ_RELEASE_ASSERT, was: "%s"`, result.Signature)
	result.SetSignature(r.Name(), "parentBuildID != childBuildID")
	return nil
}

// DefaultRules returns the rules in the order they run.
func DefaultRules(lists *SigLists) []Rule {
	return []Rule{
		NewSignatureGenerationRule(lists),
		StackwalkerErrorSignatureRule{},
		OOMSignature{},
		AbortSignature{},
		SignatureShutdownTimeout{},
		NewSignatureRunWatchDog(lists),
		SignatureIPCChannelError{},
		SignatureIPCMessageName{},
		SignatureParentIDNotEqualsChildID{},
		SignatureJitCategory{},
		SigFixWhitespace{},
		SigTruncate{},
	}
}
