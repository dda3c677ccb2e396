package signature

import (
	"strings"

	"crashmill/common/format/crash"
	"crashmill/common/format/minidump"
)

// CrashData is the part of a processed crash that signature rules read.
type CrashData struct {
	CrashId string
	// CrashingThread is nil when the stackwalker did not identify it
	CrashingThread *int
	Threads        []minidump.ThreadInfo
	OS             string
	// HangType is -1 for hangs, 1 for chrome hangs and 0 otherwise
	HangType             int
	JavaStackTrace       any
	OOMAllocationSize    any
	AbortMessage         string
	MdswStatusString     string
	AsyncShutdownTimeout string
	JitCategory          string
	IPCChannelError      string
	IPCMessageName       string
	MozCrashReason       string
	// AdditionalMinidumps is the comma joined list of extra dump names
	AdditionalMinidumps string
}

// NewCrashData reads the signature inputs out of a processed crash. Fields
// of unexpected types are treated as missing.
func NewCrashData(processed crash.Document) *CrashData {
	data := &CrashData{
		CrashId:              processed.StringOr("uuid", ""),
		JavaStackTrace:       javaStackTrace(processed),
		OOMAllocationSize:    processed["oom_allocation_size"],
		AbortMessage:         processed.StringOr("abort_message", ""),
		MdswStatusString:     processed.StringOr("mdsw_status_string", ""),
		AsyncShutdownTimeout: processed.StringOr("async_shutdown_timeout", ""),
		IPCChannelError:      processed.StringOr("ipc_channel_error", ""),
		IPCMessageName:       processed.StringOr("ipc_message_name", ""),
		MozCrashReason:       processed.StringOr("moz_crash_reason", ""),
	}

	if v, ok := processed.Lookup("classifications", "jit", "category"); ok {
		data.JitCategory, _ = v.(string)
	}

	if hang, ok := processed.Int("hang_type"); ok {
		data.HangType = int(hang)
	}

	if dumps, ok := processed.Slice("additional_minidumps"); ok {
		names := make([]string, 0, len(dumps))
		for _, d := range dumps {
			if s, ok := d.(string); ok {
				names = append(names, s)
			}
		}
		data.AdditionalMinidumps = strings.Join(names, ",")
	} else if names, ok := processed["additional_minidumps"].([]string); ok {
		data.AdditionalMinidumps = strings.Join(names, ",")
	}

	if dump, ok := processed["json_dump"]; ok {
		if ctx, err := minidump.FromDocument(dump); err == nil {
			data.CrashingThread = ctx.CrashInfo.CrashingThread
			data.OS = ctx.SystemInfo.OS
			data.Threads = ctx.Threads
		} else {
			data.readJsonDump(processed)
		}
	}
	return data
}

// javaStackTrace prefers the trace as submitted over the public one.
func javaStackTrace(processed crash.Document) any {
	if trace, ok := processed["java_stack_trace_raw"]; ok && crash.Truthy(trace) {
		return trace
	}
	return processed["java_stack_trace"]
}

// readJsonDump picks the signature inputs out of a json_dump that does not
// decode as a whole.
func (data *CrashData) readJsonDump(processed crash.Document) {
	if v, ok := processed.Lookup("json_dump", "crash_info", "crashing_thread"); ok {
		if i, ok := crash.ToInt(v); ok {
			n := int(i)
			data.CrashingThread = &n
		}
	}
	if v, ok := processed.Lookup("json_dump", "system_info", "os"); ok {
		data.OS, _ = v.(string)
	}
	if v, ok := processed.Lookup("json_dump", "threads"); ok {
		data.Threads = threadsOf(v)
	}
}

func threadsOf(v any) []minidump.ThreadInfo {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	threads := make([]minidump.ThreadInfo, 0, len(list))
	for _, item := range list {
		var thread minidump.ThreadInfo
		if m, ok := crash.ToMap(item); ok {
			frames, _ := m["frames"].([]any)
			for _, f := range frames {
				if fm, ok := crash.ToMap(f); ok {
					thread.Frames = append(thread.Frames, minidump.FrameFromDocument(fm))
				}
			}
		}
		threads = append(threads, thread)
	}
	return threads
}
