// Package minidump describes the JSON document produced by the stackwalker
package minidump

import (
	"encoding/json"
	"strconv"
)

type CrashInfo struct {
	Address        string `json:"address,omitempty"`
	CrashingThread *int   `json:"crashing_thread,omitempty"`
	Type           string `json:"type,omitempty"`
}

type ModuleInfo struct {
	Address        string `json:"base_addr,omitempty"`
	CodeId         string `json:"code_id,omitempty"`
	DebugFile      string `json:"debug_file,omitempty"`
	DebugId        string `json:"debug_id,omitempty"`
	EndAddr        string `json:"end_addr,omitempty"`
	File           string `json:"filename,omitempty"`
	Version        string `json:"version,omitempty"`
	LoadedSymbols  bool   `json:"loaded_symbols,omitempty"`
	MissingSymbols bool   `json:"missing_symbols,omitempty"`
	SymbolUrl      string `json:"symbol_url,omitempty"`
}

type SysInfo struct {
	CpuArch   string `json:"cpu_arch,omitempty"`
	CpuCount  int    `json:"cpu_count,omitempty"`
	CpuInfo   string `json:"cpu_info,omitempty"`
	OS        string `json:"os,omitempty"`
	OSVersion string `json:"os_ver,omitempty"`
}

// Line is a number in stackwalker output, but hand made documents carry
// strings too.
type Line int

func (l *Line) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		i, err := strconv.ParseFloat(string(n), 64)
		if err == nil {
			*l = Line(i)
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i, _ := strconv.Atoi(s)
		*l = Line(i)
	}
	return nil
}

type Frame struct {
	File           string            `json:"file,omitempty"`
	Frame          int               `json:"frame"`
	Function       string            `json:"function,omitempty"`
	FunctionOffset string            `json:"function_offset,omitempty"`
	Line           Line              `json:"line,omitempty"`
	Module         string            `json:"module,omitempty"`
	ModuleOffset   string            `json:"module_offset,omitempty"`
	Offset         string            `json:"offset,omitempty"`
	Registers      map[string]string `json:"registers,omitempty"`
	Trust          string            `json:"trust,omitempty"`
}

type ThreadInfo struct {
	FrameCount int     `json:"frame_count,omitempty"`
	Frames     []Frame `json:"frames"`
	ThreadName string  `json:"thread_name,omitempty"`
	Truncated  bool    `json:"truncated,omitempty"`
}

type CrashingThread struct {
	Frames      []Frame `json:"frames"`
	ThreadIndex int     `json:"threads_index"`
	ThreadName  string  `json:"thread_name,omitempty"`
	TotalFrames int     `json:"total_frames,omitempty"`
	Truncated   bool    `json:"truncated,omitempty"`
}

// Context is the json_dump part of a processed crash.
type Context struct {
	CrashInfo      CrashInfo       `json:"crash_info"`
	CrashingThread *CrashingThread `json:"crashing_thread,omitempty"`
	MainModule     *int            `json:"main_module,omitempty"`
	Modules        []ModuleInfo    `json:"modules,omitempty"`
	Pid            *int            `json:"pid,omitempty"`
	Status         string          `json:"status,omitempty"`
	SystemInfo     SysInfo         `json:"system_info"`
	ThreadCount    int             `json:"thread_count,omitempty"`
	Threads        []ThreadInfo    `json:"threads,omitempty"`
}

// FromDocument converts the dynamic json_dump value. Fields of the wrong
// type make the whole conversion fail.
func FromDocument(v any) (*Context, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// FrameFromDocument converts one frame, tolerating bad field types by
// dropping them.
func FrameFromDocument(v map[string]any) Frame {
	var f Frame
	data, err := json.Marshal(v)
	if err != nil {
		return f
	}
	if json.Unmarshal(data, &f) == nil {
		return f
	}
	f = Frame{}
	if s, ok := v["file"].(string); ok {
		f.File = s
	}
	if s, ok := v["function"].(string); ok {
		f.Function = s
	}
	if s, ok := v["module"].(string); ok {
		f.Module = s
	}
	if s, ok := v["module_offset"].(string); ok {
		f.ModuleOffset = s
	}
	if s, ok := v["offset"].(string); ok {
		f.Offset = s
	}
	if raw, err := json.Marshal(v["line"]); err == nil {
		_ = f.Line.UnmarshalJSON(raw)
	}
	return f
}
