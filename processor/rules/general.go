package rules

import (
	"crashmill/common/format/crash"
	"crashmill/common/utils"
	"crashmill/processor/pipeline"
)

// DeNullRule removes NUL characters from raw crash keys and string values.
type DeNullRule struct {
	pipeline.Base
}

func (DeNullRule) Name() string { return "DeNullRule" }

func (DeNullRule) Action(c *pipeline.Crash) error {
	keys := make([]string, 0, len(c.Raw))
	for k := range c.Raw {
		keys = append(keys, k)
	}
	for _, k := range keys {
		v := c.Raw[k]
		clean := utils.StripNull(k)
		if clean != k {
			delete(c.Raw, k)
		}
		c.Raw[clean] = deNull(v)
	}
	return nil
}

func deNull(v any) any {
	switch t := v.(type) {
	case string:
		return utils.StripNull(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[utils.StripNull(k)] = deNull(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = deNull(val)
		}
		return t
	}
	return v
}

// DeNoneRule drops raw crash keys holding null.
type DeNoneRule struct {
	pipeline.Base
}

func (DeNoneRule) Name() string { return "DeNoneRule" }

func (DeNoneRule) Action(c *pipeline.Crash) error {
	for k, v := range c.Raw {
		if v == nil {
			delete(c.Raw, k)
		}
	}
	return nil
}

// IdentifierRule copies the crash id.
type IdentifierRule struct{}

func (IdentifierRule) Name() string { return "IdentifierRule" }

func (IdentifierRule) Predicate(c *pipeline.Crash) bool {
	return c.Raw.Has("uuid")
}

func (IdentifierRule) Action(c *pipeline.Crash) error {
	c.Processed["crash_id"] = c.Raw["uuid"]
	c.Processed["uuid"] = c.Raw["uuid"]
	return nil
}

type CPUInfoRule struct {
	pipeline.Base
}

var androidABIs = map[string]string{
	"armeabi-v7a": "arm",
	"arm64-v8a":   "arm64",
	"x86":         "x86",
	"x86_64":      "amd64",
}

func (CPUInfoRule) Name() string { return "CPUInfoRule" }

func (CPUInfoRule) Action(c *pipeline.Crash) error {
	c.Processed["cpu_info"] = lookupString(c.Processed, "unknown", "json_dump", "system_info", "cpu_info")

	count := int64(0)
	if v, ok := c.Processed.Lookup("json_dump", "system_info", "cpu_count"); ok {
		count, _ = crash.ToInt(v)
	}
	c.Processed["cpu_count"] = count

	arch := lookupString(c.Processed, "", "json_dump", "system_info", "cpu_arch")
	if arch == "" {
		if abi, ok := c.Raw.String("Android_CPU_ABI"); ok && abi != "" {
			arch = abi
			if mapped, ok := androidABIs[abi]; ok {
				arch = mapped
			}
		}
	}
	if arch == "" {
		arch = "unknown"
	}
	c.Processed["cpu_arch"] = arch
	return nil
}

type OSInfoRule struct {
	pipeline.Base
}

func (OSInfoRule) Name() string { return "OSInfoRule" }

func (OSInfoRule) Action(c *pipeline.Crash) error {
	c.Processed["os_name"] = lookupString(c.Processed, "Unknown", "json_dump", "system_info", "os")
	c.Processed["os_version"] = lookupString(c.Processed, "", "json_dump", "system_info", "os_ver")
	return nil
}
