package rules

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"crashmill/common/format/crash"
	"crashmill/processor/pipeline"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

const (
	MemoryReportDump = "memory_report"

	// uncompressed memory reports larger than this are refused
	MaxMemoryReportSize = 20 * 1024 * 1024
)

// OutOfMemoryBinaryRule decodes the gzipped JSON memory report attached to
// out of memory crashes.
type OutOfMemoryBinaryRule struct{}

func (OutOfMemoryBinaryRule) Name() string { return "OutOfMemoryBinaryRule" }

func (OutOfMemoryBinaryRule) Predicate(c *pipeline.Crash) bool {
	_, ok := c.Dumps[MemoryReportDump]
	return ok
}

func (OutOfMemoryBinaryRule) Action(c *pipeline.Crash) error {
	path := c.Dumps[MemoryReportDump]
	report, err := readMemoryReport(path)
	if err != nil {
		c.Status.Add(err.Error())
		c.Processed["memory_report_error"] = err.Error()
		return nil
	}
	c.Processed["memory_report"] = report
	return nil
}

func readMemoryReport(path string) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error in gzip for %s: %s", path, err.Error())
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("error in gzip for %s: %s", path, err.Error())
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, MaxMemoryReportSize+1))
	if err != nil {
		return nil, fmt.Errorf("error in gzip for %s: %s", path, err.Error())
	}
	if len(data) > MaxMemoryReportSize {
		return nil, fmt.Errorf("Uncompressed memory info too large %d (max: %d)", len(data), MaxMemoryReportSize)
	}

	var report any
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("error in json for %s: %s", path, err.Error())
	}
	return report, nil
}

const (
	unitsBytes = 0

	kindNonheap = 0
	kindHeap    = 1
)

// reports counted as is, by exact path
var memoryMeasurePaths = map[string]string{
	"gfx-textures":          "gfx_textures",
	"ghost-windows":         "ghost_windows",
	"heap-allocated":        "heap_allocated",
	"heap-overhead":         "heap_overhead",
	"host-object-urls":      "host_object_urls",
	"private":               "private",
	"resident":              "resident",
	"resident-unique":       "resident_unique",
	"system-heap-allocated": "system_heap_allocated",
	"vsize":                 "vsize",
	"vsize-max-contiguous":  "vsize_max_contiguous",
}

// reports summed up by path prefix
var memoryMeasurePrefixes = []struct {
	prefix  string
	measure string
}{
	{"explicit/images/", "images"},
	{"js-main-runtime/", "js_main_runtime"},
	{"explicit/window-objects/top(none)/detached/", "top_none_detached"},
}

// MemoryReportExtraction sums the memory report entries of the crashed
// process into memory_measures.
type MemoryReportExtraction struct{}

func (MemoryReportExtraction) Name() string { return "MemoryReportExtraction" }

func (MemoryReportExtraction) Predicate(c *pipeline.Crash) bool {
	if _, ok := c.Processed.Lookup("json_dump", "pid"); !ok {
		return false
	}
	_, ok := c.Processed.Lookup("memory_report", "reports")
	return ok
}

func (MemoryReportExtraction) Action(c *pipeline.Crash) error {
	pid, _ := c.Processed.Lookup("json_dump", "pid")
	reports, _ := c.Processed.Lookup("memory_report", "reports")

	measures, err := MemoryMeasures(reports, pid)
	if err != nil {
		c.Status.Add("Trouble extracting measures from memory_report: " + err.Error())
		return nil
	}

	log.WithFields(log.Fields{
		"crash_id": c.Raw.StringOr("uuid", ""),
		"explicit": humanize.Bytes(uint64(max(0, measures["explicit"]))),
		"resident": humanize.Bytes(uint64(max(0, measures["resident"]))),
	}).Debug("Memory measures extracted")

	out := make(map[string]any, len(measures))
	for k, v := range measures {
		out[k] = v
	}
	c.Processed["memory_measures"] = out
	return nil
}

// MemoryMeasures reduces the reports of process pid.
func MemoryMeasures(reports any, pid any) (map[string]int64, error) {
	list, ok := reports.([]any)
	if !ok {
		return nil, errors.New("reports is not a list")
	}
	pidNum, ok := crash.ToInt(pid)
	if !ok {
		return nil, fmt.Errorf("bad pid %s", text(pid))
	}
	needle := fmt.Sprintf("(pid %d)", pidNum)

	measures := map[string]int64{
		"explicit":              0,
		"gfx_textures":          0,
		"ghost_windows":         0,
		"heap_allocated":        0,
		"heap_overhead":         0,
		"heap_unclassified":     0,
		"host_object_urls":      0,
		"images":                0,
		"js_main_runtime":       0,
		"private":               0,
		"resident":              0,
		"resident_unique":       0,
		"system_heap_allocated": 0,
		"top_none_detached":     0,
		"vsize":                 0,
		"vsize_max_contiguous":  0,
	}

	var explicitHeap, explicitNonheap int64
	found := false
	for i, item := range list {
		report, ok := crash.ToMap(item)
		if !ok {
			return nil, fmt.Errorf("report %d is not a dict", i)
		}
		process, _ := report["process"].(string)
		if !strings.Contains(process, needle) {
			continue
		}
		found = true

		path, ok := report["path"].(string)
		if !ok {
			return nil, fmt.Errorf("report %d has no path", i)
		}
		units, ok1 := crash.ToInt(report["units"])
		kind, ok2 := crash.ToInt(report["kind"])
		amount, ok3 := crash.ToInt(report["amount"])
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("bad report %s", path)
		}

		if strings.HasPrefix(path, "explicit/") {
			if units != unitsBytes {
				return nil, fmt.Errorf("bad units for an explicit/ report: %s, %d", path, units)
			}
			switch kind {
			case kindNonheap:
				explicitNonheap += amount
			case kindHeap:
				explicitHeap += amount
			default:
				return nil, fmt.Errorf("bad kind for an explicit/ report: %s, %d", path, kind)
			}
		}

		if measure, ok := memoryMeasurePaths[path]; ok {
			measures[measure] += amount
		}
		for _, p := range memoryMeasurePrefixes {
			if strings.HasPrefix(path, p.prefix) {
				measures[p.measure] += amount
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("no measurements found for pid %d", pidNum)
	}

	measures["heap_unclassified"] = measures["heap_allocated"] - explicitHeap
	measures["explicit"] = measures["heap_allocated"] + explicitNonheap
	return measures, nil
}
