package pipeline

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"time"
	"unicode"

	"crashmill/common/format/crash"
	"crashmill/processor/metrics"
	"crashmill/processor/status"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
)

const EmptySignature = "EMPTY: crash failed to process"

type Pipeline struct {
	rulesets  Rulesets
	hostId    string
	tmpPath   string
	sink      metrics.Sink
	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Pipeline)

func WithHostId(id string) Option {
	return func(p *Pipeline) { p.hostId = id }
}

func WithTmpPath(path string) Option {
	return func(p *Pipeline) { p.tmpPath = path }
}

func WithSink(s metrics.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(rulesets Rulesets, opts ...Option) *Pipeline {
	host, _ := os.Hostname()
	p := &Pipeline{
		rulesets: rulesets,
		hostId:   host,
		tmpPath:  os.TempDir(),
		sink:     metrics.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rulesets returns the configured ruleset names, sorted.
func (p *Pipeline) Rulesets() []string {
	names := make([]string, 0, len(p.rulesets))
	for name := range p.rulesets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProcessCrash runs a ruleset and returns the processed crash. Rule
// failures are recorded in processor_notes and never returned.
func (p *Pipeline) ProcessCrash(ruleset string, raw crash.Document, dumps map[string]string, processed crash.Document) crash.Document {
	if processed == nil {
		processed = crash.Document{}
	}
	// Rules see a copy so the stored raw crash stays as submitted.
	raw = raw.Copy()
	if raw == nil {
		raw = crash.Document{}
	}
	st := status.New()

	start := crash.Format(p.now().UTC())
	processed["success"] = false
	processed["started_datetime"] = start
	processed["signature"] = EmptySignature
	st.Add(fmt.Sprintf(">>> Start processing: %s (%s)", start, p.hostId))

	crashId, _ := raw.String("uuid")
	logger := log.WithFields(log.Fields{
		"crash_id": crashId,
		"ruleset":  ruleset,
	})

	rules, ok := p.rulesets[ruleset]
	if !ok {
		logger.Warning("Can't find ruleset")
		st.Add("error: no ruleset: " + ruleset)
		rotateNotes(processed, st)
		return processed
	}

	tmpDir, err := os.MkdirTemp(p.tmpPath, "crash-")
	if err != nil {
		logger.WithError(err).Error("Can't create temporary directory")
		tmpDir = ""
	} else {
		defer p.removeTmp(tmpDir)
	}

	c := &Crash{
		Raw:       raw,
		Dumps:     dumps,
		Processed: processed,
		TmpDir:    tmpDir,
		Status:    st,
	}

	for _, rule := range rules {
		if err := p.run(rule, c); err != nil {
			p.sink.CaptureException(err, map[string]string{
				"rule":     rule.Name(),
				"crash_id": crashId,
			})
			logger.WithFields(log.Fields{
				"rule":  rule.Name(),
				"error": err,
			}).Error("Rule failed")
			st.Add(fmt.Sprintf("ruleset '%s' rule '%s' failed: %s", ruleset, rule.Name(), ErrorTypeName(err)))
		}
	}

	// Finalize
	processed["success"] = true
	rotateNotes(processed, st)
	processed["completed_datetime"] = crash.Format(p.now().UTC())

	logger.WithField("signature", processed["signature"]).Debug("Crash processed")
	return processed
}

func (p *Pipeline) run(rule Rule, c *Crash) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, stack: errors.Wrap(r, 2)}
		}
	}()
	return Act(rule, c)
}

func (p *Pipeline) removeTmp(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.WithFields(log.Fields{
			"path":  dir,
			"error": err,
		}).Warning("Can't remove temporary directory")
	}
}

// Close closes every rule holding resources, in ruleset name then rule
// order. Rules shared by several rulesets are closed once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		seen := map[Rule]bool{}
		for _, name := range p.Rulesets() {
			for _, rule := range p.rulesets[name] {
				closer, ok := rule.(io.Closer)
				if !ok || seen[rule] {
					continue
				}
				seen[rule] = true
				if err := closer.Close(); err != nil {
					log.WithFields(log.Fields{
						"rule":  rule.Name(),
						"error": err,
					}).Warning("Can't close rule")
					if p.closeErr == nil {
						p.closeErr = err
					}
				}
			}
		}
	})
	return p.closeErr
}

// rotateNotes moves the notes of the previous run to the front of
// processor_history and stores the notes of this run.
func rotateNotes(processed crash.Document, st *status.Status) {
	history := historyOf(processed["processor_history"])
	if prev, ok := processed.String("processor_notes"); ok && prev != "" {
		history = append([]string{prev}, history...)
	}
	processed["processor_history"] = history
	processed["processor_notes"] = st.String()
}

func historyOf(v any) []string {
	switch h := v.(type) {
	case []string:
		return append([]string{}, h...)
	case []any:
		res := make([]string, 0, len(h))
		for _, item := range h {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	}
	return []string{}
}

// PanicError carries a value recovered from a panicking rule.
type PanicError struct {
	Value any
	stack *errors.Error
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) ErrorStack() string {
	return e.stack.ErrorStack()
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return e.stack
}

// ErrorTypeName names the kind of an error without its message. Anonymous
// standard library errors are reported as "Error".
func ErrorTypeName(err error) string {
	if pe, ok := err.(*PanicError); ok {
		inner, isErr := pe.Value.(error)
		if !isErr {
			return "Panic"
		}
		if _, isRuntime := inner.(runtime.Error); isRuntime {
			return "RuntimeError"
		}
		err = inner
	}
	for {
		ge, ok := err.(*errors.Error)
		if !ok || ge.Err == nil {
			break
		}
		err = ge.Err
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || unicode.IsLower([]rune(name)[0]) {
		return "Error"
	}
	return name
}
