package metrics

import (
	"slices"
	"sync"
)

type Incr struct {
	Name string
	Tags []string
}

type Exception struct {
	Err   error
	Extra map[string]string
}

// Recorder keeps everything in memory. Used by tests and the local CLI.
type Recorder struct {
	mu         sync.Mutex
	Incrs      []Incr
	Exceptions []Exception
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Increment(name string, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Incrs = append(r.Incrs, Incr{Name: name, Tags: append([]string(nil), tags...)})
}

func (r *Recorder) CaptureException(err error, extra map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Exceptions = append(r.Exceptions, Exception{Err: err, Extra: extra})
}

// Count returns how many increments match name and carry all tags.
func (r *Recorder) Count(name string, tags ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, i := range r.Incrs {
		if i.Name != name {
			continue
		}
		matched := true
		for _, t := range tags {
			if !slices.Contains(i.Tags, t) {
				matched = false
				break
			}
		}
		if matched {
			n++
		}
	}
	return n
}

func (r *Recorder) CapturedExceptions() []Exception {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Exception(nil), r.Exceptions...)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Increment(string, ...string)                {}
func (Nop) CaptureException(error, map[string]string) {}
