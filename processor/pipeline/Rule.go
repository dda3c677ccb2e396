// Package pipeline contains objects for processing by a conveyor
package pipeline

import (
	"crashmill/common/format/crash"
	"crashmill/processor/status"
)

// Crash is everything a rule sees during one run. Raw, Processed and
// Status belong to this run only.
type Crash struct {
	Raw       crash.Document
	Dumps     map[string]string
	Processed crash.Document
	TmpDir    string
	Status    *status.Status
}

// Pipeline stage
type Rule interface {
	Name() string
	// Predicate reports whether Action applies to the crash
	Predicate(c *Crash) bool
	// Action changes the crash. Errors are for unexpected failures only,
	// expected problems become status notes.
	Action(c *Crash) error
}

// Act runs the action of r when its predicate holds.
func Act(r Rule, c *Crash) error {
	if !r.Predicate(c) {
		return nil
	}
	return r.Action(c)
}

// Base is embedded by rules that apply to every crash.
type Base struct{}

func (Base) Predicate(*Crash) bool { return true }

type Rulesets map[string][]Rule
