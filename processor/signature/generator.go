// Package signature generates crash signatures from stack traces
package signature

import (
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
)

// ErrorHandler receives rule failures. Extra carries the rule name.
type ErrorHandler func(data *CrashData, err error, extra map[string]string)

type Generator struct {
	rules   []Rule
	onError ErrorHandler
}

// NewGenerator builds a generator running rules in order. Nil rules means
// DefaultRules with the embedded signature lists.
func NewGenerator(rules []Rule, onError ErrorHandler) *Generator {
	if rules == nil {
		rules = DefaultRules(DefaultSigLists())
	}
	if onError == nil {
		onError = logError
	}
	return &Generator{
		rules:   rules,
		onError: onError,
	}
}

func logError(data *CrashData, err error, extra map[string]string) {
	log.WithFields(log.Fields{
		"crash_id": data.CrashId,
		"rule":     extra["rule"],
		"error":    err,
	}).Error("Signature rule failed")
}

// Generate runs every rule. A failing rule is reported and noted, the
// signature built so far is kept.
func (g *Generator) Generate(data *CrashData) *Result {
	result := NewResult()
	for _, rule := range g.rules {
		if err := g.run(rule, data, result); err != nil {
			g.onError(data, err, map[string]string{"rule": rule.Name()})
			result.Info(rule.Name(), "Rule failed: %s", err)
		}
	}
	return result
}

func (g *Generator) run(rule Rule, data *CrashData, result *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(r, 2)
		}
	}()
	if !rule.Predicate(data, result) {
		return nil
	}
	return rule.Action(data, result)
}
