package signature

import "fmt"

// Result accumulates the output of the signature rules.
type Result struct {
	Signature string
	Notes     []string
	DebugLog  []string
	Extra     map[string]any
}

func NewResult() *Result {
	return &Result{Extra: map[string]any{}}
}

func (r *Result) SetSignature(rule, signature string) {
	r.Debug(rule, `change: "%s" -> "%s"`, r.Signature, signature)
	r.Signature = signature
}

// Info adds a user visible note. Args are applied to msg only when given.
func (r *Result) Info(rule, msg string, args ...any) {
	r.Notes = append(r.Notes, rule+": "+format(msg, args))
}

func (r *Result) Debug(rule, msg string, args ...any) {
	r.DebugLog = append(r.DebugLog, rule+": "+format(msg, args))
}

func format(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
