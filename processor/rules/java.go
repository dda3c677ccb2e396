package rules

import (
	"errors"
	"strings"

	"crashmill/processor/pipeline"
)

var ErrMalformedJavaStackTrace = errors.New("malformed java stack trace")

// JavaException is a parsed JavaStackTrace annotation.
type JavaException struct {
	Class   string
	Message string
	// "at ..." lines of the top exception without the leading tab
	Stack []string
	// Caused by and Suppressed sections as they came
	Additional []string
}

// ParseJavaStackTrace splits a Java stack trace into the exception line,
// the message, which may span several lines, and the frames.
func ParseJavaStackTrace(text string) (*JavaException, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, ErrMalformedJavaStackTrace
	}

	exc := &JavaException{}
	class, message, _ := strings.Cut(lines[0], ": ")
	exc.Class = strings.TrimSpace(class)
	if exc.Class == "" {
		return nil, ErrMalformedJavaStackTrace
	}
	msg := []string{message}

	i := 1
	for ; i < len(lines) && !strings.HasPrefix(lines[i], "\tat "); i++ {
		msg = append(msg, lines[i])
	}
	exc.Message = strings.Join(msg, "\n")

	for ; i < len(lines); i++ {
		line := lines[i]
		if len(exc.Additional) == 0 && strings.HasPrefix(line, "\tat ") {
			exc.Stack = append(exc.Stack, line[1:])
			continue
		}
		if strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "Caused by:") {
			exc.Additional = append(exc.Additional, line)
			continue
		}
		return nil, ErrMalformedJavaStackTrace
	}
	return exc, nil
}

// PublicString is the trace without any exception message.
func (e *JavaException) PublicString() string {
	lines := make([]string, 0, len(e.Stack)+1)
	lines = append(lines, e.Class)
	for _, frame := range e.Stack {
		lines = append(lines, "\t"+frame)
	}
	return strings.Join(lines, "\n")
}

// JavaProcessRule keeps the submitted Java stack trace in the protected
// java_stack_trace_raw and a copy without the message in java_stack_trace.
type JavaProcessRule struct{}

func (JavaProcessRule) Name() string { return "JavaProcessRule" }

func (JavaProcessRule) Predicate(c *pipeline.Crash) bool {
	trace, ok := c.Raw.String("JavaStackTrace")
	return ok && trace != ""
}

func (JavaProcessRule) Action(c *pipeline.Crash) error {
	trace, _ := c.Raw.String("JavaStackTrace")
	c.Processed["java_stack_trace_raw"] = trace

	exc, err := ParseJavaStackTrace(trace)
	if err != nil {
		c.Status.Add("JavaProcessRule: malformed JavaStackTrace")
		c.Processed["java_stack_trace"] = "malformed"
		return nil
	}
	c.Processed["java_stack_trace"] = exc.PublicString()
	return nil
}
