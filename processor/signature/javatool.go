package signature

import (
	"regexp"
	"strings"
)

const javaDescriptionMaxLength = 255

var (
	javaLineNumberKiller = regexp.MustCompile(`\.java:\d+\)$`)
	javaHexAddrKiller    = regexp.MustCompile(`@[0-9a-f]{8}`)
)

type JavaSignatureTool struct{}

func joinIgnoreEmpty(delimiter string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, delimiter)
}

// splitLines splits on any line ending and drops the final empty line.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// Generate builds a signature from the exception line and the first frame
// of a Java stack trace. Anything but a string is rejected with a note.
func (JavaSignatureTool) Generate(source any, delimiter string) (string, []string, []string) {
	const badFormat = "EMPTY: Java stack trace not in expected format"

	trace, ok := source.(string)
	if !ok {
		return badFormat, []string{"JavaSignatureTool: stack trace not in expected format"}, nil
	}
	lines := splitLines(trace)
	if len(lines) == 0 {
		return badFormat, []string{"JavaSignatureTool: stack trace not in expected format"}, nil
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	var notes []string

	class, description, found := strings.Cut(lines[0], ":")
	if found {
		class = strings.TrimSpace(class)
		description = strings.TrimSpace(javaHexAddrKiller.ReplaceAllString(description, "@<addr>"))
	} else {
		class = lines[0]
		description = ""
		notes = append(notes, "JavaSignatureTool: stack trace line 1 is not in the expected format")
	}

	var method string
	if len(lines) > 1 {
		method = javaLineNumberKiller.ReplaceAllString(lines[1], ".java)")
		if method == "" {
			notes = append(notes, "JavaSignatureTool: stack trace line 2 is empty")
		}
	} else {
		notes = append(notes, "JavaSignatureTool: stack trace line 2 is missing")
	}

	// Only a description ending in an address gets the delimiter before
	// the method. Existing signatures depend on this.
	var signature string
	if strings.HasSuffix(description, "<addr>") {
		signature = joinIgnoreEmpty(delimiter, class, description, method)
	} else {
		signature = joinIgnoreEmpty(delimiter, class, joinIgnoreEmpty(" ", description, method))
	}

	if len(signature) > javaDescriptionMaxLength {
		signature = class + delimiter + method
		notes = append(notes, "JavaSignatureTool: dropped Java exception description due to length")
	}

	return signature, notes, nil
}
