package signature

import (
	"strings"
)

func isException(exceptions []string, before, token string) bool {
	for _, s := range exceptions {
		if strings.HasSuffix(before, s) || strings.Contains(token, s) {
			return true
		}
	}
	return false
}

// Collapse replaces every outermost open...close group of function with
// replacement. A group stays when the text before it ends with an exception
// or the group contains one. Unclosed groups run to the end of the string.
func Collapse(function string, open, close byte, replacement string, exceptions ...string) string {
	var (
		collapsed strings.Builder
		token     strings.Builder
		before    string
		depth     int
	)

	flush := func() {
		if isException(exceptions, before, token.String()) {
			collapsed.WriteString(token.String())
		} else {
			collapsed.WriteString(replacement)
		}
		token.Reset()
	}

	for i := 0; i < len(function); i++ {
		char := function[i]
		if depth == 0 {
			if char == open && !isException(exceptions, function[:i], "") {
				depth++
				before = function[:i]
				token.WriteByte(char)
			} else {
				collapsed.WriteByte(char)
			}
			continue
		}

		token.WriteByte(char)
		switch char {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				flush()
			}
		}
	}
	if depth > 0 {
		flush()
	}
	return collapsed.String()
}

var delimiters = map[byte]byte{
	'(': ')',
	'{': '}',
	'[': ']',
	'<': '>',
	'`': '\'',
}

func isClose(c byte) bool {
	switch c {
	case ')', '}', ']', '>', '\'':
		return true
	}
	return false
}

// DropPrefixAndReturnType removes qualifiers and the return type in front of
// a C/C++ function name. Spaces inside any bracket pair do not split.
func DropPrefixAndReturnType(function string) string {
	var (
		tokens  []string
		levels  []byte
		current strings.Builder
	)

	for i := 0; i < len(function); i++ {
		char := function[i]
		switch {
		case delimiters[char] != 0:
			levels = append(levels, char)
			current.WriteByte(char)
		case isClose(char):
			if len(levels) > 0 && delimiters[levels[len(levels)-1]] == char {
				levels = levels[:len(levels)-1]
			}
			current.WriteByte(char)
		case len(levels) > 0:
			current.WriteByte(char)
		case char == ' ':
			tokens = append(tokens, current.String())
			current.Reset()
		default:
			current.WriteByte(char)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	if len(tokens) == 0 {
		return ""
	}

	// "f (int)" and "f() [clone .cold.1]" keep their tails
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		if !strings.HasPrefix(last, "(") && !strings.HasPrefix(last, "[clone") {
			break
		}
		joined := tokens[len(tokens)-2] + " " + last
		tokens = append(tokens[:len(tokens)-2], joined)
	}
	return tokens[len(tokens)-1]
}

// ParseSourceFile extracts the repository path from a stackwalker file
// field. It returns "" when the value has no recognizable form.
func ParseSourceFile(sourceFile string) string {
	if sourceFile == "" {
		return ""
	}
	parts := strings.Split(sourceFile, ":")
	switch {
	case len(parts) == 4:
		// vcs:root:path:revision
		return parts[2]
	case len(parts) == 2:
		// drive letter
		return parts[1]
	case strings.HasPrefix(sourceFile, "/"):
		return sourceFile
	}
	return ""
}

// DropBadCharacters keeps printable ASCII only.
func DropBadCharacters(text string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r > 126 {
			return -1
		}
		return r
	}, text)
}
