package signature

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"crashmill/common/format/minidump"
)

var (
	fixupHash          = regexp.MustCompile(`::h[0-9a-fA-F]+$`)
	fixupLambdaNumbers = regexp.MustCompile(`::\$_\d+::`)
)

var hangPrefixes = map[int]string{
	-1: "hang",
	1:  "chromehang",
}

// CSignatureTool builds signatures out of C, C++ and Rust stacks.
type CSignatureTool struct {
	irrelevant  *Rx
	prefix      *Rx
	lineNumbers *Rx
	sentinels   []Sentinel
}

func NewCSignatureTool(lists *SigLists) *CSignatureTool {
	return &CSignatureTool{
		irrelevant:  NewRx(lists.Irrelevant),
		prefix:      NewRx(lists.Prefix),
		lineNumbers: NewRx(lists.LineNumbers),
		sentinels:   lists.Sentinels,
	}
}

func (t *CSignatureTool) NormalizeRustFunction(function string, line int) string {
	function = DropPrefixAndReturnType(function)
	function = Collapse(function, '<', '>', "<T>", " as ")
	function = Collapse(function, '(', ')', "")
	function = t.withLine(function, line)
	function = fixupSpace(function)
	function = fixupComma(function)
	return fixupHash.ReplaceAllString(function, "")
}

func (t *CSignatureTool) NormalizeCppFunction(function string, line int) string {
	// cv and ref qualifiers
	for _, ref := range []string{"const", "const&", "&&", "&"} {
		if strings.HasSuffix(function, ref) {
			function = strings.TrimSpace(strings.TrimSuffix(function, ref))
		}
	}

	if !strings.Contains(function, "::operator") {
		function = DropPrefixAndReturnType(function)
	}

	function = strings.ReplaceAll(function, "`anonymous namespace'", "(anonymous namespace)")
	function = fixupLambdaNumbers.ReplaceAllString(function, "::$$::")

	function = Collapse(function, '<', '>', "<T>", "name omitted", "IPC::ParamTraits", " in ")
	function = Collapse(function, '(', ')', "", "anonymous namespace", "operator")

	// PGO cold blocks
	if strings.Contains(function, "clone .cold") {
		function = Collapse(function, '[', ']', "")
	}

	function = t.withLine(function, line)
	function = fixupSpace(function)
	return fixupComma(function)
}

func (t *CSignatureTool) withLine(function string, line int) string {
	if t.lineNumbers.Match(function) {
		return function + ":" + strconv.Itoa(line)
	}
	return function
}

// fixupSpace drops a space in front of '*', '&' and ','.
func fixupSpace(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' && i+1 < len(s) && strings.IndexByte("*&,", s[i+1]) >= 0 {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// fixupComma puts a space after every comma.
func fixupComma(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		b.WriteByte(s[i])
		if s[i] == ',' && (i+1 >= len(s) || s[i+1] != ' ') {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// NormalizeFrame turns one stack frame into a signature element.
func (t *CSignatureTool) NormalizeFrame(frame minidump.Frame) string {
	if frame.Function != "" {
		if frame.File != "" && strings.HasSuffix(ParseSourceFile(frame.File), ".rs") {
			return t.NormalizeRustFunction(frame.Function, int(frame.Line))
		}
		return t.NormalizeCppFunction(frame.Function, int(frame.Line))
	}

	if frame.File != "" && frame.Line != 0 {
		file := strings.TrimRight(frame.File, `/\`)
		if strings.Contains(file, `\`) {
			file = file[strings.LastIndex(file, `\`)+1:]
		} else {
			file = file[strings.LastIndex(file, "/")+1:]
		}
		return fmt.Sprintf("%s#%d", file, frame.Line)
	}

	if frame.Module == "" && frame.ModuleOffset == "" && frame.Offset != "" {
		return "@" + frame.Offset
	}

	return frame.Module + "@" + frame.ModuleOffset
}

// Generate walks the normalized frames and joins the relevant ones.
func (t *CSignatureTool) Generate(frames []string, hangType int, crashedThread *int) (string, []string, []string) {
	const delimiter = " | "
	var notes, debug []string

	start := -1
	for _, sentinel := range t.sentinels {
		if !sentinel.Applies(frames) {
			continue
		}
		for i, f := range frames {
			if f == sentinel.Name {
				if start == -1 || i < start {
					start = i
				}
				break
			}
		}
	}
	if start >= 0 {
		debug = append(debug, fmt.Sprintf(`sentinel; starting at "%s" index %d`, frames[start], start))
		frames = frames[start:]
	}

	var list []string
	for _, sig := range frames {
		if t.irrelevant.Match(sig) {
			debug = append(debug, fmt.Sprintf(`irrelevant; ignoring: "%s"`, sig))
			continue
		}

		if strings.Contains(strings.ToLower(sig), ".dll") {
			sig, _, _ = strings.Cut(sig, "@")
			if len(list) > 0 && list[len(list)-1] == sig {
				continue
			}
		}

		list = append(list, sig)

		if !t.prefix.Match(sig) {
			debug = append(debug, fmt.Sprintf(`not a prefix; stop: "%s"`, sig))
			break
		}
		debug = append(debug, fmt.Sprintf(`prefix; continue iterating: "%s"`, sig))
	}

	if prefix, ok := hangPrefixes[hangType]; ok {
		debug = append(debug, fmt.Sprintf("hang_type %d: prepending %s", hangType, prefix))
		list = append([]string{prefix}, list...)
	}

	signature := strings.Join(list, delimiter)
	if signature != "" {
		return signature, notes, debug
	}

	if crashedThread == nil {
		notes = append(notes, "CSignatureTool: No signature could be created because we do not know which thread crashed")
		return "EMPTY: no crashing thread identified", notes, debug
	}

	notes = append(notes, fmt.Sprintf("CSignatureTool: No proper signature could be created because no good data for the crashing thread (%d) was found", *crashedThread))
	if len(frames) > 0 {
		return frames[0], notes, debug
	}
	return "EMPTY: no frame data available", notes, debug
}
