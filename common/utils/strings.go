package utils

import (
	"strings"
	"unicode"
)

//Remove control symbols
func Trim(str string) string {
	return strings.TrimFunc(str, func(c rune) bool {
		return unicode.IsControl(c)
	})
}

//Remove NUL bytes anywhere in the string
func StripNull(str string) string {
	if strings.IndexByte(str, 0) < 0 {
		return str
	}
	return strings.ReplaceAll(str, "\x00", "")
}

// Truncate to at most n bytes without splitting a rune
func Truncate(str string, n int) string {
	if len(str) <= n {
		return str
	}
	for n > 0 && !utf8RuneStart(str[n]) {
		n--
	}
	return str[:n]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
