package prompt

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Clean converts accumulated model output into the text to show or insert
// after preceding. Anything before the first output tag is dropped. While
// partial is true, text is held back until that tag arrives, and a tag or
// marker that may still be arriving is not shown.
func Clean(raw, preceding string, partial bool) string {
	s := raw
	if idx := strings.Index(s, OutputOpen); idx >= 0 {
		s = s[idx+len(OutputOpen):]
	} else if partial {
		return ""
	}

	if idx := strings.Index(s, OutputClose); idx >= 0 {
		s = s[:idx]
	} else if partial {
		s = trimPartialSuffix(s, OutputClose)
	}
	s = strings.TrimSuffix(s, "\n")

	leadingSpace := false
	switch {
	case strings.HasPrefix(s, SpaceMarker):
		s = s[len(SpaceMarker):]
		leadingSpace = true
	case partial && s != "" && strings.HasPrefix(SpaceMarker, s):
		return ""
	}
	s = strings.ReplaceAll(s, SpaceMarker, " ")
	if partial {
		s = trimPartialSuffix(s, SpaceMarker)
	}

	if leadingSpace && s != "" && !endsInSpace(preceding) {
		s = " " + s
	}
	return s
}

// trimPartialSuffix drops the longest proper prefix of tag found at the end of s.
func trimPartialSuffix(s, tag string) string {
	for n := len(tag) - 1; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return s[:len(s)-n]
		}
	}
	return s
}

func endsInSpace(s string) bool {
	r, size := utf8.DecodeLastRuneInString(s)
	return size > 0 && unicode.IsSpace(r)
}
