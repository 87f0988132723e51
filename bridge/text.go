package bridge

import (
	"strings"
	"unicode"
)

const (
	MaxNickLength = 24
	WrapWidth     = 425
)

// WordWrap breaks every line of msg that is longer than width runes, at the
// last whitespace that still fits or hard at width when there is none.
func WordWrap(msg string, width int) string {
	var out strings.Builder
	for i, line := range strings.Split(msg, "\n") {
		if i > 0 {
			out.WriteByte('\n')
		}
		r := []rune(line)
		for len(r) > width {
			cut := 0
			for j := width; j > 0; j-- {
				if unicode.IsSpace(r[j]) {
					cut = j
					break
				}
			}
			if cut == 0 {
				out.WriteString(string(r[:width]))
				r = r[width:]
			} else {
				out.WriteString(string(r[:cut]))
				r = r[cut+1:]
			}
			out.WriteByte('\n')
		}
		out.WriteString(string(r))
	}
	return out.String()
}

// SanitizeName folds every kind of whitespace into a plain space and drops
// other control characters, so a display name stays on one IRC line.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, name)
}

func nickChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("_-[]\\`^{}|", r)
}

// SanitizeNick turns arbitrary text into something IRC accepts as a nick.
func SanitizeNick(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteByte('_')
		case nickChar(r):
			b.WriteRune(r)
		}
	}
	nick := b.String()
	if nick != "" && (nick[0] == '-' || (nick[0] >= '0' && nick[0] <= '9')) {
		nick = "_" + nick
	}
	if len(nick) > MaxNickLength {
		nick = nick[:MaxNickLength]
	}
	return nick
}

// NickFromHandle derives the default nick for a backend address: the part
// before the first @, sanitized.
func NickFromHandle(handle string) string {
	if i := strings.IndexByte(handle, '@'); i > 0 {
		handle = handle[:i]
	}
	return SanitizeNick(handle)
}

// FirstName returns the leading token of name up to the first whitespace.
func FirstName(name string) string {
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		return name[:i]
	}
	return name
}

// lineBreaks turns every CR/LF convention into a single LF and drops NULs,
// which IRC cannot carry.
var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\x00", "")

// Lines splits text on any line break and wraps each line at width.
func Lines(text string, width int) []string {
	return strings.Split(WordWrap(lineBreaks.Replace(text), width), "\n")
}

// FoldNick maps nick to its rfc1459 lower case: besides ASCII letters,
// []\~ fold to {}|^.
func FoldNick(nick string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, nick)
}

// EqualNicks compares two nicks under rfc1459 case mapping.
func EqualNicks(a, b string) bool {
	return FoldNick(a) == FoldNick(b)
}
