package command

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// textToken is one lexed TEXT token. eq is the offset in value of the
// first '=' that was neither quoted nor escaped, or -1.
type textToken struct {
	value string
	eq    int
}

// lexText splits s into tokens. Outside quotes a backslash escapes the
// next character. Inside double quotes only \" and \\ are escapes; any
// other backslash is kept literally.
func lexText(s string) ([]textToken, error) {
	var (
		tokens  []textToken
		buf     strings.Builder
		inToken bool
		eq      = -1
	)

	flush := func() {
		if inToken {
			tokens = append(tokens, textToken{value: buf.String(), eq: eq})
		}
		buf.Reset()
		inToken = false
		eq = -1
	}

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case unicode.IsSpace(r):
			flush()
			i += size

		case r == '\\':
			if i+1 >= len(s) {
				return nil, parseErr(Text, i, "dangling escape")
			}
			_, nsize := utf8.DecodeRuneInString(s[i+1:])
			buf.WriteString(s[i+1 : i+1+nsize])
			inToken = true
			i += 1 + nsize

		case r == '"':
			inToken = true
			start := i
			i++
			closed := false
			for i < len(s) {
				c := s[i]
				if c == '"' {
					closed = true
					i++
					break
				}
				if c == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
					buf.WriteByte(s[i+1])
					i += 2
					continue
				}
				buf.WriteByte(c)
				i++
			}
			if !closed {
				return nil, parseErr(Text, start, "unterminated quote")
			}

		default:
			if r == '=' && eq < 0 {
				eq = buf.Len()
			}
			buf.WriteString(s[i : i+size])
			inToken = true
			i += size
		}
	}
	flush()

	return tokens, nil
}

func parseText(raw string) (*Command, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, parseErr(Text, -1, "empty command")
	}

	tokens, err := lexText(raw)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, parseErr(Text, -1, "empty command")
	}
	if tokens[0].value == "" {
		return nil, parseErr(Text, 0, "empty command name")
	}

	c := &Command{name: tokens[0].value}
	for _, tok := range tokens[1:] {
		if tok.eq >= 0 {
			c.addKwarg(tok.value[:tok.eq], tok.value[tok.eq+1:])
		} else {
			c.addArg(tok.value)
		}
	}
	return c, nil
}

func encodeText(c *Command) string {
	tokens := make([]string, 0, len(c.items)+1)
	tokens = append(tokens, quoteText(c.name))
	for _, it := range c.items {
		if it.kw {
			tokens = append(tokens, quoteText(it.key)+"="+quoteText(it.value))
		} else {
			tokens = append(tokens, quoteText(it.value))
		}
	}
	return strings.Join(tokens, " ")
}

// quoteText returns s unchanged when it lexes back to itself as a bare
// word, and a double-quoted, escaped form otherwise.
func quoteText(s string) string {
	if s == "" {
		return `""`
	}
	needsQuotes := strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '\\' || r == '='
	})
	if !needsQuotes {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
