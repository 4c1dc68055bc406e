package command

import "strings"

func parseSMS(raw string) (*Command, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, parseErr(SMS, -1, "empty command")
	}

	var parts []string
	for _, part := range strings.Split(text, ";") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return nil, parseErr(SMS, -1, "missing command name")
	}

	c := &Command{name: parts[0]}
	for _, tok := range parts[1:] {
		if key, value, ok := strings.Cut(tok, "="); ok {
			c.addKwarg(key, value)
		} else {
			c.addArg(tok)
		}
	}
	return c, nil
}

// encodeSMS refuses anything that would parse back differently: ';' in
// any token, '=' in a positional arg or a key, empty positional args, and
// whitespace at either end of the line.
func encodeSMS(c *Command) (string, error) {
	fail := func(msg string) (string, error) {
		return "", &EncodeError{Format: SMS, Msg: msg}
	}

	if strings.Contains(c.name, ";") {
		return fail("name contains ';'")
	}

	parts := make([]string, 0, len(c.items)+1)
	parts = append(parts, c.name)
	for _, it := range c.items {
		if it.kw {
			switch {
			case strings.Contains(it.key, ";") || strings.Contains(it.value, ";"):
				return fail("kwarg " + it.key + " contains ';'")
			case strings.Contains(it.key, "="):
				return fail("kwarg key " + it.key + " contains '='")
			}
			parts = append(parts, it.key+"="+it.value)
			continue
		}
		switch {
		case it.value == "":
			return fail("empty positional argument")
		case strings.Contains(it.value, ";"):
			return fail("argument contains ';'")
		case strings.Contains(it.value, "="):
			return fail("argument " + it.value + " contains '='")
		}
		parts = append(parts, it.value)
	}

	line := strings.Join(parts, ";")
	if line != strings.TrimSpace(line) {
		return fail("leading or trailing whitespace would be lost")
	}
	return line, nil
}
