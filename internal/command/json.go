package command

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

func parseJSON(raw string) (*Command, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, parseErr(JSON, -1, "empty command")
	}
	if !gjson.Valid(text) {
		return nil, parseErr(JSON, -1, "invalid JSON")
	}

	root := gjson.Parse(text)
	switch {
	case root.IsObject():
		return parseJSONObject(root)
	case root.IsArray():
		return parseJSONList(root)
	default:
		return nil, parseErr(JSON, -1, "expected object, got %s", root.Type)
	}
}

// parseJSONObject reads name, args and kwargs. Any other top-level key
// is a keyword argument too. Keys repeat with last-wins semantics, so a
// second "name" or "args" replaces the first.
func parseJSONObject(root gjson.Result) (*Command, error) {
	var (
		name, args gjson.Result
		extra      []gjson.Result
		err        error
	)
	root.ForEach(func(k, v gjson.Result) bool {
		switch k.Str {
		case "name":
			name = v
		case "args":
			args = v
		default:
			extra = append(extra, k, v)
		}
		return true
	})

	if !name.Exists() {
		return nil, parseErr(JSON, -1, "missing name")
	}
	if name.Type != gjson.String {
		return nil, parseErr(JSON, -1, "name is not a string")
	}
	if name.Str == "" {
		return nil, parseErr(JSON, -1, "empty command name")
	}

	c := &Command{name: name.Str}

	if args.Exists() && args.Type != gjson.Null {
		if !args.IsArray() {
			return nil, parseErr(JSON, -1, "args is not an array")
		}
		args.ForEach(func(_, v gjson.Result) bool {
			var s string
			if s, err = scalarJSON(v, "args"); err != nil {
				return false
			}
			c.addArg(s)
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	for i := 0; i < len(extra); i += 2 {
		k, v := extra[i], extra[i+1]
		if k.Str != "kwargs" {
			s, err := scalarJSON(v, k.Str)
			if err != nil {
				return nil, err
			}
			c.addKwarg(k.Str, s)
			continue
		}
		if v.Type == gjson.Null {
			continue
		}
		if !v.IsObject() {
			return nil, parseErr(JSON, -1, "kwargs is not an object")
		}
		v.ForEach(func(kk, vv gjson.Result) bool {
			var s string
			if s, err = scalarJSON(vv, "kwargs."+kk.Str); err != nil {
				return false
			}
			c.addKwarg(kk.Str, s)
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// parseJSONList accepts the compact ["name", "arg", ...] form.
func parseJSONList(root gjson.Result) (*Command, error) {
	elems := root.Array()
	if len(elems) == 0 {
		return nil, parseErr(JSON, -1, "missing name")
	}
	if elems[0].Type != gjson.String || elems[0].Str == "" {
		return nil, parseErr(JSON, -1, "name is not a non-empty string")
	}

	c := &Command{name: elems[0].Str}
	for _, v := range elems[1:] {
		s, err := scalarJSON(v, "args")
		if err != nil {
			return nil, err
		}
		c.addArg(s)
	}
	return c, nil
}

// scalarJSON returns strings verbatim and numbers/booleans as their
// literal JSON text.
func scalarJSON(v gjson.Result, field string) (string, error) {
	switch v.Type {
	case gjson.String:
		return v.Str, nil
	case gjson.Number, gjson.True, gjson.False:
		return v.Raw, nil
	default:
		return "", parseErr(JSON, -1, "%s: unsupported value %s", field, v.Raw)
	}
}

// encodeJSON refuses invalid UTF-8, which json.Marshal would otherwise
// replace with U+FFFD.
func encodeJSON(c *Command) (string, error) {
	if !utf8.ValidString(c.name) {
		return "", &EncodeError{Format: JSON, Msg: "name is not valid UTF-8"}
	}
	for _, it := range c.items {
		switch {
		case it.kw && !utf8.ValidString(it.key):
			return "", &EncodeError{Format: JSON, Msg: "kwarg key is not valid UTF-8"}
		case !utf8.ValidString(it.value):
			return "", &EncodeError{Format: JSON, Msg: "value is not valid UTF-8"}
		}
	}

	var b strings.Builder
	b.WriteString(`{"name":`)
	b.WriteString(jsonString(c.name))

	b.WriteString(`,"args":[`)
	for i, a := range c.Args() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(jsonString(a))
	}

	b.WriteString(`],"kwargs":{`)
	for i, kv := range c.Kwargs() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(jsonString(kv.Key))
		b.WriteByte(':')
		b.WriteString(jsonString(kv.Value))
	}
	b.WriteString("}}")
	return b.String(), nil
}

func jsonString(s string) string {
	// Marshal of a string cannot fail.
	out, _ := json.Marshal(s)
	return string(out)
}
