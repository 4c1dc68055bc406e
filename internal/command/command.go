// Package command decodes and encodes line protocol commands.
//
// A command is a name followed by positional arguments and key/value
// arguments. Three interchangeable wire formats are supported:
//
//	TEXT  set key="a b" path=/tmp "c d"
//	SMS   status;temp=12.5;unit=C;alive
//	JSON  {"name":"set","args":["c d"],"kwargs":{"key":"a b"}}
//
// Parse and Encode are inverse for every command whose values are legal
// in the chosen format. Values a format cannot represent are rejected
// with an *EncodeError instead of being corrupted.
//
// When a key appears more than once, the last occurrence wins and takes
// the position of that last occurrence. In JSON objects, top-level keys
// other than name, args and kwargs are keyword arguments as well.
package command

import (
	"fmt"
	"slices"
	"strings"
)

// Format selects a wire format.
type Format int

const (
	// Text is whitespace separated with double-quote quoting.
	Text Format = iota
	// SMS is semicolon separated without quoting.
	SMS
	// JSON is a single JSON object per line.
	JSON
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case SMS:
		return "sms"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a format name to a Format. "simple" is accepted as an
// alias for text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "simple", "":
		return Text, nil
	case "sms":
		return SMS, nil
	case "json":
		return JSON, nil
	default:
		return Text, fmt.Errorf("unknown command format %q", s)
	}
}

// KeyValue is one keyword argument.
type KeyValue struct {
	Key   string
	Value string
}

// KV is shorthand for KeyValue{Key: key, Value: value}.
func KV(key, value string) KeyValue {
	return KeyValue{Key: key, Value: value}
}

// item is one token after the name, in source order.
type item struct {
	kw    bool
	key   string
	value string
}

// Command is an immutable decoded command.
type Command struct {
	name   string
	items  []item
	format Format
}

// New builds a command from its parts. Positional args come first, then
// kwargs in the given order. The default format is Text.
func New(name string, args []string, kwargs ...KeyValue) *Command {
	c := &Command{name: name, format: Text}
	for _, a := range args {
		c.addArg(a)
	}
	for _, kv := range kwargs {
		c.addKwarg(kv.Key, kv.Value)
	}
	return c
}

func (c *Command) addArg(value string) {
	c.items = append(c.items, item{value: value})
}

// addKwarg appends a kwarg, dropping an earlier entry with the same key.
func (c *Command) addKwarg(key, value string) {
	c.items = slices.DeleteFunc(c.items, func(it item) bool {
		return it.kw && it.key == key
	})
	c.items = append(c.items, item{kw: true, key: key, value: value})
}

// Name returns the command name.
func (c *Command) Name() string {
	return c.name
}

// Format returns the format the command was parsed from, used by String.
func (c *Command) Format() Format {
	return c.format
}

// WithFormat returns a copy of c whose default format is f.
func (c *Command) WithFormat(f Format) *Command {
	return &Command{name: c.name, items: slices.Clone(c.items), format: f}
}

// Args returns the positional arguments in order.
func (c *Command) Args() []string {
	args := make([]string, 0, len(c.items))
	for _, it := range c.items {
		if !it.kw {
			args = append(args, it.value)
		}
	}
	return args
}

// Kwargs returns the keyword arguments in order.
func (c *Command) Kwargs() []KeyValue {
	kwargs := make([]KeyValue, 0, len(c.items))
	for _, it := range c.items {
		if it.kw {
			kwargs = append(kwargs, KeyValue{Key: it.key, Value: it.value})
		}
	}
	return kwargs
}

// KwargsMap returns the keyword arguments as a map.
func (c *Command) KwargsMap() map[string]string {
	m := make(map[string]string)
	for _, it := range c.items {
		if it.kw {
			m[it.key] = it.value
		}
	}
	return m
}

// Get returns the value of a keyword argument.
func (c *Command) Get(key string) (string, bool) {
	for _, it := range c.items {
		if it.kw && it.key == key {
			return it.value, true
		}
	}
	return "", false
}

// GetDefault returns the value of key or def when absent.
func (c *Command) GetDefault(key, def string) string {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Has reports whether a keyword argument is present.
func (c *Command) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Equal compares name, args and kwargs. Format and the interleaving of
// args with kwargs are ignored.
func (c *Command) Equal(o *Command) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.name != o.name || !slices.Equal(c.Args(), o.Args()) {
		return false
	}
	a, b := c.KwargsMap(), o.KwargsMap()
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Parse decodes raw in format f.
func Parse(raw string, f Format) (*Command, error) {
	var (
		c   *Command
		err error
	)
	switch f {
	case Text:
		c, err = parseText(raw)
	case SMS:
		c, err = parseSMS(raw)
	case JSON:
		c, err = parseJSON(raw)
	default:
		return nil, parseErr(f, -1, "unknown format")
	}
	if err != nil {
		return nil, err
	}
	c.format = f
	return c, nil
}

// Encode serialises c in format f.
func (c *Command) Encode(f Format) (string, error) {
	if c.name == "" {
		return "", &EncodeError{Format: f, Msg: "command name is empty"}
	}
	switch f {
	case Text:
		return encodeText(c), nil
	case SMS:
		return encodeSMS(c)
	case JSON:
		return encodeJSON(c)
	default:
		return "", &EncodeError{Format: f, Msg: "unknown format"}
	}
}

// String encodes c in its own format. Commands that cannot be represented
// in that format fall back to JSON, which accepts every valid UTF-8 value.
func (c *Command) String() string {
	s, err := c.Encode(c.format)
	if err != nil {
		s, err = c.Encode(JSON)
		if err != nil {
			return ""
		}
	}
	return s
}
