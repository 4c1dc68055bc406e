package command

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// view flattens a command for cmp.Diff.
type view struct {
	Name   string
	Args   []string
	Kwargs []KeyValue
}

func viewOf(c *Command) view {
	return view{Name: c.Name(), Args: c.Args(), Kwargs: c.Kwargs()}
}

func TestParseText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want view
	}{
		{
			name: "quoted kwarg and arg",
			in:   `set key="a b" "c d"`,
			want: view{Name: "set", Args: []string{"c d"}, Kwargs: []KeyValue{KV("key", "a b")}},
		},
		{
			name: "mixed tokens",
			in:   `set key="value with spaces" path=/tmp/dir "arg with spaces" bare`,
			want: view{
				Name:   "set",
				Args:   []string{"arg with spaces", "bare"},
				Kwargs: []KeyValue{KV("key", "value with spaces"), KV("path", "/tmp/dir")},
			},
		},
		{
			name: "escapes inside quotes",
			in:   `set key="a\\ b" quote="a\"b" path="C:\\Temp\\File"`,
			want: view{
				Name: "set",
				Args: []string{},
				Kwargs: []KeyValue{
					KV("key", `a\ b`),
					KV("quote", `a"b`),
					KV("path", `C:\Temp\File`),
				},
			},
		},
		{
			name: "first token is always the name",
			in:   `x=1 y=2`,
			want: view{Name: "x=1", Args: []string{}, Kwargs: []KeyValue{KV("y", "2")}},
		},
		{
			name: "quoted equals is not a separator",
			in:   `put "a=b" "k=v"=x`,
			want: view{Name: "put", Args: []string{"a=b"}, Kwargs: []KeyValue{KV("k=v", "x")}},
		},
		{
			name: "escaped equals outside quotes",
			in:   `put a\=b`,
			want: view{Name: "put", Args: []string{"a=b"}, Kwargs: []KeyValue{}},
		},
		{
			name: "value keeps later equals",
			in:   `put expr=a=b`,
			want: view{Name: "put", Args: []string{}, Kwargs: []KeyValue{KV("expr", "a=b")}},
		},
		{
			name: "empty quoted arg",
			in:   `say "" ok`,
			want: view{Name: "say", Args: []string{"", "ok"}, Kwargs: []KeyValue{}},
		},
		{
			name: "surrounding whitespace",
			in:   "  \tping  \r\n",
			want: view{Name: "ping", Args: []string{}, Kwargs: []KeyValue{}},
		},
		{
			name: "duplicate key last wins and moves",
			in:   `set a=1 b=2 a=3`,
			want: view{Name: "set", Args: []string{}, Kwargs: []KeyValue{KV("b", "2"), KV("a", "3")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse(tt.in, Text)
			require.NoError(t, err)
			assert.Equal(t, Text, c.Format())
			if diff := cmp.Diff(tt.want, viewOf(c)); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestParseTextErrors(t *testing.T) {
	for _, in := range []string{"", "   ", "\t\n", `set "open`, `set key="a b`, `set trailing\`, `"" arg`} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in, Text)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, Text, pe.Format)
		})
	}
}

func TestParseSMS(t *testing.T) {
	c, err := Parse("status;temp=12.5;unit=C;alive", SMS)
	require.NoError(t, err)

	assert.Equal(t, "status", c.Name())
	assert.Equal(t, []string{"alive"}, c.Args())
	assert.Equal(t, map[string]string{"temp": "12.5", "unit": "C"}, c.KwargsMap())

	out, err := c.Encode(SMS)
	require.NoError(t, err)
	assert.Equal(t, "status;temp=12.5;unit=C;alive", out)
	assert.Equal(t, "status;temp=12.5;unit=C;alive", c.String())
}

func TestParseSMSEdges(t *testing.T) {
	c, err := Parse("  ping;;a b;k= v  ", SMS)
	require.NoError(t, err)
	assert.Equal(t, "ping", c.Name())
	assert.Equal(t, []string{"a b"}, c.Args())
	assert.Equal(t, []KeyValue{KV("k", " v")}, c.Kwargs())

	for _, in := range []string{"", "   ", ";;;"} {
		_, err := Parse(in, SMS)
		var pe *ParseError
		assert.ErrorAs(t, err, &pe, "input %q", in)
	}
}

func TestParseJSON(t *testing.T) {
	c, err := Parse(`{"name":"set","args":["a b","c",3,true],"kwargs":{"z":"1","y":"two","z":"3"}}`, JSON)
	require.NoError(t, err)

	want := view{
		Name:   "set",
		Args:   []string{"a b", "c", "3", "true"},
		Kwargs: []KeyValue{KV("y", "two"), KV("z", "3")},
	}
	if diff := cmp.Diff(want, viewOf(c)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	list, err := Parse(`["move","north","2"]`, JSON)
	require.NoError(t, err)
	assert.Equal(t, "move", list.Name())
	assert.Equal(t, []string{"north", "2"}, list.Args())

	bare, err := Parse(`{"name":"ping"}`, JSON)
	require.NoError(t, err)
	assert.Empty(t, bare.Args())
	assert.Empty(t, bare.Kwargs())
}

func TestParseJSONTopLevelKwargs(t *testing.T) {
	c, err := Parse(`{"name":"set","rate":"2","args":["x"],"kwargs":{"unit":"C"},"n":3}`, JSON)
	require.NoError(t, err)

	want := view{
		Name:   "set",
		Args:   []string{"x"},
		Kwargs: []KeyValue{KV("rate", "2"), KV("unit", "C"), KV("n", "3")},
	}
	if diff := cmp.Diff(want, viewOf(c)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	nameless, err := Parse(`{"kwargs":{"rate":"1"},"rate":"2"}`, JSON)
	require.Error(t, err)
	assert.Nil(t, nameless)

	last, err := Parse(`{"rate":"1","name":"set","kwargs":{"rate":"2"}}`, JSON)
	require.NoError(t, err)
	assert.Equal(t, []KeyValue{KV("rate", "2")}, last.Kwargs())
}

func TestParseJSONRepeatedKeysLastWins(t *testing.T) {
	c, err := Parse(`{"name":"set","args":["a"],"name":"other","args":["b","c"]}`, JSON)
	require.NoError(t, err)
	assert.Equal(t, "other", c.Name())
	assert.Equal(t, []string{"b", "c"}, c.Args())

	_, err = Parse(`{"name":"set","name":7}`, JSON)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestParseJSONErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"  ",
		"{",
		`{"args":["a"]}`,
		`{"name":42}`,
		`{"name":""}`,
		`{"name":"x","args":"a"}`,
		`{"name":"x","args":[{"a":1}]}`,
		`{"name":"x","kwargs":[]}`,
		`{"name":"x","kwargs":{"k":null}}`,
		`{"name":"x","extra":[1]}`,
		`{"name":"x","extra":null}`,
		`"just a string"`,
		`[]`,
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in, JSON)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, JSON, pe.Format)
		})
	}
}

func TestEmptyInputAllFormats(t *testing.T) {
	for _, f := range []Format{Text, SMS, JSON} {
		for _, in := range []string{"", " ", "\t \n"} {
			_, err := Parse(in, f)
			var pe *ParseError
			assert.ErrorAs(t, err, &pe, "format %s input %q", f, in)
		}
	}
}

func TestEncodeText(t *testing.T) {
	c := New("set", []string{"c d", "", `q"uote`, "a=b"}, KV("key", "a b"), KV("path", `C:\Temp`), KV("k v", "x"))
	out, err := c.Encode(Text)
	require.NoError(t, err)
	assert.Equal(t, `set "c d" "" "q\"uote" "a=b" key="a b" path="C:\\Temp" "k v"=x`, out)
}

func TestEncodeKeepsSourceOrder(t *testing.T) {
	c, err := Parse(`set a b=1 c d=2`, Text)
	require.NoError(t, err)
	assert.Equal(t, `set a b=1 c d=2`, c.String())

	sms, err := c.Encode(SMS)
	require.NoError(t, err)
	assert.Equal(t, "set;a;b=1;c;d=2", sms)
}

func TestEncodeJSON(t *testing.T) {
	c := New("set", []string{"a b"}, KV("x", "1"), KV("quote", `he said "hi"`))
	out, err := c.Encode(JSON)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"set","args":["a b"],"kwargs":{"x":"1","quote":"he said \"hi\""}}`, out)
}

func TestEncodeSMSRejectsIllegalValues(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
	}{
		{"semicolon in value", New("status", nil, KV("msg", "a;b"))},
		{"semicolon in arg", New("status", []string{"a;b"})},
		{"semicolon in name", New("a;b", nil)},
		{"semicolon in key", New("status", nil, KV("a;b", "1"))},
		{"equals in arg", New("status", []string{"a=b"})},
		{"equals in key", New("status", nil, KV("a=b", "1"))},
		{"empty arg", New("status", []string{""})},
		{"trailing whitespace", New("status", []string{"a "})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cmd.Encode(SMS)
			var ee *EncodeError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, SMS, ee.Format)
		})
	}
}

func TestEncodeJSONRejectsInvalidUTF8(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
	}{
		{"arg", New("n", []string{"\xffa"})},
		{"name", New("n\xff", nil)},
		{"kwarg key", New("n", nil, KV("k\xfe", "v"))},
		{"kwarg value", New("n", nil, KV("k", "\xc3"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cmd.Encode(JSON)
			var ee *EncodeError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, JSON, ee.Format)
			assert.Empty(t, tt.cmd.WithFormat(JSON).String())
		})
	}
}

func TestEncodeEmptyName(t *testing.T) {
	for _, f := range []Format{Text, SMS, JSON} {
		_, err := New("", []string{"a"}).Encode(f)
		var ee *EncodeError
		assert.ErrorAs(t, err, &ee)
	}
}

func TestRoundTrip(t *testing.T) {
	values := []string{
		"plain", "", "two words", "tab\there", `quote"d`, `back\slash`, `\"`, "a=b", "=", "x==y",
		"ünïcödé", "semi;colon", "new\nline", `"`, `\`, " lead", "trail ", "{json}", "[1,2]",
	}

	var commands []*Command
	for _, v := range values {
		commands = append(commands,
			New("cmd", []string{v}),
			New("cmd", nil, KV("key", v)),
			New("cmd", nil, KV(v, "value")),
			New(v+"x", []string{v, v}, KV("a", v), KV("b", v)),
		)
	}
	commands = append(commands, New("set", []string{"1", "2"}, KV("a", "1"), KV("b", "2"), KV("a", "3")))

	for _, f := range []Format{Text, JSON} {
		for _, c := range commands {
			encoded, err := c.Encode(f)
			require.NoError(t, err)

			decoded, err := Parse(encoded, f)
			require.NoError(t, err, "format %s encoded %q", f, encoded)
			if !c.Equal(decoded) {
				t.Errorf("%s round trip of %q: got %s", f, encoded, decoded.WithFormat(JSON))
			}
			if diff := cmp.Diff(viewOf(c), viewOf(decoded)); diff != "" {
				t.Errorf("%s round trip order (-want +got):\n%s", f, diff)
			}
		}
	}
}

func TestRoundTripSMS(t *testing.T) {
	commands := []*Command{
		New("status", []string{"alive"}, KV("temp", "12.5"), KV("unit", "C")),
		New("note", []string{"two words", "ünï"}, KV("k", ""), KV("", "v"), KV("q", `a"b\c`)),
		New("ping", nil),
	}
	for _, c := range commands {
		encoded, err := c.Encode(SMS)
		require.NoError(t, err)
		decoded, err := Parse(encoded, SMS)
		require.NoError(t, err)
		assert.True(t, c.Equal(decoded), "round trip of %q", encoded)
	}
}

func TestAccessors(t *testing.T) {
	c := New("set", []string{"a"}, KV("rate", "2.5"))

	v, ok := c.Get("rate")
	assert.True(t, ok)
	assert.Equal(t, "2.5", v)
	assert.True(t, c.Has("rate"))
	assert.False(t, c.Has("missing"))
	assert.Equal(t, "fallback", c.GetDefault("missing", "fallback"))

	args := c.Args()
	args[0] = "mutated"
	assert.Equal(t, []string{"a"}, c.Args(), "Args must return a copy")

	j := c.WithFormat(JSON)
	assert.Equal(t, JSON, j.Format())
	assert.Equal(t, Text, c.Format())
	assert.True(t, c.Equal(j))
	assert.False(t, c.Equal(New("set", []string{"a"})))
	assert.False(t, c.Equal(nil))
}

func TestStringFallsBackToJSON(t *testing.T) {
	c := New("status", nil, KV("msg", "a;b")).WithFormat(SMS)
	assert.Equal(t, `{"name":"status","args":[],"kwargs":{"msg":"a;b"}}`, c.String())
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"text": Text, "simple": Text, "SMS": SMS, "json": JSON} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("influx")
	assert.Error(t, err)

	_, err = Parse("x", Format(9))
	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
}
