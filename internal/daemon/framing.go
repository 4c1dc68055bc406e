package daemon

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// DefaultMaxLine is the longest line a LineScanner accepts by default.
const DefaultMaxLine = 64 * 1024

// Framing describes how a byte stream is split into command lines.
type Framing struct {
	// Delimiters terminate a line. Defaults to '\n' and NUL.
	Delimiters []byte
	// MaxLine is the longest accepted line in bytes, delimiter excluded.
	MaxLine int
}

// DefaultFraming splits on newline or NUL with a 64 KiB line limit.
func DefaultFraming() Framing {
	return Framing{Delimiters: []byte{'\n', 0}, MaxLine: DefaultMaxLine}
}

func (f Framing) withDefaults() Framing {
	def := DefaultFraming()
	if len(f.Delimiters) == 0 {
		f.Delimiters = def.Delimiters
	}
	if f.MaxLine <= 0 {
		f.MaxLine = def.MaxLine
	}
	return f
}

// LineScanner yields trimmed, non-empty lines from a stream.
type LineScanner struct {
	sc   *bufio.Scanner
	line string
}

// NewLineScanner returns a scanner over r. Each line has surrounding
// whitespace (including a trailing '\r') removed and empty lines are
// skipped. Data after the last delimiter is returned at EOF.
func NewLineScanner(r io.Reader, f Framing) *LineScanner {
	f = f.withDefaults()

	sc := bufio.NewScanner(r)
	initial := 4096
	if f.MaxLine+1 < initial {
		initial = f.MaxLine + 1
	}
	// One extra byte so a line of exactly MaxLine fits with its delimiter.
	sc.Buffer(make([]byte, initial), f.MaxLine+1)

	delims := bytes.Clone(f.Delimiters)
	sc.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		for i, b := range data {
			if bytes.IndexByte(delims, b) >= 0 {
				return i + 1, data[:i], nil
			}
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	})

	return &LineScanner{sc: sc}
}

// Scan advances to the next non-empty line.
func (s *LineScanner) Scan() bool {
	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			continue
		}
		s.line = line
		return true
	}
	s.line = ""
	return false
}

// Text returns the current line.
func (s *LineScanner) Text() string {
	return s.line
}

// Err returns the first non-EOF error. Oversized lines are reported as
// ErrLineTooLong.
func (s *LineScanner) Err() error {
	err := s.sc.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		return ErrLineTooLong
	}
	return err
}
