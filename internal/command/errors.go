package command

import "fmt"

// ParseError reports input that is malformed for the requested format.
type ParseError struct {
	Format Format
	// Pos is the byte offset of the problem, or -1 when not applicable.
	Pos int
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse %s command: %s", e.Format, e.Msg)
	if e.Pos >= 0 {
		msg = fmt.Sprintf("%s at offset %d", msg, e.Pos)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// EncodeError reports a value that the requested format cannot carry
// without loss.
type EncodeError struct {
	Format Format
	Msg    string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s command: %s", e.Format, e.Msg)
}

func parseErr(f Format, pos int, format string, args ...any) *ParseError {
	return &ParseError{Format: f, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
