package sseframe

import (
	"errors"
	"fmt"
	"strings"
)

// MaxLineBytes bounds a single line, so an upstream that never sends a
// terminator cannot grow the carry-over without limit.
const MaxLineBytes = 8 << 20

// ErrLineTooLong is returned by Feed when a line exceeds the line limit.
var ErrLineTooLong = errors.New("line too long")

// Lines reassembles complete text lines from arbitrarily split chunks.
//
// After every Feed the carry-over buffer holds either nothing or exactly one
// line fragment without a terminator. Lines are terminated by "\n"; a single
// "\r" before it is stripped. Each Feed scans only the newly decoded text.
type Lines struct {
	dec   utf8Decoder
	carry []byte

	// MaxLine overrides MaxLineBytes when positive.
	MaxLine int
}

// Feed folds chunk into the carry-over buffer and returns the lines it
// completed, in order. The unterminated tail is kept for the next call.
// A decode error or ErrLineTooLong is fatal: the byte stream cannot be
// resynchronized.
func (l *Lines) Feed(chunk []byte) ([]string, error) {
	text, err := l.dec.decode(chunk)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	end := strings.LastIndexByte(text, '\n')
	if end < 0 {
		l.carry = append(l.carry, text...)
		return nil, l.checkCarry()
	}

	lines := strings.Split(text[:end], "\n")
	if len(l.carry) > 0 {
		lines[0] = string(l.carry) + lines[0]
		l.carry = l.carry[:0]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	l.carry = append(l.carry, text[end+1:]...)
	return lines, l.checkCarry()
}

func (l *Lines) checkCarry() error {
	limit := MaxLineBytes
	if l.MaxLine > 0 {
		limit = l.MaxLine
	}
	if len(l.carry) > limit {
		return fmt.Errorf("%w: more than %d bytes without a terminator", ErrLineTooLong, limit)
	}
	return nil
}

// Flush ends the input. A non-empty carry-over is returned as a final line
// even though it bore no terminator.
func (l *Lines) Flush() (string, bool, error) {
	if err := l.dec.finish(); err != nil {
		return "", false, err
	}
	line := strings.TrimSuffix(string(l.carry), "\r")
	l.carry = nil
	return line, line != "", nil
}

// Buffered returns the current carry-over content.
func (l *Lines) Buffered() string { return string(l.carry) }
