// Package streamparse implements the stream reassembler and parser (C6): a
// pull-based byte stream per (conntrack entry, direction), with line,
// fixed-length, and skip extraction modes, driving a small text-protocol
// state machine. Bytes arrive in dispatch order off each TCP frame's own
// segment payload (proto/tcp feeds BidiKey.Client/Server directly from its
// Process handler); conntrack (C4) owns the per-entry Direction pair this
// package feeds.
package streamparse

import (
	"bytes"

	"github.com/gopom/pom/proto"
)

// Mode names the three extraction modes of 4.4. Direction has one method
// per mode (NextLine, NextN, SkipN) and stores no current mode.
type Mode int

const (
	// LineMode returns the next CRLF- or LF-delimited line.
	LineMode Mode = iota
	// LengthMode returns exactly N buffered bytes.
	LengthMode
	// SkipMode discards N bytes without returning them.
	SkipMode
)

// Direction is one side of a bidirectional byte stream: the buffer TCP
// segments accumulate into, consumed from the front as data is extracted,
// plus the max line length and the invalid flag (3 "Stream parser state").
type Direction struct {
	buf        []byte
	maxLineLen int
	invalid    bool
}

// NewDirection creates an empty Direction with the given max line length
// (4.4: "if buffered data exceeds max_line_len without a delimiter, fails
// with LINE_TOO_LONG").
func NewDirection(maxLineLen int) *Direction {
	return &Direction{maxLineLen: maxLineLen}
}

// Feed appends newly arrived segment bytes to the buffer.
func (d *Direction) Feed(data []byte) {
	if d.invalid {
		return
	}
	d.buf = append(d.buf, data...)
}

// Invalid reports whether this direction has been marked invalid by a
// parse failure; once true, Feed is a no-op until Reset is called with a
// new conntrack entry in place (4.4: "all further bytes in that direction
// are dropped until a new conntrack entry replaces it").
func (d *Direction) Invalid() bool { return d.invalid }

// MarkInvalid drops the current buffer and marks the direction invalid.
func (d *Direction) MarkInvalid() {
	d.invalid = true
	d.buf = nil
}

// Reset clears buffered data and the invalid flag, for reuse by a new
// conntrack entry.
func (d *Direction) Reset() {
	d.buf = d.buf[:0]
	d.invalid = false
}

// Len reports the number of buffered, unconsumed bytes.
func (d *Direction) Len() int { return len(d.buf) }

// Peek returns the currently buffered bytes without consuming them, for a
// parser (e.g. proto/http's net/http-backed frame parser) that needs to
// attempt a parse against the whole buffer and only advance once it knows
// how many bytes the parse actually consumed.
func (d *Direction) Peek() []byte {
	if d.invalid {
		return nil
	}
	return d.buf
}

// NextLine returns the next complete CRLF- or LF-delimited line, stripped
// of its terminator. ok is false if no complete line is buffered yet.
// tooLong is true if the buffer exceeded maxLineLen without finding a
// delimiter — the caller must treat this as proto.INVALID per 4.4 and the
// direction is left invalid.
func (d *Direction) NextLine() (line []byte, ok bool, tooLong bool) {
	if d.invalid {
		return nil, false, false
	}

	if idx := bytes.IndexByte(d.buf, '\n'); idx >= 0 {
		end := idx
		if end > 0 && d.buf[end-1] == '\r' {
			end--
		}
		line = append([]byte(nil), d.buf[:end]...)
		d.buf = d.buf[idx+1:]
		return line, true, false
	}

	if d.maxLineLen > 0 && len(d.buf) > d.maxLineLen {
		d.MarkInvalid()
		return nil, false, true
	}
	return nil, false, false
}

// NextN returns exactly n buffered bytes, or ok == false if fewer than n
// bytes are currently available.
func (d *Direction) NextN(n int) (data []byte, ok bool) {
	if d.invalid || len(d.buf) < n {
		return nil, false
	}
	data = append([]byte(nil), d.buf[:n]...)
	d.buf = d.buf[n:]
	return data, true
}

// SkipN consumes n bytes without returning them, reporting whether enough
// data was available to do so.
func (d *Direction) SkipN(n int) bool {
	if d.invalid || len(d.buf) < n {
		return false
	}
	d.buf = d.buf[n:]
	return true
}

// verdictForTooLong is the canonical mapping from a LINE_TOO_LONG failure to
// the dispatcher-facing verdict (4.4, 7).
func verdictForTooLong() proto.Verdict { return proto.INVALID }
