package streamparse

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/gopom/pom/proto"
)

// TextState is the small state machine 4.4 describes for text protocols
// such as SIP: FIRST_LINE -> HEADERS -> BODY, then reset.
type TextState int

const (
	FirstLine TextState = iota
	Headers
	Body
)

// TextProtoCallbacks are the protocol-specific hooks TextMachine invokes as
// it drives a Direction through FIRST_LINE -> HEADERS -> BODY. Each protocol
// module (e.g. proto/sip) supplies its own.
type TextProtoCallbacks struct {
	// OnFirstLine parses the request/status line. Returning INVALID marks
	// the direction invalid for the remainder of the connection.
	OnFirstLine func(line []byte) proto.Verdict

	// OnHeader parses one "Name: Value" header line.
	OnHeader func(name, value string) proto.Verdict

	// OnHeadersDone is called once the blank line ending HEADERS is seen.
	// It returns the BODY length taken from Content-Length (0 if none was
	// seen, meaning no body).
	OnHeadersDone func() (bodyLen int)

	// OnBody receives the complete body once bodyLen bytes have arrived.
	OnBody func(body []byte) proto.Verdict
}

// TextMachine drives one Direction through the FIRST_LINE/HEADERS/BODY
// cycle, re-arming itself for the next message after BODY completes.
type TextMachine struct {
	dir   *Direction
	cb    TextProtoCallbacks
	state TextState
	bodyN int
}

// NewTextMachine binds a state machine to dir using cb's protocol-specific
// hooks.
func NewTextMachine(dir *Direction, cb TextProtoCallbacks) *TextMachine {
	return &TextMachine{dir: dir, cb: cb}
}

// Drive pulls as many complete lines/bodies as are currently buffered,
// calling back into cb for each. It returns INVALID the first time a
// callback (or a LINE_TOO_LONG) rejects input; the underlying Direction is
// marked invalid by Direction.NextLine/MarkInvalid in that case, so
// subsequent Drive calls are no-ops until the direction is reset (4.4).
func (m *TextMachine) Drive() proto.Verdict {
	for {
		switch m.state {
		case FirstLine:
			line, ok, tooLong := m.dir.NextLine()
			if tooLong {
				return proto.INVALID
			}
			if !ok {
				return proto.OK
			}
			if v := m.cb.OnFirstLine(line); v != proto.OK {
				m.dir.MarkInvalid()
				return v
			}
			m.state = Headers

		case Headers:
			line, ok, tooLong := m.dir.NextLine()
			if tooLong {
				return proto.INVALID
			}
			if !ok {
				return proto.OK
			}
			if len(line) == 0 {
				m.bodyN = m.cb.OnHeadersDone()
				if m.bodyN <= 0 {
					m.state = FirstLine
					continue
				}
				m.state = Body
				continue
			}
			name, value, ok := splitHeader(line)
			if !ok {
				m.dir.MarkInvalid()
				return proto.INVALID
			}
			if v := m.cb.OnHeader(name, value); v != proto.OK {
				m.dir.MarkInvalid()
				return v
			}

		case Body:
			body, ok := m.dir.NextN(m.bodyN)
			if !ok {
				return proto.OK
			}
			v := m.cb.OnBody(body)
			m.state = FirstLine
			m.bodyN = 0
			if v != proto.OK {
				m.dir.MarkInvalid()
				return v
			}
		}
	}
}

func splitHeader(line []byte) (name, value string, ok bool) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(string(line[:idx]))
	value = strings.TrimSpace(string(line[idx+1:]))
	return name, value, true
}

// ParseContentLength is a convenience most text-protocol OnHeader
// implementations need: it recognizes a case-insensitive "Content-Length"
// header and parses its value.
func ParseContentLength(name, value string) (length int, ok bool) {
	if !strings.EqualFold(name, "Content-Length") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
