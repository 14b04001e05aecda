// Package sip implements a minimal SIP/SDP protocol module: it drives one
// UDP datagram through the stream parser's text-protocol state machine
// (C6's FIRST_LINE -> HEADERS -> BODY cycle, reused here one-shot since a
// SIP-over-UDP datagram is always a complete message) and, when the body
// is an SDP offer/answer, registers an expectation (C11) for the RTP flow
// the `c=`/`m=` lines describe — directly implementing S4.
package sip

import (
	"strconv"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/expectation"
	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/udp"
	"github.com/gopom/pom/streamparse"
)

const (
	FieldMethod = iota
	FieldCallID
)

// Module holds the expectation store SDP media descriptions register
// pending RTP flows into.
type Module struct {
	Expectations *expectation.Store
	// ExpectationTTL bounds how long an SDP-advertised RTP flow may go
	// unmatched before the expectation is dropped (4.5). Zero means the
	// store's own default.
	ExpectationTTL time.Duration
}

// New builds a sip Module bound to the given expectation store.
func New(expectations *expectation.Store) *Module {
	return &Module{Expectations: expectations, ExpectationTTL: cache.DefaultExpiration}
}

// Descriptor builds the registered "sip" protocol descriptor bound to m.
func (m *Module) Descriptor() *proto.Descriptor {
	return &proto.Descriptor{
		Name:       "sip",
		APIVersion: 1,
		Schema: []proto.Field{
			{Name: "method", Kind: fieldtype.String},
			{Name: "call_id", Kind: fieldtype.String},
		},
		Handlers: proto.Handlers{
			Parse: m.parse,
		},
	}
}

// dialogRef is the owner cookie an SDP-derived expectation carries through
// to its match callback; it implements conntrack.PrivateState so the
// matched RTP CE can hold a reference back to the SIP dialog that created
// it.
type dialogRef struct {
	CallID string
}

func (d *dialogRef) Release() {}

var _ conntrack.PrivateState = (*dialogRef)(nil)

func (m *Module) parse(ctx proto.Ctx) (int, string, proto.Verdict) {
	raw := []byte(ctx.Payload().String())

	var method, callID, contentType string
	var bodyLen int
	var body []byte

	dir := streamparse.NewDirection(8192)
	dir.Feed(raw)

	machine := streamparse.NewTextMachine(dir, streamparse.TextProtoCallbacks{
		OnFirstLine: func(line []byte) proto.Verdict {
			fields := strings.Fields(string(line))
			if len(fields) == 0 {
				return proto.INVALID
			}
			method = fields[0]
			return proto.OK
		},
		OnHeader: func(name, value string) proto.Verdict {
			switch strings.ToLower(name) {
			case "call-id", "i":
				callID = value
			case "content-type", "c":
				contentType = value
			}
			if n, ok := streamparse.ParseContentLength(name, value); ok {
				bodyLen = n
			}
			return proto.OK
		},
		OnHeadersDone: func() int { return bodyLen },
		OnBody: func(b []byte) proto.Verdict {
			body = b
			return proto.OK
		},
	})

	if v := machine.Drive(); v != proto.OK {
		return 0, "", v
	}
	if method == "" {
		return 0, "", proto.INVALID
	}

	methodVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	methodVal.Set(method)
	callIDVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	callIDVal.Set(callID)
	ctx.Info().Field = append(ctx.Info().Field, methodVal, callIDVal)

	if m.Expectations != nil && strings.Contains(strings.ToLower(contentType), "application/sdp") && len(body) > 0 {
		if ip, port, ok := parseSDPMedia(body); ok {
			m.Expectations.Register("udp", sdpMatcher(ip, port), sdpMatched, &dialogRef{CallID: callID}, m.ExpectationTTL)
		}
	}

	// SIP is always the innermost layer the pipeline descends to; any
	// further dialog/media handling happens via the registered
	// expectation, not by recursing further here.
	return len(raw), "", proto.OK
}

func sdpMatched(ce *conntrack.Entry, owner interface{}) {
	dialog, ok := owner.(*dialogRef)
	if !ok {
		return
	}
	ce.SetPrivate("sip-dialog", dialog)
}

// sdpMatcher builds a Matcher that accepts a udp 4-tuple key (see
// udp.BuildKey) if either its forward or reverse side's first six bytes
// (ip + port) equal the SDP-advertised media address — a half-tuple
// match, since the SDP body only advertises one side of the eventual RTP
// flow.
func sdpMatcher(ip []byte, port uint16) expectation.Matcher {
	want := udp.BuildKey(ip, port, nil, 0)[:6]
	return func(fwdKey, revKey []byte) bool {
		return hasIPPortPrefix(fwdKey, want) || hasIPPortPrefix(revKey, want)
	}
}

func hasIPPortPrefix(key, want []byte) bool {
	return len(key) >= len(want) && string(key[:len(want)]) == string(want)
}

// parseSDPMedia extracts the first media connection address from an SDP
// body: the `c=IN IP4 <addr>` line's address paired with the first
// `m=audio <port> RTP/AVP ...` line's port.
func parseSDPMedia(body []byte) (ip []byte, port uint16, ok bool) {
	var addr string
	var mediaPort int

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "c=IN IP4 "):
			addr = strings.TrimSpace(strings.TrimPrefix(line, "c=IN IP4 "))
		case strings.HasPrefix(line, "m="):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if p, err := strconv.Atoi(fields[1]); err == nil {
					mediaPort = p
				}
			}
		}
	}

	if addr == "" || mediaPort == 0 {
		return nil, 0, false
	}
	parsed := parseIPv4(addr)
	if parsed == nil {
		return nil, 0, false
	}
	return parsed, uint16(mediaPort), true
}

func parseIPv4(s string) []byte {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return nil
	}
	out := make([]byte, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return nil
		}
		out[i] = byte(n)
	}
	return out
}
