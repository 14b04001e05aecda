// Package http implements the HTTP/1.x protocol module: it drives Go's own
// net/http request/response parser directly over the byte stream
// proto/tcp buffers per direction, the same net/http-backed approach the
// teacher's gnet/http/parser.go uses, adapted from that package's
// goroutine-plus-io.Pipe bridge (needed there to turn gopacket/
// reassembly's synchronous ScatterGather callback into something an
// io.Reader-based parser could block on) to a direct synchronous attempt:
// this pipeline already buffers a whole TCP direction's bytes before a
// protocol module runs, so there is no callback to bridge away from.
package http

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/tcp"
	"github.com/gopom/pom/streamparse"
)

const (
	FieldKind   = iota // "request" or "response"
	FieldMethod        // request method, empty for responses
	FieldTarget        // request URL or response status text (e.g. "200 OK"), informational
	FieldStatus        // response status code, 0 for requests
)

var Descriptor = &proto.Descriptor{
	Name:       "http",
	APIVersion: 1,
	Schema: []proto.Field{
		{Name: "kind", Kind: fieldtype.String},
		{Name: "method", Kind: fieldtype.String},
		{Name: "target", Kind: fieldtype.String},
		{Name: "status", Kind: fieldtype.Uint16},
	},
	Handlers: proto.Handlers{
		Parse: parse,
	},
}

// parse attempts to read one complete HTTP request or response off the
// tcp.Module's BidiKey direction this frame's payload belongs to. Because
// an HTTP message can span many TCP segments, this frame's own
// ctx.Payload() (this one segment's bytes) is not enough; the buffered
// direction attached to the parent tcp frame's CE is read instead, via the
// packet.Info.CE mirror a child frame uses to reach its parent's CE.
func parse(ctx proto.Ctx) (int, string, proto.Verdict) {
	frame := ctx.Frame()
	if frame == 0 {
		return 0, "", proto.ERR
	}
	parentCE := ctx.Packet().Info[frame-1].CE
	ce, ok := parentCE.(*conntrack.Entry)
	if !ok || ce == nil {
		return 0, "", proto.ERR
	}
	bidi, ok := ce.Private("tcp").(*streamparse.BidiKey)
	if !ok || bidi == nil {
		return 0, "", proto.ERR
	}

	srcPort := ctx.Packet().Info[frame-1].Field[tcp.FieldSrcPort]
	dstPort := ctx.Packet().Info[frame-1].Field[tcp.FieldDstPort]
	isRequestSide := srcPort != nil && dstPort != nil && isClientPort(srcPort.Bytes(), dstPort.Bytes())

	dir := bidi.Server
	if isRequestSide {
		dir = bidi.Client
	}

	buf := dir.Peek()
	if len(buf) == 0 {
		return 0, "", proto.OK
	}

	if isRequestSide {
		return tryParseRequest(ctx, dir, buf)
	}
	return tryParseResponse(ctx, dir, buf)
}

// isClientPort treats the side whose destination port looks like a
// well-known HTTP port as the request side — a heuristic, since the wire
// itself carries no "this is the client" marker and proto/tcp's own FWD
// side is only "whoever's SYN created the CE first", not necessarily the
// requester.
func isClientPort(srcPort, dstPort []byte) bool {
	return isHTTPPort(dstPort) && !isHTTPPort(srcPort)
}

func isHTTPPort(port []byte) bool {
	if len(port) != 2 {
		return false
	}
	p := int(port[0])<<8 | int(port[1])
	return p == 80 || p == 8080
}

func tryParseRequest(ctx proto.Ctx, dir *streamparse.Direction, buf []byte) (int, string, proto.Verdict) {
	br := bufio.NewReader(bytes.NewReader(buf))
	req, err := http.ReadRequest(br)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return 0, "", proto.OK // wait for more bytes
		}
		dir.MarkInvalid()
		return 0, "", proto.INVALID
	}
	io.Copy(io.Discard, req.Body)
	req.Body.Close()

	kindVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	kindVal.Set("request")
	methodVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	methodVal.Set(req.Method)
	targetVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	targetVal.Set(req.URL.RequestURI())
	statusVal := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)

	info := ctx.Info()
	info.Field = append(info.Field, kindVal, methodVal, targetVal, statusVal)

	consumed := len(buf) - br.Buffered()
	dir.SkipN(consumed)
	return 0, "", proto.OK
}

func tryParseResponse(ctx proto.Ctx, dir *streamparse.Direction, buf []byte) (int, string, proto.Verdict) {
	br := bufio.NewReader(bytes.NewReader(buf))
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return 0, "", proto.OK
		}
		dir.MarkInvalid()
		return 0, "", proto.INVALID
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	kindVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	kindVal.Set("response")
	methodVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	targetVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	targetVal.Set(resp.Status)
	statusVal := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	statusVal.Set(uint16(resp.StatusCode))

	info := ctx.Info()
	info.Field = append(info.Field, kindVal, methodVal, targetVal, statusVal)

	consumed := len(buf) - br.Buffered()
	dir.SkipN(consumed)
	return 0, "", proto.OK
}
