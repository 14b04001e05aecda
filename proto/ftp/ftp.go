// Package ftp implements the FTP control-channel protocol module: one
// CRLF-terminated line per request ("CMD arg\r\n") or response
// ("code arg\r\n" / "code-arg\r\n"), read straight off the buffered
// direction proto/tcp feeds. The CMD table and the request/response
// splitting rule (split on the first space; a response's first separator
// may be a dash instead, for multi-line reply continuations) are grounded
// on gnet/ftp/const.go and gnet/ftp/parser.go. The teacher's
// ftpRequestParserFactory.accepts/ftpResponseParserFactory.accepts
// additionally gate acceptance on the CMD whitelist and the reply code's
// digit ranges before a gopacket/reassembly parser pool hands the stream
// to one of these two parsers; this module folds that gating into a single
// per-line classify step instead, since proto/tcp already buffers one
// Direction per side and there is no multi-parser pool to choose between.
package ftp

import (
	"bytes"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/tcp"
	"github.com/gopom/pom/streamparse"
)

const (
	FieldKind = iota // "request" or "response"
	FieldCmd         // request command, empty for responses
	FieldCode        // response reply code, empty for requests
	FieldArg         // request argument or response text
)

var Descriptor = &proto.Descriptor{
	Name:       "ftp",
	APIVersion: 1,
	Schema: []proto.Field{
		{Name: "kind", Kind: fieldtype.String},
		{Name: "cmd", Kind: fieldtype.String},
		{Name: "code", Kind: fieldtype.String},
		{Name: "arg", Kind: fieldtype.String},
	},
	Handlers: proto.Handlers{
		Parse: parse,
	},
}

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
	isRequestSide := srcPort != nil && dstPort != nil && isFTPPort(dstPort.Bytes()) && !isFTPPort(srcPort.Bytes())

	dir := bidi.Server
	if isRequestSide {
		dir = bidi.Client
	}

	// One Parse call emits at most one line's worth of fields, the same
	// one-message-per-call contract proto/http's parse follows: a second
	// line already buffered behind this one waits for this frame's next
	// dispatch (the following packet on this flow), rather than being
	// flattened into the same Info record.
	line, ok, tooLong := dir.NextLine()
	if tooLong {
		return 0, "", proto.INVALID
	}
	if !ok {
		return 0, "", proto.OK // no complete line buffered yet
	}

	info := ctx.Info()
	if isRequestSide {
		emitRequest(info, line)
	} else {
		emitResponse(info, line)
	}
	return 0, "", proto.OK
}

func isFTPPort(port []byte) bool {
	return len(port) == 2 && int(port[0])<<8|int(port[1]) == 21
}

// emitRequest splits "CMD arg" on the first space, following
// gnet/ftp/parser.go's ftpRequestParser.Parse. The teacher additionally
// gates acceptance on gnet/ftp/const.go's CMD whitelist before a
// parser-pool picker chooses between its request and response parsers;
// this module already knows which side a line came from (the port/
// direction it was read off), so it records whatever command token is
// present rather than re-deriving that choice from the whitelist.
func emitRequest(info *packet.Info, line []byte) {
	var cmd, arg string
	if i := bytes.IndexByte(line, ' '); i < 0 {
		cmd = string(line)
	} else {
		cmd = string(line[:i])
		arg = string(line[i+1:])
	}

	kindVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	kindVal.Set("request")
	cmdVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	cmdVal.Set(cmd)
	codeVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	argVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	argVal.Set(arg)

	info.Field = append(info.Field, kindVal, cmdVal, codeVal, argVal)
}

// emitResponse splits "code arg" or "code-arg" on the first space or dash,
// following gnet/ftp/parser.go's ftpResponseParser.Parse — a response's
// separator is a dash for a multi-line reply's continuation lines and a
// space for its final line.
func emitResponse(info *packet.Info, line []byte) {
	i := bytes.IndexAny(line, " -")
	var code, arg string
	if i < 0 {
		code = string(line)
	} else {
		code = string(line[:i])
		arg = string(line[i+1:])
	}

	kindVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	kindVal.Set("response")
	cmdVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	codeVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	codeVal.Set(code)
	argVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	argVal.Set(arg)

	info.Field = append(info.Field, kindVal, cmdVal, codeVal, argVal)
}
