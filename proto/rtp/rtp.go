// Package rtp implements a minimal RTP protocol module: just enough
// header parsing (version, payload type, sequence number, SSRC) to be a
// meaningful terminal layer for the UDP flows a SIP expectation (C11)
// redirects here, per S4.
package rtp

import (
	"encoding/binary"
	"io"

	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/proto"
)

const minHeaderLen = 12

const (
	FieldPayloadType = iota
	FieldSequence
	FieldSSRC
)

var Descriptor = &proto.Descriptor{
	Name:       "rtp",
	APIVersion: 1,
	Schema: []proto.Field{
		{Name: "payload_type", Kind: fieldtype.Uint8},
		{Name: "sequence", Kind: fieldtype.Uint16},
		{Name: "ssrc", Kind: fieldtype.Uint32},
	},
	Handlers: proto.Handlers{
		Parse: parse,
	},
}

func parse(ctx proto.Ctx) (int, string, proto.Verdict) {
	view := ctx.Payload()
	if view.Len() < minHeaderLen {
		return 0, "", proto.INVALID
	}
	hdr := make([]byte, minHeaderLen)
	if _, err := io.ReadFull(view.CreateReader(), hdr); err != nil {
		return 0, "", proto.INVALID
	}

	version := hdr[0] >> 6
	if version != 2 {
		return 0, "", proto.INVALID
	}

	pt := fieldtype.New(fieldtype.Uint8).(*fieldtype.Uint8Value)
	pt.Set(hdr[1] & 0x7f)
	seq := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	seq.Set(binary.BigEndian.Uint16(hdr[2:4]))
	ssrc := fieldtype.New(fieldtype.Uint32).(*fieldtype.Uint32Value)
	ssrc.Set(binary.BigEndian.Uint32(hdr[8:12]))

	info := ctx.Info()
	info.Field = append(info.Field, pt, seq, ssrc)

	return minHeaderLen, "", proto.OK
}
