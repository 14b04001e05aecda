// Package arp implements a minimal ARP protocol module: enough of the
// header to expose sender/target protocol addresses for logging, with no
// conntrack binding (ARP is request/reply, not a flow the rest of the
// engine needs to track).
package arp

import (
	"encoding/binary"
	"io"

	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/proto"
)

const headerLen = 28 // Ethernet/IPv4 ARP: hw+proto type/len/op (8) + 2x(6+4)

const (
	FieldOperation = iota
	FieldSenderIP
	FieldTargetIP
)

var Descriptor = &proto.Descriptor{
	Name:       "arp",
	APIVersion: 1,
	Schema: []proto.Field{
		{Name: "operation", Kind: fieldtype.Uint16, Desc: "Request (1) or reply (2)"},
		{Name: "sender_ip", Kind: fieldtype.IPv4, Desc: "Sender protocol address"},
		{Name: "target_ip", Kind: fieldtype.IPv4, Desc: "Target protocol address"},
	},
	Handlers: proto.Handlers{
		Parse: parse,
	},
}

func parse(ctx proto.Ctx) (int, string, proto.Verdict) {
	view := ctx.Payload()
	if view.Len() < headerLen {
		return 0, "", proto.INVALID
	}
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(view.CreateReader(), hdr); err != nil {
		return 0, "", proto.INVALID
	}

	op := binary.BigEndian.Uint16(hdr[6:8])
	opVal := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	opVal.Set(op)

	sender := fieldtype.New(fieldtype.IPv4).(*fieldtype.IPv4Value)
	if err := sender.Parse(hdr[14:18]); err != nil {
		return 0, "", proto.INVALID
	}
	target := fieldtype.New(fieldtype.IPv4).(*fieldtype.IPv4Value)
	if err := target.Parse(hdr[24:28]); err != nil {
		return 0, "", proto.INVALID
	}

	info := ctx.Info()
	info.Field = append(info.Field, opVal, sender, target)

	// ARP carries no further protocol layer worth descending into.
	return headerLen, "", proto.OK
}
