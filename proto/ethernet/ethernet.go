// Package ethernet implements the link-layer protocol module: the root
// frame every capture feeds the pipeline dispatcher at (C8's
// process(packet, link_protocol) with link_protocol == "ethernet"). It owns
// no conntrack state; its only job is picking the next-layer protocol from
// the EtherType field, the same switch the teacher's gopacket-based
// decoders perform via layers.EthernetType.
package ethernet

import (
	"encoding/binary"
	"io"

	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/proto"
)

const headerLen = 14

// Schema field indices.
const (
	FieldDst = iota
	FieldSrc
	FieldEtherType
)

// Descriptor is the registered "ethernet" protocol.
var Descriptor = &proto.Descriptor{
	Name:       "ethernet",
	APIVersion: 1,
	Schema: []proto.Field{
		{Name: "dst", Kind: fieldtype.Bytes, Desc: "Destination MAC"},
		{Name: "src", Kind: fieldtype.Bytes, Desc: "Source MAC"},
		{Name: "ethertype", Kind: fieldtype.Uint16, Desc: "EtherType"},
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

	info := ctx.Info()
	info.Field = append(info.Field, fieldtype.New(fieldtype.Bytes))
	info.Field[FieldDst].(*fieldtype.BytesValue).Set(hdr[0:6])
	info.Field = append(info.Field, fieldtype.New(fieldtype.Bytes))
	info.Field[FieldSrc].(*fieldtype.BytesValue).Set(hdr[6:12])

	etherType := binary.BigEndian.Uint16(hdr[12:14])
	et := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	et.Set(etherType)
	info.Field = append(info.Field, et)

	var next string
	switch etherType {
	case 0x0800:
		next = "ipv4"
	case 0x0806:
		next = "arp"
	default:
		// Unsupported EtherType: terminate the pipeline at this layer
		// rather than treat the frame as malformed (§7's "unsupported
		// next-layer protocol" is distinct from a wire-format violation).
		next = ""
	}

	return headerLen, next, proto.OK
}
