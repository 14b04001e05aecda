// Package ipv4 implements the IPv4 protocol module (C1-C5's concrete
// instance): header parsing, conntrack binding keyed by (src, dst) exactly
// as the original proto_ipv4 module keys it, and fragment reassembly via
// package fragment, including the DF/MF/offset bit handling and the
// (0,1480,1),(1480,1480,1),(2960,40,0) three-fragment scenario.
package ipv4

import (
	"encoding/binary"
	"io"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/dispatch"
	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/fragment"
	"github.com/gopom/pom/log"
	"github.com/gopom/pom/memview"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/timerwheel"
)

const minHeaderLen = 20

const (
	dontFragment  = 0x4000
	moreFragments = 0x2000
	offsetMask    = 0x1fff
)

// Schema field indices, matching the original's {src, dst, tos, ttl}.
const (
	FieldSrc = iota
	FieldDst
	FieldTOS
	FieldTTL
)

// Module holds the shared infrastructure the ipv4 descriptor's handlers
// close over: the conntrack table fragment entries attach to, the timer
// wheel fragment timeouts are scheduled on, and the dispatcher a completed
// reassembly is re-injected through.
type Module struct {
	Table       *conntrack.Table
	Wheel       *timerwheel.Wheel
	Dispatcher  *dispatch.Dispatcher
	FragTimeout float64 // seconds; 60 matches the original's default
}

// New builds an ipv4 Module bound to the given shared infrastructure.
func New(table *conntrack.Table, wheel *timerwheel.Wheel, d *dispatch.Dispatcher, fragTimeoutSeconds float64) *Module {
	if fragTimeoutSeconds <= 0 {
		fragTimeoutSeconds = 60
	}
	return &Module{Table: table, Wheel: wheel, Dispatcher: d, FragTimeout: fragTimeoutSeconds}
}

// Descriptor builds the registered "ipv4" protocol descriptor bound to m.
func (m *Module) Descriptor() *proto.Descriptor {
	return &proto.Descriptor{
		Name:       "ipv4",
		APIVersion: 1,
		Schema: []proto.Field{
			{Name: "src", Kind: fieldtype.IPv4, Desc: "Source address"},
			{Name: "dst", Kind: fieldtype.IPv4, Desc: "Destination address"},
			{Name: "tos", Kind: fieldtype.Uint8, Desc: "Type of service"},
			{Name: "ttl", Kind: fieldtype.Uint8, Desc: "Time to live"},
		},
		Conntrack: proto.ConntrackInfo{
			DefaultTableSize: 20000,
			FwdFieldID:       FieldSrc,
			RevFieldID:       FieldDst,
			CleanupHandler:   cleanupFragmentList,
		},
		Handlers: proto.Handlers{
			Parse:   parse,
			Process: m.process,
		},
	}
}

func cleanupFragmentList(priv interface{}) {
	if list, ok := priv.(*fragment.List); ok {
		list.Release()
	}
}

func readHeader(view memview.MemView, n int) ([]byte, bool) {
	if view.Len() < int64(n) {
		return nil, false
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(view.CreateReader(), hdr); err != nil {
		return nil, false
	}
	return hdr, true
}

func nextProtoForIPProtocol(p byte) string {
	switch p {
	case 1:
		return "icmp"
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 41:
		return "ipv6"
	case 47:
		return "gre"
	default:
		return ""
	}
}

func parse(ctx proto.Ctx) (int, string, proto.Verdict) {
	view := ctx.Payload()
	hdr, ok := readHeader(view, minHeaderLen)
	if !ok {
		return 0, "", proto.INVALID
	}

	versionIHL := hdr[0]
	version := versionIHL >> 4
	ihl := int(versionIHL&0x0f) * 4
	totalLength := binary.BigEndian.Uint16(hdr[2:4])

	if version != 4 || ihl < minHeaderLen || int64(totalLength) < int64(ihl) || int64(totalLength) > view.Len() {
		return 0, "", proto.INVALID
	}

	src := fieldtype.New(fieldtype.IPv4).(*fieldtype.IPv4Value)
	if err := src.Parse(hdr[12:16]); err != nil {
		return 0, "", proto.INVALID
	}
	dst := fieldtype.New(fieldtype.IPv4).(*fieldtype.IPv4Value)
	if err := dst.Parse(hdr[16:20]); err != nil {
		return 0, "", proto.INVALID
	}
	tos := fieldtype.New(fieldtype.Uint8).(*fieldtype.Uint8Value)
	tos.Set(hdr[1])
	ttl := fieldtype.New(fieldtype.Uint8).(*fieldtype.Uint8Value)
	ttl.Set(hdr[8])

	info := ctx.Info()
	info.Field = append(info.Field, src, dst, tos, ttl)

	return ihl, nextProtoForIPProtocol(hdr[9]), proto.OK
}

// process implements 4.3's fragment handling: a non-fragmented datagram
// (DF set, or MF clear with a zero offset) passes straight through; a
// genuine fragment is buffered in this CE's fragment.List.
func (m *Module) process(ctx proto.Ctx) proto.Verdict {
	view := ctx.Payload()
	hdr, ok := readHeader(view, minHeaderLen)
	if !ok {
		return proto.INVALID
	}

	ihl := int(hdr[0]&0x0f) * 4
	totalLength := int64(binary.BigEndian.Uint16(hdr[2:4]))
	identification := binary.BigEndian.Uint16(hdr[4:6])
	fragOff := binary.BigEndian.Uint16(hdr[6:8])
	ipProto := hdr[9]

	info := ctx.Info()
	fwdKey := info.Field[FieldSrc].Bytes()
	revKey := info.Field[FieldDst].Bytes()

	ce, _, isNew, err := m.Table.GetOrCreate("ipv4", fwdKey, revKey, nil)
	if err != nil {
		return proto.ERR
	}
	defer m.Table.Release(ce)
	ctx.SetCE(ce)

	var list *fragment.List
	if !isNew {
		if priv, ok := ce.Private("ipv4").(*fragment.List); ok {
			list = priv
		}
	}
	if list == nil {
		list = fragment.NewList(ce, m.Wheel, m.FragTimeout)
		ce.SetPrivate("ipv4", list)
	}

	if fragOff&dontFragment != 0 {
		return proto.OK
	}
	if fragOff&moreFragments == 0 && fragOff&offsetMask == 0 {
		return proto.OK // not fragmented
	}

	offset := int64(fragOff&offsetMask) * 8
	fragSize := totalLength - int64(ihl)
	if offset+fragSize > 65535 || int64(ihl)+fragSize > view.Len() {
		return proto.INVALID
	}

	payload := view.SubView(int64(ihl), int64(ihl)+fragSize)
	mf := fragOff&moreFragments != 0
	nextProto := nextProtoForIPProtocol(ipProto)

	return list.Process(
		uint32(identification), offset, fragSize, mf, payload, ctx.Packet(),
		func() string { return nextProto },
		func(reassembled memview.MemView, nextProto string, origin *packet.Packet) {
			// Deliver at frame()+1 of ctx's own stack (4.3 step 5), not a
			// fresh Dispatcher.Process call: the reassembled datagram's
			// next-layer handlers (udp, tcp) read their parent's IPs back
			// out of Packet().Info[frame-1], which only exists if this
			// ipv4 frame stays part of the same stack.
			if v := ctx.Continue(m.Dispatcher.Registry, nextProto, reassembled); v == proto.ERR {
				log.Errf("ipv4: reassembled %s dispatch returned ERR\n", nextProto)
			}
		},
	)
}
