// Package udp implements the UDp protocol module: header parsing, a
// 4-tuple conntrack binding, and next-layer selection that gives SIP's
// registered expectations (C11) first refusal before falling back to a
// fixed SIP port heuristic — together these implement S4's "first
// subsequent UDP packet matching that 5-tuple is processed under a CE
// linked to the SIP dialog".
package udp

import (
	"encoding/binary"
	"io"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/expectation"
	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/ipv4"
)

const headerLen = 8

const (
	FieldSrcPort = iota
	FieldDstPort
	FieldFwdKey
	FieldRevKey
)

const sipPort = 5060

// boundProto is the next-layer protocol name an expectation match bound
// this CE to (S4's "first packet matching that 5-tuple"). Stored as the
// CE's own udp private state so every later packet on the same flow
// reuses that routing decision instead of only the first one; Release is
// a no-op since the value carries no resources of its own.
type boundProto string

func (boundProto) Release() {}

// Module holds the shared conntrack table and the expectation store SIP
// registers its pending RTP flows into.
type Module struct {
	Table        *conntrack.Table
	Expectations *expectation.Store
}

// New builds a udp Module. expectations may be nil if no control protocol
// in this build registers flow expectations.
func New(table *conntrack.Table, expectations *expectation.Store) *Module {
	return &Module{Table: table, Expectations: expectations}
}

// Descriptor builds the registered "udp" protocol descriptor bound to m.
// All of udp's work happens in Parse: the 4-tuple conntrack key needs both
// this layer's ports and the parent ipv4 frame's addresses, and the
// dispatcher only ever honors the next-layer protocol Parse returns, so
// expectation matching — which decides that next-layer choice for S4 —
// must run here rather than in Process.
func (m *Module) Descriptor() *proto.Descriptor {
	return &proto.Descriptor{
		Name:       "udp",
		APIVersion: 1,
		Schema: []proto.Field{
			{Name: "src_port", Kind: fieldtype.Uint16},
			{Name: "dst_port", Kind: fieldtype.Uint16},
			{Name: "fwd_key", Kind: fieldtype.Bytes},
			{Name: "rev_key", Kind: fieldtype.Bytes},
		},
		Conntrack: proto.ConntrackInfo{
			DefaultTableSize: 20000,
			FwdFieldID:       FieldFwdKey,
			RevFieldID:       FieldRevKey,
		},
		Handlers: proto.Handlers{
			Parse: m.parse,
		},
	}
}

// BuildKey renders the 4-tuple conntrack key layout this module uses:
// ip(4) + port(2) + peerIP(4) + peerPort(2). Exported so a control
// protocol module (proto/sip) can build expectation matchers against the
// same key shape this module hands conntrack.
func BuildKey(ip []byte, port uint16, peerIP []byte, peerPort uint16) []byte {
	return buildKey(ip, port, peerIP, peerPort)
}

func buildKey(ip []byte, port uint16, peerIP []byte, peerPort uint16) []byte {
	key := make([]byte, 0, len(ip)+len(peerIP)+4)
	key = append(key, ip...)
	key = binary.BigEndian.AppendUint16(key, port)
	key = append(key, peerIP...)
	key = binary.BigEndian.AppendUint16(key, peerPort)
	return key
}

func (m *Module) parse(ctx proto.Ctx) (int, string, proto.Verdict) {
	view := ctx.Payload()
	if view.Len() < headerLen {
		return 0, "", proto.INVALID
	}
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(view.CreateReader(), hdr); err != nil {
		return 0, "", proto.INVALID
	}

	srcPort := binary.BigEndian.Uint16(hdr[0:2])
	dstPort := binary.BigEndian.Uint16(hdr[2:4])
	length := int64(binary.BigEndian.Uint16(hdr[4:6]))
	if length < headerLen || length > view.Len() {
		return 0, "", proto.INVALID
	}

	spVal := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	spVal.Set(srcPort)
	dpVal := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	dpVal.Set(dstPort)

	frame := ctx.Frame()
	if frame == 0 {
		return 0, "", proto.ERR
	}
	parent := ctx.Packet().Info[frame-1]
	if len(parent.Field) <= ipv4.FieldDst {
		return 0, "", proto.ERR
	}
	srcIP := parent.Field[ipv4.FieldSrc].Bytes()
	dstIP := parent.Field[ipv4.FieldDst].Bytes()

	fwdKey := buildKey(srcIP, srcPort, dstIP, dstPort)
	revKey := buildKey(dstIP, dstPort, srcIP, srcPort)
	fwdVal := fieldtype.New(fieldtype.Bytes).(*fieldtype.BytesValue)
	fwdVal.Set(fwdKey)
	revVal := fieldtype.New(fieldtype.Bytes).(*fieldtype.BytesValue)
	revVal.Set(revKey)

	info := ctx.Info()
	info.Field = append(info.Field, spVal, dpVal, fwdVal, revVal)

	ce, _, isNew, err := m.Table.GetOrCreate("udp", fwdKey, revKey, nil)
	if err != nil {
		return 0, "", proto.ERR
	}
	ctx.SetCE(ce)

	nextProto := ""
	if isNew {
		if m.Expectations != nil && m.Expectations.Match("udp", fwdKey, revKey, ce) {
			nextProto = "rtp"
			ce.SetPrivate("udp", boundProto(nextProto))
		}
	} else if bp, ok := ce.Private("udp").(boundProto); ok {
		nextProto = string(bp)
	}
	m.Table.Release(ce)

	if nextProto == "" && (srcPort == sipPort || dstPort == sipPort) {
		nextProto = "sip"
	}

	return headerLen, nextProto, proto.OK
}
