// Package tcp implements the TCP protocol module (S3): header parsing, a
// 4-tuple conntrack binding that resolves to a single CE regardless of
// which side's packet arrives first, and a pair of streamparse.Direction
// byte streams per CE that later stream-mode layers (http, tls) drive
// through streamparse.TextMachine or their own framing.
package tcp

import (
	"encoding/binary"
	"io"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/ipv4"
	"github.com/gopom/pom/streamparse"
)

const minHeaderLen = 20

const (
	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
	flagPSH = 0x08
	flagACK = 0x10
)

const (
	FieldSrcPort = iota
	FieldDstPort
	FieldFlags
	FieldFwdKey
	FieldRevKey
)

// maxLineLen bounds any text-protocol layer (http) driven off these
// directions; chosen generously since tcp itself has no line concept.
const maxLineLen = 1 << 20

// Module holds the shared conntrack table tcp binds flows into.
type Module struct {
	Table *conntrack.Table
}

// New builds a tcp Module bound to table.
func New(table *conntrack.Table) *Module {
	return &Module{Table: table}
}

// Descriptor builds the registered "tcp" protocol descriptor bound to m.
func (m *Module) Descriptor() *proto.Descriptor {
	return &proto.Descriptor{
		Name:       "tcp",
		APIVersion: 1,
		Schema: []proto.Field{
			{Name: "src_port", Kind: fieldtype.Uint16},
			{Name: "dst_port", Kind: fieldtype.Uint16},
			{Name: "flags", Kind: fieldtype.Uint8},
			{Name: "fwd_key", Kind: fieldtype.Bytes},
			{Name: "rev_key", Kind: fieldtype.Bytes},
		},
		Conntrack: proto.ConntrackInfo{
			DefaultTableSize: 20000,
			FwdFieldID:       FieldFwdKey,
			RevFieldID:       FieldRevKey,
			CleanupHandler:   cleanupBidiKey,
		},
		Handlers: proto.Handlers{
			Parse:   m.parse,
			Process: m.process,
		},
	}
}

func cleanupBidiKey(priv interface{}) {
	if bidi, ok := priv.(*streamparse.BidiKey); ok {
		bidi.Release()
	}
}

// BuildKey renders the 4-tuple conntrack key layout this module uses:
// ip(4) + port(2) + peerIP(4) + peerPort(2), the same shape udp.BuildKey
// uses.
func BuildKey(ip []byte, port uint16, peerIP []byte, peerPort uint16) []byte {
	key := make([]byte, 0, len(ip)+len(peerIP)+4)
	key = append(key, ip...)
	key = binary.BigEndian.AppendUint16(key, port)
	key = append(key, peerIP...)
	key = binary.BigEndian.AppendUint16(key, peerPort)
	return key
}

func (m *Module) parse(ctx proto.Ctx) (int, string, proto.Verdict) {
	view := ctx.Payload()
	if view.Len() < minHeaderLen {
		return 0, "", proto.INVALID
	}
	hdr := make([]byte, minHeaderLen)
	if _, err := io.ReadFull(view.CreateReader(), hdr); err != nil {
		return 0, "", proto.INVALID
	}

	srcPort := binary.BigEndian.Uint16(hdr[0:2])
	dstPort := binary.BigEndian.Uint16(hdr[2:4])
	dataOffset := int(hdr[12]>>4) * 4
	flags := hdr[13]

	if dataOffset < minHeaderLen || int64(dataOffset) > view.Len() {
		return 0, "", proto.INVALID
	}

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

	fwdKey := BuildKey(srcIP, srcPort, dstIP, dstPort)
	revKey := BuildKey(dstIP, dstPort, srcIP, srcPort)

	spVal := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	spVal.Set(srcPort)
	dpVal := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	dpVal.Set(dstPort)
	flagsVal := fieldtype.New(fieldtype.Uint8).(*fieldtype.Uint8Value)
	flagsVal.Set(flags)
	fwdVal := fieldtype.New(fieldtype.Bytes).(*fieldtype.BytesValue)
	fwdVal.Set(fwdKey)
	revVal := fieldtype.New(fieldtype.Bytes).(*fieldtype.BytesValue)
	revVal.Set(revKey)

	info := ctx.Info()
	info.Field = append(info.Field, spVal, dpVal, flagsVal, fwdVal, revVal)

	nextProto := nextProtoForPort(srcPort, dstPort)
	return dataOffset, nextProto, proto.OK
}

func nextProtoForPort(srcPort, dstPort uint16) string {
	switch {
	case srcPort == 80 || dstPort == 80 || srcPort == 8080 || dstPort == 8080:
		return "http"
	case srcPort == 443 || dstPort == 443:
		return "tls"
	case srcPort == 21 || dstPort == 21:
		return "ftp"
	default:
		return ""
	}
}

// process implements S3's CE binding: get_or_create resolves both
// simultaneous SYNs to the same entry (FWD for whichever arrives first,
// REV for the other), and a streamparse.BidiKey pair of Directions is
// created once per CE and fed from whichever side this packet's payload
// belongs to.
func (m *Module) process(ctx proto.Ctx) proto.Verdict {
	info := ctx.Info()
	fwdKey := info.Field[FieldFwdKey].Bytes()
	revKey := info.Field[FieldRevKey].Bytes()

	ce, dir, isNew, err := m.Table.GetOrCreate("tcp", fwdKey, revKey, nil)
	if err != nil {
		return proto.ERR
	}
	defer m.Table.Release(ce)
	ctx.SetCE(ce)

	var bidi *streamparse.BidiKey
	if !isNew {
		bidi, _ = ce.Private("tcp").(*streamparse.BidiKey)
	}
	if bidi == nil {
		bidi = &streamparse.BidiKey{
			Client: streamparse.NewDirection(maxLineLen),
			Server: streamparse.NewDirection(maxLineLen),
		}
		ce.SetPrivate("tcp", bidi)
	}

	view := ctx.Payload()
	flags := info.Field[FieldFlags].Bytes()[0]
	if flags&flagRST != 0 {
		bidi.Client.MarkInvalid()
		bidi.Server.MarkInvalid()
		return proto.STOP
	}

	// ctx.Payload() here is this frame's own header+body, since trimming to
	// the next frame's payload only happens via stack.Descend after Parse
	// returns: re-derive the data offset to find where the body starts, the
	// same pattern ipv4.process uses to re-read its own header.
	if view.Len() >= minHeaderLen {
		hdr := make([]byte, minHeaderLen)
		if _, err := io.ReadFull(view.CreateReader(), hdr); err == nil {
			dataOffset := int64(hdr[12]>>4) * 4
			if dataOffset >= minHeaderLen && dataOffset <= view.Len() {
				body := view.SubView(dataOffset, view.Len())
				if n := body.Len(); n > 0 {
					buf := make([]byte, n)
					if _, err := io.ReadFull(body.CreateReader(), buf); err == nil {
						if dir == conntrack.FWD {
							bidi.Client.Feed(buf)
						} else {
							bidi.Server.Feed(buf)
						}
					}
				}
			}
		}
	}

	if flags&flagFIN != 0 {
		if dir == conntrack.FWD {
			bidi.Client.MarkInvalid()
		} else {
			bidi.Server.MarkInvalid()
		}
	}

	return proto.OK
}
