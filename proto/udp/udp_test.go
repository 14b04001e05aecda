package udp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/dispatch"
	"github.com/gopom/pom/expectation"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/ipv4"
	"github.com/gopom/pom/timerwheel"
	"github.com/stretchr/testify/require"
)

func buildIPv4UDP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	totalLen := 20 + udpLen

	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	ip[8] = 64
	ip[9] = 17 // udp
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(udpLen))

	return append(append(ip, hdr...), payload...)
}

func newHarness(t *testing.T) (*dispatch.Dispatcher, *conntrack.Table, *expectation.Store) {
	t.Helper()
	reg := proto.NewRegistry()
	table := conntrack.NewTable(reg, 4, time.Hour)
	wheel := timerwheel.NewWheel()
	t.Cleanup(wheel.Stop)
	exp := expectation.NewStore(time.Minute, time.Minute)

	d := dispatch.New(reg)
	ipMod := ipv4.New(table, wheel, d, 60)
	udpMod := New(table, exp)
	require.NoError(t, reg.Register(ipMod.Descriptor()))
	require.NoError(t, reg.Register(udpMod.Descriptor()))
	require.NoError(t, reg.Register(&proto.Descriptor{
		Name: "rtp",
		Handlers: proto.Handlers{
			Parse: func(ctx proto.Ctx) (int, string, proto.Verdict) { return 0, "", proto.OK },
		},
	}))
	require.NoError(t, reg.Register(&proto.Descriptor{
		Name: "sip",
		Handlers: proto.Handlers{
			Parse: func(ctx proto.Ctx) (int, string, proto.Verdict) { return 0, "", proto.OK },
		},
	}))
	return d, table, exp
}

func TestUnmatchedUDPHasNoNextProto(t *testing.T) {
	d, _, _ := newHarness(t)
	a := [4]byte{10, 0, 0, 1}
	b := [4]byte{10, 0, 0, 2}
	raw := buildIPv4UDP(a, b, 4000, 4001, []byte("hello"))
	pkt := packet.New(time.Now(), 0, raw)
	v := d.Process(pkt, "ipv4")
	require.Equal(t, proto.OK, v)
	require.Len(t, pkt.Info, 2, "no layer is pushed above udp")
}

func TestSIPPortRoutesToSIP(t *testing.T) {
	d, _, _ := newHarness(t)
	a := [4]byte{10, 0, 0, 1}
	b := [4]byte{10, 0, 0, 2}
	raw := buildIPv4UDP(a, b, 5555, sipPort, []byte("INVITE sip:bob@example.com SIP/2.0\r\n\r\n"))
	pkt := packet.New(time.Now(), 0, raw)
	v := d.Process(pkt, "ipv4")
	require.Equal(t, proto.OK, v)
	require.Equal(t, "sip", pkt.Info[2].Proto)
}

func TestExpectationMatchRoutesToRTP(t *testing.T) {
	d, _, exp := newHarness(t)
	a := [4]byte{10, 0, 0, 1}
	b := [4]byte{10, 0, 0, 2}

	matched := false
	want := BuildKey(a[:], 6000, nil, 0)[:6]
	exp.Register("udp", func(fwdKey, revKey []byte) bool {
		return len(fwdKey) >= 6 && string(fwdKey[:6]) == string(want)
	}, func(ce *conntrack.Entry, owner interface{}) {
		matched = true
	}, nil, time.Minute)

	raw := buildIPv4UDP(a, b, 6000, 6001, []byte{0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	v := d.Process(packet.New(time.Now(), 0, raw), "ipv4")
	require.Equal(t, proto.OK, v)
	require.True(t, matched)
}

// TestExpectationMatchPersistsAcrossPackets checks that once a flow's
// first packet matches a registered expectation, every later packet on
// that same flow also routes to "rtp" — not just the one that triggered
// the match (S4: a CE bound to a dialog stays bound for its life, it
// doesn't revert to unmatched after the first packet).
func TestExpectationMatchPersistsAcrossPackets(t *testing.T) {
	reg := proto.NewRegistry()
	table := conntrack.NewTable(reg, 4, time.Hour)
	wheel := timerwheel.NewWheel()
	t.Cleanup(wheel.Stop)
	exp := expectation.NewStore(time.Minute, time.Minute)

	d := dispatch.New(reg)
	ipMod := ipv4.New(table, wheel, d, 60)
	udpMod := New(table, exp)
	require.NoError(t, reg.Register(ipMod.Descriptor()))
	require.NoError(t, reg.Register(udpMod.Descriptor()))

	rtpHits := 0
	require.NoError(t, reg.Register(&proto.Descriptor{
		Name: "rtp",
		Handlers: proto.Handlers{
			Parse: func(ctx proto.Ctx) (int, string, proto.Verdict) {
				rtpHits++
				return 0, "", proto.OK
			},
		},
	}))

	a := [4]byte{10, 0, 0, 1}
	b := [4]byte{10, 0, 0, 2}
	want := BuildKey(a[:], 6000, nil, 0)[:6]
	exp.Register("udp", func(fwdKey, revKey []byte) bool {
		return len(fwdKey) >= 6 && string(fwdKey[:6]) == string(want)
	}, func(ce *conntrack.Entry, owner interface{}) {}, nil, time.Minute)

	rtpPayload := []byte{0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 3; i++ {
		raw := buildIPv4UDP(a, b, 6000, 6001, rtpPayload)
		v := d.Process(packet.New(time.Now(), 0, raw), "ipv4")
		require.Equal(t, proto.OK, v)
	}

	require.Equal(t, 3, rtpHits, "every packet on the matched flow must route to rtp, not just the first")
}
