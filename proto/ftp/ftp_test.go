package ftp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/dispatch"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/ipv4"
	"github.com/gopom/pom/proto/tcp"
	"github.com/gopom/pom/timerwheel"
	"github.com/stretchr/testify/require"
)

func buildIPv4TCP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	totalLen := 20 + 20 + len(payload)
	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	ip[8] = 64
	ip[9] = 6
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])

	hdr := make([]byte, 20)
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	hdr[12] = 5 << 4
	hdr[13] = 0x18 // PSH|ACK

	return append(append(ip, hdr...), payload...)
}

func newHarness(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	reg := proto.NewRegistry()
	table := conntrack.NewTable(reg, 4, time.Hour)
	wheel := timerwheel.NewWheel()
	t.Cleanup(wheel.Stop)

	d := dispatch.New(reg)
	ipMod := ipv4.New(table, wheel, d, 60)
	tcpMod := tcp.New(table)
	require.NoError(t, reg.Register(ipMod.Descriptor()))
	require.NoError(t, reg.Register(tcpMod.Descriptor()))
	require.NoError(t, reg.Register(Descriptor))
	return d
}

func TestRequestLineParsed(t *testing.T) {
	d := newHarness(t)

	client := [4]byte{10, 0, 0, 1}
	server := [4]byte{10, 0, 0, 2}

	raw := buildIPv4TCP(client, server, 40000, 21, []byte("USER anonymous\r\n"))
	v := d.Process(packet.New(time.Now(), 0, raw), "ipv4")
	require.Equal(t, proto.OK, v)
}

func TestResponseLineParsed(t *testing.T) {
	d := newHarness(t)

	client := [4]byte{10, 0, 0, 1}
	server := [4]byte{10, 0, 0, 2}

	req := buildIPv4TCP(client, server, 40001, 21, []byte("USER anonymous\r\n"))
	require.Equal(t, proto.OK, d.Process(packet.New(time.Now(), 0, req), "ipv4"))

	resp := buildIPv4TCP(server, client, 21, 40001, []byte("331 Please specify the password.\r\n"))
	v := d.Process(packet.New(time.Now(), 0, resp), "ipv4")
	require.Equal(t, proto.OK, v)
}

func TestMultilineResponseFirstLineUsesDashSeparator(t *testing.T) {
	d := newHarness(t)

	client := [4]byte{10, 0, 0, 1}
	server := [4]byte{10, 0, 0, 2}

	req := buildIPv4TCP(client, server, 40002, 21, []byte("SYST\r\n"))
	require.Equal(t, proto.OK, d.Process(packet.New(time.Now(), 0, req), "ipv4"))

	resp := buildIPv4TCP(server, client, 21, 40002, []byte("214-Extensions supported\r\n"))
	pkt := packet.New(time.Now(), 0, resp)
	v := d.Process(pkt, "ipv4")
	require.Equal(t, proto.OK, v)
	require.Equal(t, "214", pkt.Info[2].Field[FieldCode].Print())
	require.Equal(t, "Extensions supported", pkt.Info[2].Field[FieldArg].Print())
}
