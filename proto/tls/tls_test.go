package tls

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

func u16(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }

func extension(id uint16, content []byte) []byte {
	out := append([]byte{}, u16(id)...)
	out = append(out, u16(uint16(len(content)))...)
	return append(out, content...)
}

func sniExtension(hostname string) []byte {
	entry := append([]byte{0x00}, u16(uint16(len(hostname)))...)
	entry = append(entry, []byte(hostname)...)
	list := append(u16(uint16(len(entry))), entry...)
	return extension(0, list)
}

func alpnExtension(protocols ...string) []byte {
	var list []byte
	for _, p := range protocols {
		list = append(list, byte(len(p)))
		list = append(list, []byte(p)...)
	}
	return extension(16, append(u16(uint16(len(list))), list...))
}

func curvesExtension(curves ...uint16) []byte {
	var list []byte
	for _, c := range curves {
		list = append(list, u16(c)...)
	}
	return extension(10, append(u16(uint16(len(list))), list...))
}

func pointsExtension(points ...byte) []byte {
	content := append([]byte{byte(len(points))}, points...)
	return extension(11, content)
}

// buildClientHello assembles a minimal but well-formed TLS record
// containing a Client Hello: version, a 32-byte random, an empty session
// ID, one cipher suite, no compression, and the given extensions.
func buildClientHello(extensions ...[]byte) []byte {
	body := append([]byte{}, u16(VersionTLS12)...)
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // empty session ID
	body = append(body, u16(2)...)            // cipher suites length
	body = append(body, u16(0xC02F)...)       // one cipher suite
	body = append(body, 0x00)                 // compression methods length

	var extBuf []byte
	for _, e := range extensions {
		extBuf = append(extBuf, e...)
	}
	body = append(body, u16(uint16(len(extBuf)))...)
	body = append(body, extBuf...)

	handshake := append([]byte{handshakeTypeClientHello}, threeByteLen(len(body))...)
	handshake = append(handshake, body...)

	record := append([]byte{0x16, 0x03, 0x01}, u16(uint16(len(handshake)))...)
	return append(record, handshake...)
}

func buildServerHello(extensions ...[]byte) []byte {
	body := append([]byte{}, u16(VersionTLS12)...)
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // empty session ID
	body = append(body, u16(0xC02F)...)       // selected cipher suite
	body = append(body, 0x00)                 // compression method

	var extBuf []byte
	for _, e := range extensions {
		extBuf = append(extBuf, e...)
	}
	body = append(body, u16(uint16(len(extBuf)))...)
	body = append(body, extBuf...)

	handshake := append([]byte{handshakeTypeServerHello}, threeByteLen(len(body))...)
	handshake = append(handshake, body...)

	record := append([]byte{0x16, 0x03, 0x01}, u16(uint16(len(handshake)))...)
	return append(record, handshake...)
}

func threeByteLen(n int) []byte {
	return []byte{byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestClientHelloExtractsSNIAndJA3(t *testing.T) {
	d := newHarness(t)

	client := [4]byte{10, 0, 0, 1}
	server := [4]byte{10, 0, 0, 2}

	payload := buildClientHello(
		sniExtension("example.com"),
		alpnExtension("h2", "http/1.1"),
		curvesExtension(23, 24),
		pointsExtension(0),
	)
	raw := buildIPv4TCP(client, server, 50000, 443, payload)

	pkt := packet.New(time.Now(), 0, raw)
	v := d.Process(pkt, "ipv4")
	require.Equal(t, proto.OK, v)
	require.Equal(t, "example.com", pkt.Info[2].Field[FieldHostname].Print())
	require.Len(t, pkt.Info[2].Field[FieldJA3].Print(), 32)
}

func TestServerHelloExtractsJA3S(t *testing.T) {
	d := newHarness(t)

	client := [4]byte{10, 0, 0, 1}
	server := [4]byte{10, 0, 0, 2}

	clientPayload := buildClientHello(sniExtension("example.com"))
	reqRaw := buildIPv4TCP(client, server, 50001, 443, clientPayload)
	require.Equal(t, proto.OK, d.Process(packet.New(time.Now(), 0, reqRaw), "ipv4"))

	serverPayload := buildServerHello(alpnExtension("h2"))
	respRaw := buildIPv4TCP(server, client, 443, 50001, serverPayload)
	pkt := packet.New(time.Now(), 0, respRaw)
	v := d.Process(pkt, "ipv4")
	require.Equal(t, proto.OK, v)
	require.Equal(t, "h2", pkt.Info[2].Field[FieldALPN].Print())
	require.Len(t, pkt.Info[2].Field[FieldJA3S].Print(), 32)
}

func TestJA3HashIsDeterministic(t *testing.T) {
	hello := clientHello{
		Version:         VersionTLS12,
		CipherSuites:    []uint16{0xC02F, 0xC02B},
		Extensions:      []uint16{0, 10, 11, 16},
		SupportedCurves: []uint16{23, 24},
		SupportedPoints: []uint16{0},
	}
	h1 := ja3Hash(hello)
	h2 := ja3Hash(hello)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 32)
}
