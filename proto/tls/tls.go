// Package tls implements a TLS Client/Server Hello protocol module: enough
// of the handshake record to pull SNI, ALPN, and JA3/JA3S fingerprints out
// of a TCP stream. The extension-walking approach — read the record header,
// isolate the handshake message in a memview.MemViewReader, seek/truncate
// through each fixed-length and variable-length field in turn — follows
// gnet/tls/client_parser.go and gnet/tls/server_parser.go. Those two
// parsers only ever populate gnet.TLSClientHello/TLSServerHello's
// Hostname/SupportedProtocols and Version/SelectedProtocol/DNSNames
// fields — not the cipher-suite list, full extension-ID list, or curve/
// point-format lists pcap/ja3's JA3 algorithm needs, even though that
// algorithm is written against fields of those exact names. The hello
// types below carry the fields the teacher's parsers stop short of
// populating, so the adapted JA3/JA3S hash in this package has something
// real to hash.
package tls

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/binary"
	"errors"
	"io"
	"strconv"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/memview"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/tcp"
	"github.com/gopom/pom/streamparse"
)

// Record/handshake layout constants, grounded on gnet/tls/const.go.
const (
	recordHeaderLen    = 5
	handshakeHeaderLen = 4
	clientVersionLen   = 2
	clientRandomLen    = 32
	serverVersionLen   = 2
	serverRandomLen    = 32
	cipherSuiteLen     = 2
	compressionMethLen = 1
)

const (
	handshakeTypeClientHello = 1
	handshakeTypeServerHello = 2
)

type extensionID uint16

const (
	extServerName       extensionID = 0
	extSupportedCurves  extensionID = 10
	extSupportedPoints  extensionID = 11
	extALPN             extensionID = 16
	extSupportedVersion extensionID = 0x2b
)

type sniType byte

const dnsHostnameSNIType sniType = 0x00

// TLS version numbers, as they appear on the wire (not negotiated
// supported_versions values unless noted).
const (
	VersionSSL30 uint16 = 0x0300
	VersionTLS10 uint16 = 0x0301
	VersionTLS11 uint16 = 0x0302
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304
)

// clientHello is the richer, locally-defined counterpart to
// gnet.TLSClientHello: it carries every field the JA3 algorithm
// (pcap/ja3/ja3.go's GetJa3Hash) needs, not just the SNI/ALPN subset the
// teacher's parser extracts.
type clientHello struct {
	Version         uint16
	CipherSuites    []uint16
	Extensions      []uint16
	SupportedCurves []uint16
	SupportedPoints []uint16
	Hostname        string
	ALPN            []string
}

// serverHello is the JA3S counterpart to gnet.TLSServerHello.
type serverHello struct {
	Version          uint16
	CipherSuite      uint16
	Extensions       []uint16
	SelectedProtocol string
}

const (
	FieldKind        = iota // "client_hello" or "server_hello"
	FieldVersion            // negotiated/offered TLS version
	FieldHostname           // SNI hostname, client hello only
	FieldALPN               // first negotiated/offered ALPN protocol
	FieldJA3                // JA3 hash, client hello only
	FieldJA3S               // JA3S hash, server hello only
)

var Descriptor = &proto.Descriptor{
	Name:       "tls",
	APIVersion: 1,
	Schema: []proto.Field{
		{Name: "kind", Kind: fieldtype.String},
		{Name: "version", Kind: fieldtype.Uint16},
		{Name: "hostname", Kind: fieldtype.String},
		{Name: "alpn", Kind: fieldtype.String},
		{Name: "ja3", Kind: fieldtype.String},
		{Name: "ja3s", Kind: fieldtype.String},
	},
	Handlers: proto.Handlers{
		Parse: parse,
	},
}

// parse reads the handshake record off the parent tcp frame's buffered
// direction, the same packet.Info.CE-mirror path proto/http uses, since a
// Client/Server Hello can itself be split across TCP segments.
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
	isClientSide := srcPort != nil && dstPort != nil && isTLSPort(dstPort.Bytes()) && !isTLSPort(srcPort.Bytes())

	dir := bidi.Server
	if isClientSide {
		dir = bidi.Client
	}

	buf := dir.Peek()
	if len(buf) < recordHeaderLen {
		return 0, "", proto.OK
	}

	handshakeMsgLen := binary.BigEndian.Uint16(buf[recordHeaderLen-2 : recordHeaderLen])
	recordEnd := recordHeaderLen + int(handshakeMsgLen)
	if len(buf) < recordEnd {
		return 0, "", proto.OK // wait for the rest of the record
	}

	mv := memview.New(buf[recordHeaderLen:recordEnd])
	reader := mv.CreateReader()

	msgType, err := reader.ReadByte()
	if err != nil {
		dir.MarkInvalid()
		return 0, "", proto.INVALID
	}
	// Skip the 3-byte handshake message length that follows the type byte;
	// we already derived the record's total length from the record header.
	if _, err := reader.Seek(handshakeHeaderLen-1, io.SeekCurrent); err != nil {
		dir.MarkInvalid()
		return 0, "", proto.INVALID
	}

	info := ctx.Info()
	kindVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	versionVal := fieldtype.New(fieldtype.Uint16).(*fieldtype.Uint16Value)
	hostnameVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	alpnVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	ja3Val := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)
	ja3sVal := fieldtype.New(fieldtype.String).(*fieldtype.StringValue)

	switch msgType {
	case handshakeTypeClientHello:
		hello, err := parseClientHello(reader)
		if err != nil {
			dir.MarkInvalid()
			return 0, "", proto.INVALID
		}
		kindVal.Set("client_hello")
		versionVal.Set(hello.Version)
		hostnameVal.Set(hello.Hostname)
		if len(hello.ALPN) > 0 {
			alpnVal.Set(hello.ALPN[0])
		}
		ja3Val.Set(ja3Hash(hello))

	case handshakeTypeServerHello:
		hello, err := parseServerHello(reader)
		if err != nil {
			dir.MarkInvalid()
			return 0, "", proto.INVALID
		}
		kindVal.Set("server_hello")
		versionVal.Set(hello.Version)
		alpnVal.Set(hello.SelectedProtocol)
		ja3sVal.Set(ja3SHash(hello))

	default:
		// Not a Hello message (Certificate, ServerKeyExchange, ...); consume
		// the record and move on without emitting a field set for it.
		dir.SkipN(recordEnd)
		return 0, "", proto.OK
	}

	info.Field = append(info.Field, kindVal, versionVal, hostnameVal, alpnVal, ja3Val, ja3sVal)
	dir.SkipN(recordEnd)
	return 0, "", proto.OK
}

func isTLSPort(port []byte) bool {
	return len(port) == 2 && int(port[0])<<8|int(port[1]) == 443
}

func parseClientHello(reader *memview.MemViewReader) (clientHello, error) {
	var hello clientHello

	version, err := reader.ReadUint16()
	if err != nil {
		return hello, err
	}
	hello.Version = version
	if _, err := reader.Seek(clientRandomLen, io.SeekCurrent); err != nil {
		return hello, err
	}

	// Session ID: variable-length vector, one length byte.
	if err := reader.ReadByteAndSeek(); err != nil {
		return hello, err
	}

	// Cipher suites: two-byte length prefix, then a list of uint16 IDs.
	cipherLen, cipherReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return hello, err
	}
	hello.CipherSuites = readUint16List(cipherReader, int(cipherLen)/2)
	if _, err := reader.Seek(int64(cipherLen), io.SeekCurrent); err != nil {
		return hello, err
	}

	// Compression methods: one length byte. Skip.
	if err := reader.ReadByteAndSeek(); err != nil {
		return hello, err
	}

	// Extensions: two-byte length prefix isolating the remainder.
	_, extReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return hello, errors.New("malformed client hello: no extensions block")
	}

	for {
		extType, extLen, contentReader, ok, err := nextExtension(extReader)
		if err != nil {
			return hello, err
		}
		if !ok {
			break
		}
		hello.Extensions = append(hello.Extensions, uint16(extType))

		switch extType {
		case extServerName:
			if hostname, err := parseServerNameExtension(contentReader); err == nil {
				hello.Hostname = hostname
			}
		case extALPN:
			hello.ALPN = parseALPNExtension(contentReader)
		case extSupportedCurves:
			hello.SupportedCurves = readCurveList(contentReader)
		case extSupportedPoints:
			hello.SupportedPoints = readPointList(contentReader)
		}
		_ = extLen
	}

	return hello, nil
}

func parseServerHello(reader *memview.MemViewReader) (serverHello, error) {
	var hello serverHello

	version, err := reader.ReadUint16()
	if err != nil {
		return hello, err
	}
	hello.Version = version
	if _, err := reader.Seek(serverRandomLen, io.SeekCurrent); err != nil {
		return hello, err
	}

	if err := reader.ReadByteAndSeek(); err != nil { // session ID
		return hello, err
	}

	cipherRaw, err := reader.ReadUint16()
	if err != nil {
		return hello, err
	}
	hello.CipherSuite = cipherRaw

	if err := reader.ReadByteAndSeek(); err != nil { // compression method
		return hello, err
	}

	_, extReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		// TLS 1.2 servers that negotiate no extensions may omit this block.
		return hello, nil
	}

	for {
		extType, _, contentReader, ok, err := nextExtension(extReader)
		if err != nil {
			return hello, err
		}
		if !ok {
			break
		}
		hello.Extensions = append(hello.Extensions, uint16(extType))

		switch extType {
		case extALPN:
			if protos := parseALPNExtension(contentReader); len(protos) > 0 {
				hello.SelectedProtocol = protos[0]
			}
		case extSupportedVersion:
			if v, err := contentReader.ReadUint16(); err == nil {
				hello.Version = v
			}
		}
	}

	return hello, nil
}

// nextExtension reads one {type, length}-prefixed extension off reader,
// advancing reader past it and returning an isolated reader over its
// content. ok is false once the extensions block is exhausted.
func nextExtension(reader *memview.MemViewReader) (extType extensionID, length uint16, content *memview.MemViewReader, ok bool, err error) {
	val, err := reader.ReadUint16()
	if err == io.EOF {
		return 0, 0, nil, false, nil
	} else if err != nil {
		return 0, 0, nil, false, err
	}
	extType = extensionID(val)

	length, content, err = reader.ReadUint16AndTruncate()
	if err != nil {
		return 0, 0, nil, false, err
	}
	if _, err := reader.Seek(int64(length), io.SeekCurrent); err != nil {
		return 0, 0, nil, false, err
	}
	return extType, length, content, true, nil
}

func parseServerNameExtension(reader *memview.MemViewReader) (string, error) {
	for {
		entryLen, entryReader, err := reader.ReadUint16AndTruncate()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", err
		}
		if _, err := reader.Seek(int64(entryLen), io.SeekCurrent); err != nil {
			return "", err
		}

		typ, err := entryReader.ReadByte()
		if err != nil {
			return "", err
		}
		if sniType(typ) == dnsHostnameSNIType {
			hostname, err := entryReader.ReadString_uint16()
			if err != nil {
				return "", errors.New("malformed SNI extension entry")
			}
			return hostname, nil
		}
	}
	return "", errors.New("no DNS hostname found in SNI extension")
}

func parseALPNExtension(reader *memview.MemViewReader) []string {
	var result []string
	_, listReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return result
	}
	for {
		protocol, err := listReader.ReadString_byte()
		if err != nil {
			return result
		}
		result = append(result, protocol)
	}
}

func readCurveList(reader *memview.MemViewReader) []uint16 {
	_, listReader, err := reader.ReadUint16AndTruncate()
	if err != nil {
		return nil
	}
	var curves []uint16
	for {
		v, err := listReader.ReadUint16()
		if err != nil {
			return curves
		}
		curves = append(curves, v)
	}
}

func readPointList(reader *memview.MemViewReader) []uint16 {
	length, err := reader.ReadByte()
	if err != nil {
		return nil
	}
	var points []uint16
	for i := 0; i < int(length); i++ {
		b, err := reader.ReadByte()
		if err != nil {
			return points
		}
		points = append(points, uint16(b))
	}
	return points
}

func readUint16List(reader *memview.MemViewReader, count int) []uint16 {
	var out []uint16
	for i := 0; i < count; i++ {
		v, err := reader.ReadUint16()
		if err != nil {
			return out
		}
		out = append(out, v)
	}
	return out
}

// ja3Hash and ja3SHash are pcap/ja3/ja3.go's GetJa3Hash/GetJa3SHash, adapted
// to operate on this package's richer local hello types instead of
// gnet.TLSClientHello/TLSServerHello (whose Extensions/CipherSuites/
// SupportedCurves/SupportedPoints/HandshakeVersion/CipherSuite fields the
// teacher's own client_parser.go/server_parser.go never populate).
const (
	dashByte  = byte('-')
	commaByte = byte(',')
)

func ja3Hash(hello clientHello) string {
	b := make([]byte, 0, 64)

	b = strconv.AppendUint(b, uint64(hello.Version), 10)
	b = append(b, commaByte)

	b = appendDashList(b, hello.CipherSuites)
	b = append(b, commaByte)

	b = appendDashList(b, hello.Extensions)
	b = append(b, commaByte)

	b = appendDashList(b, hello.SupportedCurves)
	b = append(b, commaByte)

	b = appendDashListNoTrailingComma(b, hello.SupportedPoints)

	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func ja3SHash(hello serverHello) string {
	b := make([]byte, 0, 32)

	b = strconv.AppendUint(b, uint64(hello.Version), 10)
	b = append(b, commaByte)

	b = strconv.AppendUint(b, uint64(hello.CipherSuite), 10)
	b = append(b, commaByte)

	b = appendDashListNoTrailingComma(b, hello.Extensions)

	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func appendDashList(b []byte, vals []uint16) []byte {
	for _, v := range vals {
		b = strconv.AppendUint(b, uint64(v), 10)
		b = append(b, dashByte)
	}
	if len(vals) > 0 {
		b[len(b)-1] = commaByte
		return b[:len(b)-1] // caller appends the field-separating comma itself
	}
	return b
}

func appendDashListNoTrailingComma(b []byte, vals []uint16) []byte {
	for i, v := range vals {
		b = strconv.AppendUint(b, uint64(v), 10)
		if i < len(vals)-1 {
			b = append(b, dashByte)
		}
	}
	return b
}
