package memview

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests cover the MemView/MemViewReader surface this repository
// actually exercises: SubView + CreateReader for header parsing
// (proto/ipv4, stack.Descend), Append for multipart reassembly
// (multipart.Buffer.Deliver), and the MemViewReader cursor operations
// proto/tls drives directly over a handshake message (ReadByte,
// ReadByteAndSeek, ReadUint16, ReadUint16AndTruncate, ReadString_byte,
// ReadString_uint16, Seek).

func TestNewAndLen(t *testing.T) {
	mv := New([]byte("hello world"))
	require.Equal(t, int64(11), mv.Len())
	require.Equal(t, "hello world", mv.String())
}

func TestEmptyHasZeroLength(t *testing.T) {
	mv := Empty()
	require.Equal(t, int64(0), mv.Len())
	require.Equal(t, "", mv.String())
}

func TestSubViewTrimsFront(t *testing.T) {
	// Mirrors stack.Descend: trim a header off the front, keep the rest.
	mv := New([]byte("HEADERpayload"))
	rest := mv.SubView(6, mv.Len())
	require.Equal(t, "payload", rest.String())
	require.Equal(t, int64(7), rest.Len())
}

func TestSubViewOutOfRangeClamps(t *testing.T) {
	mv := New([]byte("short"))
	// proto/ipv4's readHeader relies on Len() to reject an out-of-range
	// read before calling SubView, but SubView itself must not panic on a
	// view that's already been trimmed down to nothing.
	empty := mv.SubView(mv.Len(), mv.Len())
	require.Equal(t, int64(0), empty.Len())
}

func TestAppendConcatenatesAcrossChunks(t *testing.T) {
	// Mirrors multipart.Buffer.Deliver: out-of-order fragment chunks get
	// Append-ed in offset order into one contiguous view.
	var out MemView
	out.Append(New([]byte("frag-a-")))
	out.Append(New([]byte("frag-b-")))
	out.Append(New([]byte("frag-c")))
	require.Equal(t, "frag-a-frag-b-frag-c", out.String())
	require.Equal(t, int64(len("frag-a-frag-b-frag-c")), out.Len())
}

func TestCreateReaderReadFull(t *testing.T) {
	// proto/ipv4 and proto/tcp both read a fixed-length header via
	// io.ReadFull(view.CreateReader(), buf).
	mv := New([]byte{0x45, 0x00, 0x00, 0x3c})
	buf := make([]byte, 4)
	n, err := io.ReadFull(mv.CreateReader(), buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, byte(0x45), buf[0])
}

func TestCreateReaderReadFullShortViewErrors(t *testing.T) {
	mv := New([]byte{0x01, 0x02})
	buf := make([]byte, 4)
	_, err := io.ReadFull(mv.CreateReader(), buf)
	require.Error(t, err)
}

func TestReaderByteAndUint16(t *testing.T) {
	mv := New([]byte{0x16, 0x03, 0x01, 0x00, 0x2f})
	r := mv.CreateReader()

	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x16), b)

	version, err := r.ReadUint16()
	require.NoError(t, err)
	require.EqualValues(t, 0x0301, version)

	length, err := r.ReadUint16()
	require.NoError(t, err)
	require.EqualValues(t, 0x002f, length)
}

func TestReaderByteAndSeekSkipsALengthPrefixedField(t *testing.T) {
	// proto/tls uses ReadByteAndSeek to skip a session ID / compression
	// method field whose own length is the next byte: 0x02 here means
	// "skip the following 2 bytes", landing on the tail byte after them.
	mv := New([]byte{0x02, 0xaa, 0xbb, 0xcc})
	r := mv.CreateReader()

	require.NoError(t, r.ReadByteAndSeek())
	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0xcc), b)
}

func TestReaderSeekCurrentAndStart(t *testing.T) {
	// proto/tls skips fixed-length fields (client/server random) with
	// Seek(n, io.SeekCurrent) before resuming structured reads.
	mv := New([]byte("abcdefgh"))
	r := mv.CreateReader()

	pos, err := r.Seek(3, io.SeekCurrent)
	require.NoError(t, err)
	require.EqualValues(t, 3, pos)

	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('d'), b)

	pos, err = r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos)
	b, err = r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('a'), b)
}

func TestReaderUint16AndTruncateScopesSubReader(t *testing.T) {
	// proto/tls's extension walk reads a uint16 length prefix and gets
	// back a reader truncated to exactly that many following bytes — the
	// shape nextExtension and the cipher-suite/extension-list parsers all
	// depend on. ReadUint16AndTruncate only consumes the 2-byte length
	// prefix itself; like proto/tls, the caller must Seek the parent
	// forward by length to skip past the field.
	mv := New([]byte{0x00, 0x03, 0x01, 0x02, 0x03, 0xff, 0xff})
	r := mv.CreateReader()

	length, sub, err := r.ReadUint16AndTruncate()
	require.NoError(t, err)
	require.EqualValues(t, 3, length)

	b, err := sub.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x01), b)

	// The sub-reader is bounded to the declared length, not the
	// remainder of the parent view.
	_, err = io.ReadFull(sub, make([]byte, 3))
	require.Error(t, err)

	_, err = r.Seek(int64(length), io.SeekCurrent)
	require.NoError(t, err)
	tail, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0xff), tail)
}

func TestReaderStringByteAndUint16Prefixed(t *testing.T) {
	// ALPN protocol names are byte-length-prefixed
	// (ReadString_byte); SNI hostnames are uint16-length-prefixed
	// (ReadString_uint16).
	mv := New([]byte{0x02, 'h', '2'})
	s, err := mv.CreateReader().ReadString_byte()
	require.NoError(t, err)
	require.Equal(t, "h2", s)

	mv2 := New([]byte{0x00, 0x03, 'f', 'o', 'o'})
	s2, err := mv2.CreateReader().ReadString_uint16()
	require.NoError(t, err)
	require.Equal(t, "foo", s2)
}

func TestDeepCopyIsIndependent(t *testing.T) {
	original := New([]byte("hello"))
	dup := original.DeepCopy()
	dup.Append(New([]byte(" there")))

	require.Equal(t, "hello", original.String())
	require.Equal(t, "hello there", dup.String())
}

func TestEqual(t *testing.T) {
	a := New([]byte("same"))
	b := New([]byte("same"))
	c := New([]byte("different"))
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}
