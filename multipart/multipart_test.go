package multipart

import (
	"testing"
	"time"

	"github.com/gopom/pom/packet"
	"github.com/stretchr/testify/require"
)

func mkPacket(b []byte) *packet.Packet {
	return packet.New(time.Now(), 0, b)
}

// TestInOrderReassembly exercises S1: three UDP/IPv4 fragments
// (0,1480,MF=1),(1480,1480,MF=1),(2960,40,MF=0) reassemble into one 3000
// byte payload.
func TestInOrderReassembly(t *testing.T) {
	b := New("udp")

	p1 := mkPacket(make([]byte, 1480))
	p2 := mkPacket(make([]byte, 1480))
	p3 := mkPacket(make([]byte, 40))

	b.Insert(0, p1.Buf, p1)
	b.Insert(1480, p2.Buf, p2)
	b.Insert(2960, p3.Buf, p3)
	b.SetGotLast()

	require.True(t, b.Ready())
	out, ok := b.Deliver()
	require.True(t, ok)
	require.EqualValues(t, 3000, out.Len())
}

// TestOutOfOrderReassembly exercises S2: the same three fragments delivered
// in order (2,0,1) must reassemble identically to S1.
func TestOutOfOrderReassembly(t *testing.T) {
	b := New("udp")

	p1 := mkPacket(make([]byte, 1480))
	p2 := mkPacket(make([]byte, 1480))
	p3 := mkPacket(make([]byte, 40))

	b.Insert(2960, p3.Buf, p3)
	b.Insert(0, p1.Buf, p1)
	b.Insert(1480, p2.Buf, p2)
	b.SetGotLast()

	require.True(t, b.Ready())
	out, ok := b.Deliver()
	require.True(t, ok)
	require.EqualValues(t, 3000, out.Len())
}

func TestGapPreventsDelivery(t *testing.T) {
	b := New("udp")
	p1 := mkPacket(make([]byte, 1480))
	p3 := mkPacket(make([]byte, 40))
	b.Insert(0, p1.Buf, p1)
	b.Insert(2960, p3.Buf, p3)
	b.SetGotLast()

	require.False(t, b.Ready())
	require.Equal(t, 1, b.Gaps())
	_, ok := b.Deliver()
	require.False(t, ok)
}

func TestDeliverExactlyOnce(t *testing.T) {
	b := New("udp")
	p := mkPacket([]byte{1, 2, 3})
	b.Insert(0, p.Buf, p)
	b.SetGotLast()

	_, ok := b.Deliver()
	require.True(t, ok)

	_, ok = b.Deliver()
	require.False(t, ok, "a second Deliver call must not redeliver")
}

func TestDuplicateInsertDiscarded(t *testing.T) {
	b := New("udp")
	p := mkPacket([]byte{1, 2, 3, 4})
	b.Insert(0, p.Buf, p)
	b.Insert(0, p.Buf, p)
	require.Len(t, b.chunks, 1)
}

func TestPartialOverlapTruncates(t *testing.T) {
	b := New("udp")
	p1 := mkPacket([]byte{1, 2, 3, 4})
	p2 := mkPacket([]byte{10, 20, 30})

	b.Insert(0, p1.Buf, p1)
	// overlaps [0,4) by 2 bytes; only the last byte (offset 4..5) is new.
	b.Insert(2, p2.Buf, p2)

	require.Len(t, b.chunks, 2)
	require.EqualValues(t, 4, b.chunks[1].Offset)
	require.EqualValues(t, 1, b.chunks[1].View.Len())
}
