package fragment

import (
	"testing"
	"time"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/memview"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/timerwheel"
	"github.com/stretchr/testify/require"
)

func newCE(t *testing.T) *conntrack.Entry {
	t.Helper()
	reg := proto.NewRegistry()
	tab := conntrack.NewTable(reg, 1, time.Minute)
	ce, _, _, err := tab.GetOrCreate("ipv4", []byte("a"), []byte("b"), nil)
	require.NoError(t, err)
	tab.Release(ce)
	return ce
}

func mkPkt(n int) *packet.Packet {
	return packet.New(time.Now(), 0, make([]byte, n))
}

func resolveUDP() string { return "udp" }

// TestInOrderFragmentsDeliverOnce exercises S1.
func TestInOrderFragmentsDeliverOnce(t *testing.T) {
	ce := newCE(t)
	wheel := timerwheel.NewWheel()
	defer wheel.Stop()
	list := NewList(ce, wheel, 60)

	var delivered memview.MemView
	var nextProto string
	deliverCount := 0
	deliver := func(v memview.MemView, np string, origin *packet.Packet) {
		delivered = v
		nextProto = np
		deliverCount++
	}

	frags := []struct {
		offset int64
		size   int64
		mf     bool
	}{
		{0, 1480, true},
		{1480, 1480, true},
		{2960, 40, false},
	}

	for _, f := range frags {
		p := mkPkt(int(f.size))
		v := list.Process(0x1234, f.offset, f.size, f.mf, p.Buf, p, resolveUDP, deliver)
		require.Equal(t, proto.STOP, v)
	}

	require.Equal(t, 1, deliverCount)
	require.EqualValues(t, 3000, delivered.Len())
	require.Equal(t, "udp", nextProto)
	require.Equal(t, 0, list.Len(), "fragment entry must be removed once delivered")
}

// TestOutOfOrderFragmentsDeliverIdentically exercises S2.
func TestOutOfOrderFragmentsDeliverIdentically(t *testing.T) {
	ce := newCE(t)
	wheel := timerwheel.NewWheel()
	defer wheel.Stop()
	list := NewList(ce, wheel, 60)

	deliverCount := 0
	var totalLen int64
	deliver := func(v memview.MemView, np string, origin *packet.Packet) {
		deliverCount++
		totalLen = v.Len()
	}

	order := []struct {
		offset int64
		size   int64
		mf     bool
	}{
		{2960, 40, false},
		{0, 1480, true},
		{1480, 1480, true},
	}
	for _, f := range order {
		p := mkPkt(int(f.size))
		list.Process(0x1234, f.offset, f.size, f.mf, p.Buf, p, resolveUDP, deliver)
	}

	require.Equal(t, 1, deliverCount)
	require.EqualValues(t, 3000, totalLen)
}

// TestOversizeFragmentRejected exercises boundary property 8: offset+size >
// 65535 is rejected.
func TestOversizeFragmentRejected(t *testing.T) {
	ce := newCE(t)
	wheel := timerwheel.NewWheel()
	defer wheel.Stop()
	list := NewList(ce, wheel, 60)

	p := mkPkt(100)
	v := list.Process(1, 65500, 100, false, p.Buf, p, resolveUDP, func(memview.MemView, string, *packet.Packet) {})
	require.Equal(t, proto.INVALID, v)
}

func TestUnresolvableNextProtoStopsWithoutDelivery(t *testing.T) {
	ce := newCE(t)
	wheel := timerwheel.NewWheel()
	defer wheel.Stop()
	list := NewList(ce, wheel, 60)

	p := mkPkt(10)
	called := false
	v := list.Process(7, 0, 10, false, p.Buf, p, func() string { return "" },
		func(memview.MemView, string, *packet.Packet) { called = true })

	require.Equal(t, proto.STOP, v)
	require.False(t, called)
}

func TestTimeoutReleasesEntryWithoutDoubleFree(t *testing.T) {
	ce := newCE(t)
	wheel := timerwheel.NewWheel()
	defer wheel.Stop()
	list := NewList(ce, wheel, 0.01)

	p := mkPkt(10)
	// Only one fragment, more_fragments=true: never completes, so the
	// timeout handler must fire and clean it up exactly once.
	list.Process(9, 0, 10, true, p.Buf, p, resolveUDP, func(memview.MemView, string, *packet.Packet) {})
	require.Equal(t, 1, list.Len())

	time.Sleep(200 * time.Millisecond)
	ce.Lock()
	n := list.Len()
	ce.Unlock()
	require.Equal(t, 0, n)
}
