package packet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewPacketOwnership(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}
	p := New(time.Now(), 0, buf)
	require.EqualValues(t, 4, p.Len())
	require.True(t, p.Release(), "sole owner releasing once must report last holder")
}

func TestPacketRetainReleaseLastHolder(t *testing.T) {
	p := New(time.Now(), 0, []byte{0xAA})
	p.Retain()
	require.False(t, p.Release(), "first release with an extra retained reference must not be last holder")
	require.True(t, p.Release(), "second release must report last holder")
}

func TestPushInfoAppendsInOrder(t *testing.T) {
	p := New(time.Now(), 0, []byte{0x00})
	link := p.PushInfo("eth")
	link.Field = append(link.Field, nil)
	ip := p.PushInfo("ipv4")
	ip.Field = append(ip.Field, nil)

	require.Len(t, p.Info, 2)
	require.Equal(t, "eth", p.Info[0].Proto)
	require.Equal(t, "ipv4", p.Info[1].Proto)
}
