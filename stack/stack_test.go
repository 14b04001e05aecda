package stack

import (
	"testing"
	"time"

	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
	"github.com/stretchr/testify/require"
)

func TestDescendTrimsPayload(t *testing.T) {
	registry := proto.NewRegistry()
	ipv4 := &proto.Descriptor{Name: "ipv4"}
	require.NoError(t, registry.Register(ipv4))

	p := packet.New(time.Now(), 0, []byte{0, 1, 2, 3, 4, 5, 6, 7})
	link := &proto.Descriptor{Name: "eth"}
	s := New(p, link, nil)

	root := s.At(0)
	root.SetNextProto("ipv4")
	next := s.Descend(registry, root.NextProto(), 3)

	require.Equal(t, int64(5), next.Payload().Len())
	require.Equal(t, "ipv4", next.Protocol().Name)
	require.Equal(t, 2, s.Depth())
}

func TestFrameImplementsCtx(t *testing.T) {
	p := packet.New(time.Now(), 0, []byte{0})
	s := New(p, &proto.Descriptor{Name: "eth"}, nil)
	f := s.At(0)

	f.SetCE(42)
	require.Equal(t, 42, f.CE())
	require.Same(t, p, f.Packet())
	require.Equal(t, 0, f.Frame())
}
