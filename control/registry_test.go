package control

import (
	"testing"

	"github.com/gopom/pom/fieldtype"
	"github.com/stretchr/testify/require"
)

func uint32Param(v uint32) fieldtype.Value {
	val := fieldtype.New(fieldtype.Uint32).(*fieldtype.Uint32Value)
	val.Set(v)
	return val
}

func TestDefaultParamIsReadOnlyWhileRunning(t *testing.T) {
	running := true
	inst := NewInstance("eth0", func() bool { return running })
	inst.Declare("snaplen", uint32Param(65535), 0)

	require.Error(t, inst.Set("snaplen", []byte{0, 0, 1, 0}))
	running = false
	require.NoError(t, inst.Set("snaplen", []byte{0, 0, 1, 0}))
}

func TestImmutableNeverWritable(t *testing.T) {
	inst := NewInstance("eth0", func() bool { return false })
	inst.Declare("link_type", uint32Param(1), Immutable)
	require.Error(t, inst.Set("link_type", []byte{0, 0, 0, 2}))
}

func TestNotLockedWhileRunningOverridesDefault(t *testing.T) {
	inst := NewInstance("eth0", func() bool { return true })
	inst.Declare("bpf_filter", uint32Param(0), NotLockedWhileRunning)
	require.NoError(t, inst.Set("bpf_filter", []byte{0, 0, 0, 9}))

	p, ok := inst.Param("bpf_filter")
	require.True(t, ok)
	require.Equal(t, "9", p.Get().Print())
}

func TestRegistryLookupThreadsThroughClassAndInstance(t *testing.T) {
	reg := NewRegistry()
	inst := NewInstance("eth0", func() bool { return false })
	inst.Declare("mtu", uint32Param(1500), 0)
	reg.Class("input").Add(inst)

	p, err := reg.Lookup("input", "eth0", "mtu")
	require.NoError(t, err)
	require.Equal(t, "1500", p.Get().Print())

	_, err = reg.Lookup("input", "eth0", "nonexistent")
	require.Error(t, err)
	_, err = reg.Lookup("output", "eth0", "mtu")
	require.Error(t, err)
}
