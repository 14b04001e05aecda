package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopom/pom/fieldtype"
	logsink "github.com/gopom/pom/output/log"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
)

func TestBuildSourcesCombinesFilesAndInterfaces(t *testing.T) {
	prevIfaces := ifacesFlag
	prevBPF := bpfFlag
	t.Cleanup(func() { ifacesFlag = prevIfaces; bpfFlag = prevBPF })
	ifacesFlag = []string{"eth0"}
	bpfFlag = ""

	sources := buildSources([]string{"capture.pcap"})
	require.Len(t, sources, 2)
	require.Equal(t, "capture.pcap", sources[0].name)
	require.False(t, sources[0].live)
	require.Equal(t, "eth0", sources[1].name)
	require.True(t, sources[1].live)
}

func TestBuildSourcesEmptyWhenNothingRequested(t *testing.T) {
	prevIfaces := ifacesFlag
	t.Cleanup(func() { ifacesFlag = prevIfaces })
	ifacesFlag = nil

	require.Empty(t, buildSources(nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestRecordSummaryIgnoresEmptyPacket checks recordSummary doesn't panic
// when a packet has no resolved layer (e.g. the root protocol's Parse
// itself returned INVALID before any Info was pushed).
func TestRecordSummaryIgnoresEmptyPacket(t *testing.T) {
	reg := proto.NewRegistry()
	sink := logsink.New(nopWriter{}, logsink.Text)
	pkt := packet.New(time.Now(), 0, nil)

	require.NotPanics(t, func() { recordSummary(reg, sink, pkt) })
}

// TestRecordSummaryFallsBackToFieldIndexNames checks that an Info record
// for a protocol with no matching registry descriptor still renders every
// field, just without schema-derived names.
func TestRecordSummaryFallsBackToFieldIndexNames(t *testing.T) {
	reg := proto.NewRegistry()
	var out bytes.Buffer
	sink := logsink.New(&out, logsink.Text)

	pkt := packet.New(time.Now(), 0, nil)
	info := pkt.PushInfo("mystery")
	v := fieldtype.New(fieldtype.Uint8).(*fieldtype.Uint8Value)
	v.Set(7)
	info.Field = append(info.Field, v)

	require.NotPanics(t, func() { recordSummary(reg, sink, pkt) })
	require.Contains(t, out.String(), "\tfield0=7\n")
}
