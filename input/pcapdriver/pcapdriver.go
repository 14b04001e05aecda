// Package pcapdriver adapts the teacher's pcap file/device readers
// (pcap/reader.go) into input.Source implementations: FileSource for
// offline pcap replay, DeviceSource for live capture, both built on
// google/gopacket's pcap binding exactly as the teacher's FileReader/
// DeviceReader do.
package pcapdriver

import (
	"context"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/gopom/pom/input"
	"github.com/gopom/pom/pomerr"
)

// defaultSnapLen matches the teacher's reader.go, itself tcpdump's default.
const defaultSnapLen = 262144

// clock is the time source toRawPacket falls back to when a packet carries
// no capture timestamp. Both constructors install realClock.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func toRawPacket(clk clock, epoch time.Time, pkt gopacket.Packet) input.RawPacket {
	wall := clk.Now()
	if pkt.Metadata() != nil && !pkt.Metadata().Timestamp.IsZero() {
		wall = pkt.Metadata().Timestamp
	}
	return input.RawPacket{
		Wall: wall,
		Mono: wall.Sub(epoch),
		Data: pkt.Data(),
	}
}

// FileSource replays a capture file once, closing its channel at EOF — the
// Driver running it self-retires rather than waiting for an external Stop,
// per the input driver contract's "non-live input reaching its natural end"
// path.
type FileSource struct {
	PcapFile string
	BPFilter string

	clock clock
	epoch time.Time
}

// NewFileSource builds a non-live Source reading pcapFile, optionally
// narrowed by a BPF filter.
func NewFileSource(pcapFile, bpfFilter string) *FileSource {
	return &FileSource{PcapFile: pcapFile, BPFilter: bpfFilter, clock: realClock{}, epoch: time.Now()}
}

func (f *FileSource) Capture(ctx context.Context) (<-chan input.RawPacket, error) {
	handle, err := pcap.OpenOffline(f.PcapFile)
	if err != nil {
		return nil, pomerr.Wrap(pomerr.IoError, err, "pcapdriver: open offline "+f.PcapFile)
	}
	if f.BPFilter != "" {
		if err := handle.SetBPFFilter(f.BPFilter); err != nil {
			handle.Close()
			return nil, pomerr.Wrap(pomerr.ConfigError, err, "pcapdriver: bad BPF filter")
		}
	}

	out := make(chan input.RawPacket, 64)
	go func() {
		defer handle.Close()
		defer close(out)
		source := gopacket.NewPacketSource(handle, handle.LinkType())
		for pkt := range source.Packets() {
			select {
			case <-ctx.Done():
				return
			case out <- toRawPacket(f.clock, f.epoch, pkt):
			}
		}
	}()
	return out, nil
}

// DeviceSource captures live from a network interface. Its channel closes
// when ctx is cancelled (an explicit Stop) or when gopacket's packet channel
// for the device closes.
type DeviceSource struct {
	DeviceName string
	BPFilter   string

	clock clock
	epoch time.Time
}

// NewDeviceSource builds a live Source capturing from deviceName.
func NewDeviceSource(deviceName, bpfFilter string) *DeviceSource {
	return &DeviceSource{DeviceName: deviceName, BPFilter: bpfFilter, clock: realClock{}, epoch: time.Now()}
}

func (d *DeviceSource) Capture(ctx context.Context) (<-chan input.RawPacket, error) {
	handle, err := pcap.OpenLive(d.DeviceName, defaultSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, pomerr.Wrap(pomerr.IoError, err, "pcapdriver: open live "+d.DeviceName)
	}
	if d.BPFilter != "" {
		if err := handle.SetBPFFilter(d.BPFilter); err != nil {
			handle.Close()
			return nil, pomerr.Wrap(pomerr.ConfigError, err, "pcapdriver: bad BPF filter")
		}
	}

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()

	out := make(chan input.RawPacket, 64)
	go func() {
		// Closing the handle can take a while; close out first so the
		// consumer can keep draining while we wait for the handle, the same
		// ordering the teacher's DeviceReader uses.
		defer handle.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-packets:
				if !ok {
					return
				}
				out <- toRawPacket(d.clock, d.epoch, pkt)
			}
		}
	}()
	return out, nil
}

var (
	_ input.Source = (*FileSource)(nil)
	_ input.Source = (*DeviceSource)(nil)
)
