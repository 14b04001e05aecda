package main

import (
	"time"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/dispatch"
	"github.com/gopom/pom/expectation"
	"github.com/gopom/pom/pomerr"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/proto/arp"
	"github.com/gopom/pom/proto/ethernet"
	"github.com/gopom/pom/proto/ftp"
	"github.com/gopom/pom/proto/http"
	"github.com/gopom/pom/proto/ipv4"
	"github.com/gopom/pom/proto/rtp"
	"github.com/gopom/pom/proto/sip"
	"github.com/gopom/pom/proto/tcp"
	"github.com/gopom/pom/proto/tls"
	"github.com/gopom/pom/proto/udp"
	"github.com/gopom/pom/timerwheel"
)

const (
	defaultShards          = 64
	defaultConntrackTTL    = 7200 * time.Second // matches spec.md's IPv4 conntrack_timeout default
	defaultFragTimeout     = 60                 // seconds, per ipv4.New's own default
	defaultExpectationTTL  = 30 * time.Second
	defaultExpectationScan = 5 * time.Second
)

// engine holds every piece of shared infrastructure "pomd run" and
// "pomd module list" both need: the registry they report on, plus (for run)
// the dispatcher and conntrack table a capture loop feeds.
type engine struct {
	Registry     *proto.Registry
	Table        *conntrack.Table
	Wheel        *timerwheel.Wheel
	Expectations *expectation.Store
	Dispatcher   *dispatch.Dispatcher
}

// buildEngine registers every protocol module in one fixed stack: link
// layer (ethernet, arp) through network/transport (ipv4, udp, tcp) through
// the application modules that ride on top of them (sip/rtp over UDP,
// http/tls/ftp over TCP). This mirrors the teacher's own fixed gopacket
// decoding stack — there is no plugin-discovery mechanism to load modules
// from POM_LIBDIR at runtime, so that setting only selects the config file
// search path (10.2).
func buildEngine() (*engine, error) {
	reg := proto.NewRegistry()
	table := conntrack.NewTable(reg, defaultShards, defaultConntrackTTL)
	wheel := timerwheel.NewWheel()
	expectations := expectation.NewStore(defaultExpectationTTL, defaultExpectationScan)
	d := dispatch.New(reg)

	ipMod := ipv4.New(table, wheel, d, defaultFragTimeout)
	tcpMod := tcp.New(table)
	udpMod := udp.New(table, expectations)
	sipMod := sip.New(expectations)

	descriptors := []*proto.Descriptor{
		ethernet.Descriptor,
		arp.Descriptor,
		ipMod.Descriptor(),
		udpMod.Descriptor(),
		tcpMod.Descriptor(),
		sipMod.Descriptor(),
		rtp.Descriptor,
		http.Descriptor,
		tls.Descriptor,
		ftp.Descriptor,
	}

	for _, desc := range descriptors {
		if err := reg.Register(desc); err != nil {
			return nil, pomerr.Wrap(pomerr.ConfigError, err, "engine: register "+desc.Name)
		}
	}

	return &engine{
		Registry:     reg,
		Table:        table,
		Wheel:        wheel,
		Expectations: expectations,
		Dispatcher:   d,
	}, nil
}

// shutdown drains every live conntrack entry (running each protocol's
// cleanup handler exactly once, per S6) and stops the timer wheel. It is
// called once, after every input has been stopped and every in-flight
// packet has finished its post-process pass.
func (e *engine) shutdown(onCleanupErr func(ce *conntrack.Entry, err error)) {
	e.Table.DrainAll(onCleanupErr)
	e.Wheel.Stop()
}
