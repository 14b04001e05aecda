// Package input implements the input driver contract (C9): a state machine
// with states {Stopped, Starting, Running, Stopping}, a busy latch
// serializing start/stop requests, and a Manager enforcing the non-live
// exclusivity rule (at most one non-live input may run; any number of live
// inputs may run concurrently; a non-live input and a live input cannot
// coexist). Grounded on the teacher's pcap.TrafficParser/capture-goroutine
// pattern (pcap/pcap.go, pcap/reader.go), generalized from "one hardcoded
// pcap reader" to a Source interface so the driver contract is not tied to
// gopacket.
package input

import (
	"context"
	"sync"
	"time"

	"github.com/gopom/pom/pomerr"
)

// State is one of the four input-driver states (4.7).
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// RawPacket is one captured frame handed from a Source to the pipeline, with
// capture-time wall and monotonic timestamps ready for packet.New.
type RawPacket struct {
	Wall time.Time
	Mono time.Duration
	Data []byte
}

// Source is a capture backend: file replay or live device capture.
// pcapdriver.FileSource and pcapdriver.DeviceSource implement it.
type Source interface {
	// Capture starts producing packets until ctx is cancelled or the source
	// is exhausted (a file reaches EOF), at which point the channel closes.
	Capture(ctx context.Context) (<-chan RawPacket, error)
}

// Driver runs one Source's capture loop and feeds every packet to Dispatch.
// Its read routine ("capture thread" in the source design) is one goroutine
// blocked on the Source's channel; Stop cancels the context that unblocks
// it ("interrupt") and waits for it to exit ("join") — except when a
// Source hits EOF or a fatal I/O error on its own, in which case the
// capture goroutine retires itself directly rather than waiting to be
// joined by a Stop call that may never come.
type Driver struct {
	Name   string
	Live   bool
	Source Source

	// Dispatch is called once per captured packet, from the capture
	// goroutine. It must not block indefinitely; a slow Dispatch backs up
	// the Source's internal buffering, not this driver's.
	Dispatch func(RawPacket)

	// OnIoError, if set, is called when the Source's Capture call itself
	// fails to start. It is not called when the capture loop ends: a Source
	// closing its channel, whether at EOF or because its source was lost,
	// does not reach OnIoError.
	OnIoError func(err error)

	mu     sync.Mutex // the busy latch: serializes Start/Stop transitions
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriver builds a Driver in the Stopped state.
func NewDriver(name string, live bool, source Source, dispatch func(RawPacket)) *Driver {
	return &Driver{Name: name, Live: live, Source: source, Dispatch: dispatch}
}

// State reports the driver's current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start transitions Stopped -> Starting -> Running, spawning the capture
// goroutine. It is a ConfigError to Start a driver that is not Stopped.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != Stopped {
		state := d.state
		d.mu.Unlock()
		return pomerr.Newf(pomerr.ConfigError, "input %q: cannot start from state %s", d.Name, state)
	}
	d.state = Starting
	cctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	packets, err := d.Source.Capture(cctx)
	if err != nil {
		cancel()
		d.mu.Lock()
		d.state = Stopped
		d.mu.Unlock()
		if d.OnIoError != nil {
			d.OnIoError(err)
		}
		return pomerr.Wrap(pomerr.IoError, err, "input "+d.Name+": capture start failed")
	}

	d.mu.Lock()
	d.state = Running
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(packets)
	return nil
}

func (d *Driver) run(packets <-chan RawPacket) {
	defer d.wg.Done()
	for pkt := range packets {
		if d.State() == Running {
			d.Dispatch(pkt)
		}
	}
	// The channel closed: either Stop() cancelled our context (in which case
	// state is already Stopping, and Stop itself will finish the transition
	// to Stopped after Wait returns), or the source hit EOF/an I/O error on
	// its own. In the latter case nobody else will ever call Stop, so this
	// goroutine retires itself.
	d.mu.Lock()
	selfStop := d.state == Running
	if selfStop {
		d.state = Stopped
	}
	d.mu.Unlock()
}

// Stop transitions Running -> Stopping -> Stopped, interrupting the capture
// goroutine and joining it. Stopping a driver that is not Running is a
// no-op.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.state != Running {
		d.mu.Unlock()
		return
	}
	d.state = Stopping
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.state = Stopped
	d.mu.Unlock()
}

// Manager tracks every input driver in the process and enforces the
// live/non-live exclusivity rule from the input driver contract (4.7, S5):
// at most one non-live input may run, multiple live inputs may run
// concurrently, and a non-live input cannot coexist with any running live
// input.
type Manager struct {
	mu      sync.Mutex
	drivers map[string]*Driver
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{drivers: make(map[string]*Driver)}
}

// Start registers d (if not already known) and starts it, rejecting the
// start with a ConfigError if it would violate exclusivity. Both driver
// instances keep their prior state on rejection (S5).
func (m *Manager) Start(ctx context.Context, d *Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, other := range m.drivers {
		if other == d || other.State() == Stopped {
			continue
		}
		if !d.Live || !other.Live {
			return pomerr.Newf(pomerr.ConfigError,
				"input %q: cannot start while non-live-exclusive input %q is running", d.Name, name)
		}
	}

	if err := d.Start(ctx); err != nil {
		return err
	}
	m.drivers[d.Name] = d
	return nil
}

// Stop stops the named driver, if known.
func (m *Manager) Stop(name string) {
	m.mu.Lock()
	d, ok := m.drivers[name]
	m.mu.Unlock()
	if ok {
		d.Stop()
	}
}

// Get returns the named driver, or nil.
func (m *Manager) Get(name string) *Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drivers[name]
}

// Names lists every registered driver name, for the control plane.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.drivers))
	for n := range m.drivers {
		names = append(names, n)
	}
	return names
}
