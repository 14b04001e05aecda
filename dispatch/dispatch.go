// Package dispatch implements the pipeline dispatcher (C8): the single
// operation process(packet, link_protocol) that walks a packet through a
// stack of protocol handlers, recursing top-down through parse/process and
// unwinding bottom-up through post-process (4.1).
package dispatch

import (
	"sync"

	"github.com/gopom/pom/log"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/stack"
)

// Counters tracks the per-protocol INVALID drop count (7: "counters per
// protocol").
type Counters struct {
	mu      sync.Mutex
	invalid map[string]uint64
}

func newCounters() *Counters { return &Counters{invalid: make(map[string]uint64)} }

func (c *Counters) incInvalid(protoName string) {
	c.mu.Lock()
	c.invalid[protoName]++
	c.mu.Unlock()
}

// Invalid returns the current INVALID drop count for protoName.
func (c *Counters) Invalid(protoName string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalid[protoName]
}

// Dispatcher runs the pipeline over packets handed to Process.
type Dispatcher struct {
	Registry *proto.Registry
	Counters *Counters
}

// New builds a Dispatcher against registry.
func New(registry *proto.Registry) *Dispatcher {
	return &Dispatcher{Registry: registry, Counters: newCounters()}
}

// Process runs the pipeline over pkt starting at linkProto (4.1). It
// returns the terminal proto.Verdict for the whole packet.
func (d *Dispatcher) Process(pkt *packet.Packet, linkProto string) proto.Verdict {
	root := d.Registry.Lookup(linkProto)
	if root == nil {
		d.Counters.incInvalid(linkProto)
		return proto.INVALID
	}
	s := stack.New(pkt, root, d)
	return d.walk(s, 0)
}

// Walk implements stack.Walker, letting a frame's Continue (e.g. ipv4's
// fragment-reassembly delivery) resume this same Dispatcher's pipeline on
// its own stack instead of needing a fresh Process call.
func (d *Dispatcher) Walk(s *stack.Stack, k int) proto.Verdict {
	return d.walk(s, k)
}

func (d *Dispatcher) walk(s *stack.Stack, k int) proto.Verdict {
	frame := s.At(k)
	desc := frame.Protocol()
	if desc == nil {
		d.Counters.incInvalid("<unresolved>")
		return proto.INVALID
	}

	hdrLen, nextProto, v := d.parse(desc, frame)
	switch v {
	case proto.INVALID:
		d.Counters.incInvalid(desc.Name)
		return proto.INVALID
	case proto.ERR:
		log.Errf("dispatch: %s parse returned ERR\n", desc.Name)
		return proto.ERR
	}
	frame.SetNextProto(nextProto)

	v = d.process(desc, frame)
	switch v {
	case proto.STOP:
		d.postProcess(desc, frame)
		return proto.STOP
	case proto.INVALID:
		d.Counters.incInvalid(desc.Name)
		return proto.INVALID
	case proto.ERR:
		log.Errf("dispatch: %s process returned ERR\n", desc.Name)
		return proto.ERR
	}

	if nextProto == "" {
		d.postProcess(desc, frame)
		return proto.OK
	}

	next := s.Descend(d.Registry, nextProto, hdrLen)
	if next.Protocol() == nil {
		d.Counters.incInvalid(nextProto)
		return proto.INVALID
	}

	childVerdict := d.walk(s, k+1)
	if childVerdict == proto.INVALID || childVerdict == proto.ERR {
		// "no post-process below k": a deeper-layer drop poisons every
		// post-process on the way back up, not just the frame that failed.
		return childVerdict
	}
	d.postProcess(desc, frame)
	return childVerdict
}

func (d *Dispatcher) parse(desc *proto.Descriptor, frame *stack.Frame) (hdrLen int, nextProto string, v proto.Verdict) {
	if desc.Handlers.Parse == nil {
		return 0, "", proto.OK
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errf("dispatch: %s parse panicked: %v\n", desc.Name, r)
			v = proto.ERR
		}
	}()
	return desc.Handlers.Parse(frame)
}

func (d *Dispatcher) process(desc *proto.Descriptor, frame *stack.Frame) (v proto.Verdict) {
	if desc.Handlers.Process == nil {
		return proto.OK
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errf("dispatch: %s process panicked: %v\n", desc.Name, r)
			v = proto.ERR
		}
	}()
	return desc.Handlers.Process(frame)
}

func (d *Dispatcher) postProcess(desc *proto.Descriptor, frame *stack.Frame) {
	if desc.Handlers.PostProcess == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errf("dispatch: %s post-process panicked: %v\n", desc.Name, r)
		}
	}()
	if v := desc.Handlers.PostProcess(frame); v == proto.ERR {
		log.Errf("dispatch: %s post-process returned ERR\n", desc.Name)
	}
}
