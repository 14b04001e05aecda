// Package stack implements the protocol stack (C3): the per-packet array of
// frames the pipeline dispatcher threads through a packet's registered
// protocol handlers. Frame implements proto.Ctx, the handler-facing view a
// Descriptor's Parse/Process/PostProcess callbacks receive.
package stack

import (
	"github.com/gopom/pom/memview"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
)

// Frame is one entry of a Stack: a protocol pointer, the payload slice left
// for that protocol to parse, a pointer into the packet's parsed-info
// record, a conntrack-entry reference, and the two ct-field ids naming
// which field values key the forward/reverse directions (3).
type Frame struct {
	stack   *Stack
	index   int
	proto   *proto.Descriptor
	payload memview.MemView

	// nextProto is set by Parse via SetNextProto; the dispatcher reads it
	// after Parse returns to decide whether/how to recurse.
	nextProto string

	// ce is the conntrack entry this frame bound to in Process. Carried as
	// interface{} to match proto.Ctx; dispatcher callers that need the
	// concrete *conntrack.Entry type assert it themselves.
	ce interface{}

	// FwdFieldID/RevFieldID mirror the owning descriptor's ConntrackInfo at
	// the time this frame was parsed, so a later change to the registry
	// entry can't retroactively change an already-parsed frame's keying.
	FwdFieldID int
	RevFieldID int
}

func (f *Frame) Packet() *packet.Packet   { return f.stack.pkt }
func (f *Frame) Frame() int               { return f.index }
func (f *Frame) Payload() memview.MemView { return f.payload }
func (f *Frame) SetNextProto(name string) { f.nextProto = name }
func (f *Frame) Info() *packet.Info       { return &f.stack.pkt.Info[f.index] }
func (f *Frame) CE() interface{} { return f.ce }
func (f *Frame) SetCE(ce interface{}) {
	f.ce = ce
	f.stack.pkt.Info[f.index].CE = ce
}

// Continue appends a new frame for nextProto to this frame's stack, with
// payload as that frame's entire content (not trimmed from this frame's
// payload the way Descend trims it), and resumes dispatch from the new
// frame. It reports the new frame's terminal proto.Verdict.
//
// This is for a handler that produces a logically later payload out of
// band — fragment reassembly is the motivating case (4.3 step 5) — and
// must deliver it at frame()+1 of the same packet so the frames already
// walked, and the CE they bound, stay reachable via
// Packet().Info[frame-1]. Calling Process again from scratch would start
// a new frame 0 and strand that context.
func (f *Frame) Continue(registry *proto.Registry, nextProto string, payload memview.MemView) proto.Verdict {
	next := f.stack.push(registry.Lookup(nextProto), payload)
	if next.proto == nil {
		return proto.INVALID
	}
	if f.stack.walker == nil {
		return proto.ERR
	}
	return f.stack.walker.Walk(f.stack, next.index)
}

// Protocol returns the descriptor this frame is bound to.
func (f *Frame) Protocol() *proto.Descriptor { return f.proto }

// NextProto returns the protocol name Parse selected for the following
// frame, or "" if this is the innermost layer.
func (f *Frame) NextProto() string { return f.nextProto }

var _ proto.Ctx = (*Frame)(nil)

// Walker resumes dispatch on a stack starting at frame k. The dispatcher
// (package dispatch) implements this and passes itself to New; a Stack
// can't hold a *dispatch.Dispatcher directly since dispatch already
// imports stack, so Frame.Continue calls back through this interface
// instead.
type Walker interface {
	Walk(s *Stack, k int) proto.Verdict
}

// Stack is the full per-packet array of frames, grown one at a time as the
// dispatcher descends through layers.
type Stack struct {
	pkt    *packet.Packet
	frames []*Frame
	walker Walker
}

// New starts a Stack for pkt at the link layer, bound to linkProto with the
// packet's entire captured buffer as frame 0's payload. w is used by a
// later Frame.Continue call to resume dispatch on this same stack.
func New(pkt *packet.Packet, linkProto *proto.Descriptor, w Walker) *Stack {
	s := &Stack{pkt: pkt, walker: w}
	s.push(linkProto, pkt.Buf)
	return s
}

func (s *Stack) push(p *proto.Descriptor, payload memview.MemView) *Frame {
	f := &Frame{
		stack:   s,
		index:   len(s.frames),
		proto:   p,
		payload: payload,
	}
	if p != nil {
		f.FwdFieldID = p.Conntrack.FwdFieldID
		f.RevFieldID = p.Conntrack.RevFieldID
	}
	s.frames = append(s.frames, f)
	s.pkt.PushInfo(descriptorName(p))
	return f
}

func descriptorName(p *proto.Descriptor) string {
	if p == nil {
		return ""
	}
	return p.Name
}

// Descend appends a new frame for nextProto, whose payload is the current
// frame's payload with hdrLen bytes trimmed from the front — the dispatcher
// calls this after a successful Parse, between steps 1 and 3 of 4.1.
func (s *Stack) Descend(registry *proto.Registry, nextProto string, hdrLen int) *Frame {
	cur := s.frames[len(s.frames)-1]
	remaining := cur.payload.SubView(int64(hdrLen), cur.payload.Len())
	next := registry.Lookup(nextProto)
	return s.push(next, remaining)
}

// Depth returns the number of frames walked so far.
func (s *Stack) Depth() int { return len(s.frames) }

// At returns the frame at index i.
func (s *Stack) At(i int) *Frame { return s.frames[i] }

// Frames returns every frame walked so far, outermost first.
func (s *Stack) Frames() []*Frame { return s.frames }
