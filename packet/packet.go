// Package packet implements the Packet value (C1): an immutable-after-capture
// timestamped byte buffer carrying one Info slot per parsed layer. A Packet
// is exclusively owned by the frame currently processing it; the underlying
// bytes are a memview.MemView so that fragment/stream reassembly can hold
// extra references into the same capture buffer without copying.
package packet

import (
	"time"

	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/memview"
)

// Info is one parsed layer's field values, in the order the layer's protocol
// descriptor declares them. It is appended to a Packet by the pipeline
// dispatcher as each parse handler runs (4.1).
type Info struct {
	// Proto is the registered protocol name that produced this Info, e.g.
	// "ipv4" or "tcp". Kept as a string rather than a *proto.Protocol to
	// avoid an import cycle between packet and proto.
	Proto string
	Field []fieldtype.Value

	// CE mirrors the owning stack.Frame's conntrack entry (set via
	// proto.Ctx.SetCE), carried here too so a child layer can reach its
	// parent's CE the same way it reaches the parent's parsed fields —
	// through ctx.Packet().Info[ctx.Frame()-1] — without a parent-frame
	// accessor on proto.Ctx. Concrete type *conntrack.Entry; nil until the
	// owning frame's Process calls SetCE.
	CE interface{}
}

// Field_ looks up a field value by its schema index. Returns nil if idx is
// out of range, which a handler should treat as "field not parsed".
func (i *Info) Field_(idx int) fieldtype.Value {
	if idx < 0 || idx >= len(i.Field) {
		return nil
	}
	return i.Field[idx]
}

// Packet is the value that flows through the pipeline dispatcher. Wall is
// the capture-time wall clock for display and event timestamps; Mono is a
// duration the input driver attaches at capture. Fragment and conntrack
// expiry do not read Mono; they run on time.Now.
type Packet struct {
	Wall time.Time
	Mono time.Duration

	// Buf is the packet's owned bytes. Parse handlers slice into it via
	// MemView's zero-copy Subview; they never mutate it.
	Buf memview.MemView

	// Info holds one entry per frame the dispatcher has walked so far,
	// appended in frame order (Info[0] is the link layer).
	Info []Info

	// refs counts outstanding holders while the packet participates in a
	// reassembly buffer (3: "may be shared ... only while participating in
	// a reassembly buffer"). A freshly captured Packet starts at 1.
	refs int32
}

// New wraps a freshly captured buffer. ts is the capture wall-clock time;
// mono is the driver's duration for the packet (input/pcapdriver sets it to
// the capture timestamp minus the source's start time).
func New(ts time.Time, mono time.Duration, buf []byte) *Packet {
	return &Packet{
		Wall: ts,
		Mono: mono,
		Buf:  memview.New(buf),
		refs: 1,
	}
}


// Len is the total captured length in bytes.
func (p *Packet) Len() int64 { return p.Buf.Len() }

// PushInfo appends a new, empty Info record for the layer about to be
// parsed and returns it for the parse handler to fill in.
func (p *Packet) PushInfo(proto string) *Info {
	p.Info = append(p.Info, Info{Proto: proto})
	return &p.Info[len(p.Info)-1]
}

// Retain increments the share count; used when a packet's payload is handed
// to a fragment or multipart buffer that may outlive the current frame.
func (p *Packet) Retain() { p.refs++ }

// Release decrements the share count and reports whether this was the last
// holder. Last-holder-drops semantics (3): once refs reaches zero the
// packet's buffer may be returned to a pool by the caller.
func (p *Packet) Release() bool {
	p.refs--
	return p.refs <= 0
}
