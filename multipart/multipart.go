// Package multipart implements the multipart payload (C7): an aggregate
// that re-enters the pipeline as a single logical packet once a fragment or
// stream reassembly has filled every gap. It backs both the fragment
// reassembler (C5) and, indirectly, stream-mode deliveries that want to
// re-inject a parsed unit.
package multipart

import (
	"sort"

	"github.com/gopom/pom/memview"
	"github.com/gopom/pom/packet"
)

// Chunk is one inserted byte range: an offset into the logical datagram, a
// view onto the contributing packet's bytes, and a reference to that packet
// so its share count reflects participation in the buffer (3).
type Chunk struct {
	Offset int64
	View   memview.MemView
	Source *packet.Packet
}

func (c Chunk) end() int64 { return c.Offset + c.View.Len() }

// Buffer is the ordered chunk list plus gap bookkeeping (3 "Multipart
// buffer"). It is not internally locked: callers hold the owning
// conntrack entry's lock for the duration of any Insert/Deliver call, per
// 4.3's "under the CE lock" requirement.
type Buffer struct {
	chunks    []Chunk
	gotLast   bool
	delivered bool

	// NextProto is the protocol the reassembled payload should be
	// dispatched as once complete (4.3 step 2: "allocate a multipart
	// buffer with the already-known next-layer protocol").
	NextProto string
}

// New allocates an empty buffer for the given next-layer protocol.
func New(nextProto string) *Buffer {
	return &Buffer{NextProto: nextProto}
}

// Insert appends a chunk, keeping the list sorted by offset, discarding
// exact duplicates, and truncating partial overlaps to their
// non-overlapping suffix (3, 4.3 step 3). Retains src for the duration the
// chunk survives in the buffer.
func (b *Buffer) Insert(offset int64, view memview.MemView, src *packet.Packet) {
	if view.Len() == 0 {
		return
	}

	newEnd := offset + view.Len()
	for _, c := range b.chunks {
		if offset >= c.Offset && newEnd <= c.end() {
			// Fully contained in an existing chunk: duplicate, discard.
			return
		}
		if offset < c.end() && c.Offset < newEnd {
			// Partial overlap: truncate the new chunk to the non-overlapping
			// suffix that starts after the existing chunk ends.
			if c.end() > offset {
				trim := c.end() - offset
				if trim >= view.Len() {
					return
				}
				view = view.SubView(trim, view.Len())
				offset = c.end()
				newEnd = offset + view.Len()
			}
		}
	}

	if src != nil {
		src.Retain()
	}
	b.chunks = append(b.chunks, Chunk{Offset: offset, View: view, Source: src})
	sort.Slice(b.chunks, func(i, j int) bool { return b.chunks[i].Offset < b.chunks[j].Offset })
}

// SetGotLast marks that the final fragment/segment (more_fragments == 0)
// has been seen.
func (b *Buffer) SetGotLast() { b.gotLast = true }

// GotLast reports whether the terminal chunk has arrived.
func (b *Buffer) GotLast() bool { return b.gotLast }

// Gaps counts the holes in the chunk list. A buffer with GotLast set and no
// chunks at all has exactly one gap (nothing has arrived yet); an empty,
// not-yet-terminated buffer reports zero gaps only in the degenerate sense
// that there is nothing to reassemble yet, so callers should also check
// GotLast before treating Gaps() == 0 as "ready".
func (b *Buffer) Gaps() int {
	if len(b.chunks) == 0 {
		if b.gotLast {
			return 1
		}
		return 0
	}
	gaps := 0
	if b.chunks[0].Offset > 0 {
		gaps++
	}
	for i := 1; i < len(b.chunks); i++ {
		if b.chunks[i].Offset > b.chunks[i-1].end() {
			gaps++
		}
	}
	return gaps
}

// Ready reports whether the buffer can be delivered: GOT_LAST and no gaps
// (invariant 3, property 4 in spec.md's testable properties).
func (b *Buffer) Ready() bool {
	return b.gotLast && len(b.chunks) > 0 && b.Gaps() == 0
}

// Deliver reassembles every chunk into one contiguous MemView and marks the
// buffer delivered. It returns ok == false on a second call, guaranteeing
// "deliver exactly once" even if a caller mistakenly invokes it twice.
func (b *Buffer) Deliver() (memview.MemView, bool) {
	if b.delivered || !b.Ready() {
		return memview.Empty(), false
	}
	b.delivered = true

	out := memview.Empty()
	for _, c := range b.chunks {
		out.Append(c.View)
	}
	return out, true
}

// Delivered reports whether Deliver has already succeeded once.
func (b *Buffer) Delivered() bool { return b.delivered }

// Release drops this buffer's retained reference on every contributing
// packet. Called once the owning fragment/stream entry is torn down,
// whether by delivery, timeout, or error.
func (b *Buffer) Release() {
	for _, c := range b.chunks {
		if c.Source != nil {
			c.Source.Release()
		}
	}
	b.chunks = nil
}
