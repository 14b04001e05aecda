// Package fragment implements the IPv4-style fragment reassembler (C5):
// an offset-keyed, gap-tracked buffer for datagram fragments, bound to a
// parent conntrack entry's private state and backed by package multipart.
//
// Semantics follow the original engine's proto_ipv4 fragment handling,
// including the PROCESSED-flag race fix: a timeout racing with a final
// in-order fragment must never touch a multipart buffer that delivery has
// already claimed.
package fragment

import (
	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/memview"
	"github.com/gopom/pom/multipart"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/proto"
	"github.com/gopom/pom/timerwheel"
)

// maxDatagramSize is the largest value offset+size may take on before a
// fragment is rejected outright (8: boundary property).
const maxDatagramSize = 65535

// Flag bits mirroring the source's fragment entry flags.
type Flag uint8

const (
	GotLast Flag = 1 << iota
	Processed
)

// Entry is one fragment reassembly in progress for a single datagram id. It
// lives on the parent CE's private list (one List per CE, see List) and is
// destroyed when processed or timed out (3 "Fragment entry").
type Entry struct {
	DatagramID uint32
	NextProto  string
	Multipart  *multipart.Buffer
	Flags      Flag

	ce    *conntrack.Entry
	timer *timerwheel.Timer
}

func (e *Entry) hasFlag(f Flag) bool { return e.Flags&f != 0 }
func (e *Entry) setFlag(f Flag)      { e.Flags |= f }

// List is the per-CE collection of in-progress fragment entries, keyed by
// datagram id. All operations assume the caller holds e.ce's lock, matching
// 4.3's "under the CE lock" requirement for every mutation.
type List struct {
	ce      *conntrack.Entry
	wheel   *timerwheel.Wheel
	timeout float64 // seconds, frag_timeout (default 60s per 5)

	entries map[uint32]*Entry
}

// NewList creates an empty fragment list bound to ce, using wheel to
// schedule frag_timeout expirations.
func NewList(ce *conntrack.Entry, wheel *timerwheel.Wheel, timeoutSeconds float64) *List {
	return &List{
		ce:      ce,
		wheel:   wheel,
		timeout: timeoutSeconds,
		entries: make(map[uint32]*Entry),
	}
}

// ResolveNextProto is supplied by the caller (the IPv4 parse/process
// handler) to determine the next-layer protocol from the first fragment's
// header fields; it may return "" if the protocol cannot be determined yet.
type ResolveNextProto func() string

// Deliver is invoked once a datagram's multipart buffer is ready (4.3 step
// 5); it runs the pipeline (4.1) on the reassembled logical packet at the
// next frame index. The fragment package does not import the dispatcher to
// avoid a cycle, so this is supplied by the caller.
type Deliver func(reassembled memview.MemView, nextProto string, origin *packet.Packet)

// Process runs the algorithm of 4.3 for one fragment. offset and size are
// in bytes; moreFragments is the IPv4 MF bit. It returns proto.INVALID when
// offset+size exceeds 65535 and proto.STOP otherwise: a fragment is never
// forwarded as-is (4.3 step 6).
func (l *List) Process(
	datagramID uint32,
	offset, size int64,
	moreFragments bool,
	view memview.MemView,
	src *packet.Packet,
	resolveNextProto ResolveNextProto,
	deliver Deliver,
) proto.Verdict {
	if offset+size > maxDatagramSize {
		return proto.INVALID
	}

	e, exists := l.entries[datagramID]
	if !exists {
		e = &Entry{DatagramID: datagramID, ce: l.ce}
		nextProto := resolveNextProto()
		if nextProto == "" {
			e.setFlag(Processed)
			l.entries[datagramID] = e
			return proto.STOP
		}
		e.NextProto = nextProto
		e.Multipart = multipart.New(nextProto)
		l.entries[datagramID] = e
	}

	if e.hasFlag(Processed) {
		// A late-arriving fragment for a datagram that already delivered or
		// gave up; nothing left to do.
		return proto.STOP
	}

	e.Multipart.Insert(offset, view, src)
	l.rearm(e)

	if !moreFragments {
		e.Multipart.SetGotLast()
	}

	if e.Multipart.Ready() {
		e.setFlag(GotLast | Processed)
		l.cancelTimer(e)
		reassembled, ok := e.Multipart.Deliver()
		delete(l.entries, datagramID)
		if ok {
			deliver(reassembled, e.NextProto, src)
		}
		e.Multipart.Release()
	}

	return proto.STOP
}

func (l *List) rearm(e *Entry) {
	if l.wheel == nil {
		return
	}
	if e.timer == nil {
		e.timer = l.wheel.Alloc(func() { l.onTimeout(e) })
	}
	l.wheel.Queue(e.timer, l.timeout)
}

func (l *List) cancelTimer(e *Entry) {
	if l.wheel != nil && e.timer != nil {
		l.wheel.Dequeue(e.timer)
	}
}

// onTimeout is the fragment timeout handler (4.3 "Timeout handler"). It
// must run with the CE lock held and re-check PROCESSED before touching
// the multipart: this is the fix for the source's race between
// proto_ipv4_process setting PROCESSED and proto_ipv4_fragment_cleanup
// freeing the multipart concurrently (9, SPEC_FULL §12).
func (l *List) onTimeout(e *Entry) {
	l.ce.Lock()
	defer l.ce.Unlock()

	if e.hasFlag(Processed) {
		// Delivery (or a previous timeout) already claimed this entry;
		// nothing left to free.
		return
	}
	e.setFlag(Processed)

	delete(l.entries, e.DatagramID)
	if e.Multipart != nil {
		e.Multipart.Release()
	}
	// A timed-out entry is not counted or logged, here or in proto/ipv4.
}

// Len reports the number of fragment entries currently in progress, for
// diagnostics and tests.
func (l *List) Len() int { return len(l.entries) }

// Release tears down every fragment entry still in progress: it cancels
// each one's timer and releases its multipart's held packet references.
// Called from the owning CE's conntrack.ConntrackInfo.CleanupHandler when
// the CE itself is torn down before every in-flight datagram finished
// reassembling (3: "private state is released before the CE memory").
func (l *List) Release() {
	for id, e := range l.entries {
		if e.hasFlag(Processed) {
			continue
		}
		e.setFlag(Processed)
		l.cancelTimer(e)
		if e.Multipart != nil {
			e.Multipart.Release()
		}
		delete(l.entries, id)
	}
}

var _ conntrack.PrivateState = (*List)(nil)
