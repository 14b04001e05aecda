// Package conntrack implements the connection-tracking table (C4): a
// sharded, concurrent, bidirectional flow map keyed by per-protocol
// forward/reverse identifiers. Each shard guards its map with its own lock;
// each entry additionally has its own lock so that two packets on different
// entries in the same shard never block each other past the initial lookup.
package conntrack

import (
	"bytes"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gopom/pom/gid"
	"github.com/gopom/pom/pomerr"
	"github.com/gopom/pom/proto"
)

// Direction reports which way a get_or_create call's own forward key
// matched relative to the entry that already existed.
type Direction int

const (
	// FWD means the caller's fwd_key matched the entry's stored fwd key.
	FWD Direction = iota
	// REV means the caller's fwd_key matched the entry's stored rev key
	// (and vice versa) — the caller is looking at the other side of an
	// existing flow.
	REV
)

func (d Direction) String() string {
	if d == REV {
		return "REV"
	}
	return "FWD"
}

// PrivateState is per-CE, per-protocol state attached during Process. Each
// protocol layer owns exactly one PrivateState per CE it binds to; Release
// is invoked by the owning protocol's ConntrackInfo.CleanupHandler path
// before the CE itself is freed (3: "private state is released before the
// CE memory").
type PrivateState interface {
	Release()
}

// Entry is a conntrack entry (CE): forward/reverse key tuples, a parent
// reference for layering, direction-tagged child entries, a per-entry lock,
// a private-state slot keyed by owning protocol name, a last-seen
// timestamp, and (implicitly) a position in its shard's map.
type Entry struct {
	ID    gid.ConnectionID
	Proto string

	FwdKey []byte
	RevKey []byte

	Parent   *Entry
	Children []*Entry

	mu       sync.Mutex
	private  map[string]PrivateState
	lastSeen time.Time

	table *Table
	shard *shard
}

// Lock acquires the entry's private-state lock. Handlers hold this for the
// duration of their work on the entry; it is what serializes packets on the
// same CE (5).
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases the entry lock acquired by the table's get_or_create or a
// direct call to Lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

// SetPrivate installs protocol-keyed private state on this entry, releasing
// any state previously installed under the same key.
func (e *Entry) SetPrivate(protoName string, state PrivateState) {
	if e.private == nil {
		e.private = make(map[string]PrivateState)
	}
	if old, ok := e.private[protoName]; ok && old != nil {
		old.Release()
	}
	e.private[protoName] = state
}

// Private returns the protocol-keyed private state previously installed, or
// nil.
func (e *Entry) Private(protoName string) PrivateState {
	return e.private[protoName]
}

// LastSeen returns the last time this entry was touched by get_or_create.
func (e *Entry) LastSeen() time.Time { return e.lastSeen }

func (e *Entry) releaseAllPrivate() {
	for _, s := range e.private {
		if s != nil {
			s.Release()
		}
	}
	e.private = nil
}

// Table is the sharded conntrack table (C4).
type Table struct {
	registry *proto.Registry
	shards   []*shard
	ttl      time.Duration
	now      func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	byFwd map[string]*Entry
}

// NewTable builds a Table with numShards independent shards (a power of two
// is conventional but not required) and an idle eviction TTL. registry is
// used by ExpireScan to find each entry's protocol's cleanup handler.
func NewTable(registry *proto.Registry, numShards int, ttl time.Duration) *Table {
	if numShards < 1 {
		numShards = 1
	}
	t := &Table{
		registry: registry,
		shards:   make([]*shard, numShards),
		ttl:      ttl,
		now:      time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{byFwd: make(map[string]*Entry)}
	}
	return t
}

func hashKey(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32()
}

func (t *Table) shardFor(fwdKey, revKey []byte) *shard {
	idx := (hashKey(fwdKey) ^ hashKey(revKey)) % uint32(len(t.shards))
	return t.shards[idx]
}

// GetOrCreate implements 4.2's get_or_create. It probes both directions
// under the shard lock, creating a new Entry only if neither matches; the
// returned Entry's lock is held on return (acquired before the shard lock
// is released, per the invariant), and callers must call Release when done.
func (t *Table) GetOrCreate(protoName string, fwdKey, revKey []byte, parent *Entry) (*Entry, Direction, bool, error) {
	s := t.shardFor(fwdKey, revKey)

	s.mu.Lock()

	if e, ok := s.byFwd[string(fwdKey)]; ok {
		e.mu.Lock()
		s.mu.Unlock()
		e.lastSeen = t.now()
		return e, FWD, false, nil
	}

	if e, ok := s.byFwd[string(revKey)]; ok && bytes.Equal(e.RevKey, fwdKey) {
		e.mu.Lock()
		s.mu.Unlock()
		e.lastSeen = t.now()
		return e, REV, false, nil
	}

	e := &Entry{
		ID:       gid.GenerateConnectionID(),
		Proto:    protoName,
		FwdKey:   append([]byte(nil), fwdKey...),
		RevKey:   append([]byte(nil), revKey...),
		Parent:   parent,
		table:    t,
		shard:    s,
		lastSeen: t.now(),
	}
	e.mu.Lock()
	s.byFwd[string(fwdKey)] = e
	s.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.Children = append(parent.Children, e)
		parent.mu.Unlock()
	}

	return e, FWD, true, nil
}

// Release unlocks e. It does not itself touch TTL state: eviction is driven
// by last-seen timestamps checked lazily in ExpireScan, matching the
// "delay queue" semantics of 4.2 without needing a live per-shard timer
// per entry.
func (t *Table) Release(e *Entry) {
	e.mu.Unlock()
}

// ExpireScan implements 4.2's expire_scan: for every shard, entries whose
// last_seen + ttl <= now are unlinked and their protocol's cleanup handler
// invoked. Cleanup handler failures are logged by the caller (passed in as
// onCleanupErr), never propagated — a misbehaving protocol module must not
// be able to wedge eviction for every other entry.
func (t *Table) ExpireScan(onCleanupErr func(e *Entry, err error)) int {
	cutoff := t.now().Add(-t.ttl)
	expired := 0

	for _, s := range t.shards {
		s.mu.Lock()
		var dead []*Entry
		for k, e := range s.byFwd {
			if !e.lastSeen.After(cutoff) {
				dead = append(dead, e)
				delete(s.byFwd, k)
			}
		}
		s.mu.Unlock()

		for _, e := range dead {
			t.expireOne(e, onCleanupErr)
			expired++
		}
	}
	return expired
}

// DrainAll unconditionally unlinks and runs the cleanup handler for every
// live entry, regardless of idle TTL — the graceful-shutdown counterpart
// to ExpireScan's idle sweep, so every CE cleanup handler runs exactly once
// on the way down instead of being abandoned mid-TTL.
func (t *Table) DrainAll(onCleanupErr func(e *Entry, err error)) int {
	drained := 0
	for _, s := range t.shards {
		s.mu.Lock()
		dead := make([]*Entry, 0, len(s.byFwd))
		for k, e := range s.byFwd {
			dead = append(dead, e)
			delete(s.byFwd, k)
		}
		s.mu.Unlock()

		for _, e := range dead {
			t.expireOne(e, onCleanupErr)
			drained++
		}
	}
	return drained
}

// expireOne releases e's private state through exactly one path: the
// protocol's CleanupHandler if one is registered (CleanupHandler
// implementations call priv.Release() themselves), or
// releaseAllPrivate otherwise. Running both would double-release the
// same PrivateState values, which most implementations tolerate only by
// accident (e.g. fragment.List.Release and streamparse.BidiKey.Release
// happen to be idempotent).
func (t *Table) expireOne(e *Entry, onCleanupErr func(e *Entry, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d := t.registry.Lookup(e.Proto); d != nil && d.Conntrack.CleanupHandler != nil {
		func() {
			defer func() {
				if r := recover(); r != nil && onCleanupErr != nil {
					onCleanupErr(e, pomerr.Newf(pomerr.StateCorrupted, "cleanup handler panicked: %v", r))
				}
			}()
			for _, priv := range e.private {
				d.Conntrack.CleanupHandler(priv)
			}
		}()
		e.private = nil
		return
	}
	e.releaseAllPrivate()
}

// Lookup returns the entry whose stored forward key equals fwdKey, without
// creating one, or nil.
func (t *Table) Lookup(fwdKey, revKey []byte) *Entry {
	s := t.shardFor(fwdKey, revKey)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byFwd[string(fwdKey)]
}

// Len returns the total number of live entries across all shards, for
// diagnostics and tests.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.byFwd)
		s.mu.RUnlock()
	}
	return n
}
