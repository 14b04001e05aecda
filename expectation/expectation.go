// Package expectation implements pending flow rules (C11): a control
// protocol such as SIP registers a match template describing a forthcoming
// data flow (e.g. the RTP stream an SDP body advertises); the first
// matching conntrack entry created consumes the expectation exactly once.
// The store is a patrickmn/go-cache TTL map with OnEvicted wired to the
// unmatched-expiry path, the same pattern the retrieval pack uses for its
// own name->ID caches, repurposed here for single-shot match-or-expire
// semantics (4.5).
package expectation

import (
	"sync"
	"time"

	"github.com/gopom/pom/conntrack"
	"github.com/gopom/pom/gid"
	cache "github.com/patrickmn/go-cache"
)

// Matcher reports whether a newly created conntrack entry's forward/reverse
// keys satisfy this expectation's template. Protocol-specific: a SIP
// expectation's matcher compares a 5-tuple with wildcarded components
// against the UDP conntrack keys being created.
type Matcher func(fwdKey, revKey []byte) bool

// Callback runs exactly once, the moment a matching CE is created, before
// that CE is made visible to other lookups (4.5). It receives the new CE
// and the owner cookie supplied at registration.
type Callback func(ce *conntrack.Entry, owner interface{})

type entry struct {
	id      gid.ExpectationID
	proto   string
	match   Matcher
	cb      Callback
	owner   interface{}
	matched bool
}

// Store holds pending expectations for one process, indexed by protocol
// name so Match only scans templates for the protocol the new CE belongs
// to.
type Store struct {
	mu    sync.Mutex
	cache *cache.Cache

	// byProto lists expectation ids per protocol name for fast scanning;
	// kept in sync with cache under mu.
	byProto map[string][]gid.ExpectationID

	// OnExpire is called for an expectation that reaches its TTL unmatched
	// (4.5: "unmatched expectations expire after a TTL").
	OnExpire func(id gid.ExpectationID, owner interface{})
}

// NewStore builds a Store whose entries are swept for expiry every
// cleanupInterval. defaultTTL is used when Register is called without an
// explicit TTL.
func NewStore(defaultTTL, cleanupInterval time.Duration) *Store {
	s := &Store{
		cache:   cache.New(defaultTTL, cleanupInterval),
		byProto: make(map[string][]gid.ExpectationID),
	}
	s.cache.OnEvicted(func(key string, v interface{}) {
		e, ok := v.(*entry)
		if !ok || e.matched {
			return
		}
		s.mu.Lock()
		s.removeFromIndexLocked(e.proto, e.id)
		s.mu.Unlock()
		if s.OnExpire != nil {
			s.OnExpire(e.id, e.owner)
		}
	})
	return s
}

// Register installs a new expectation for protoName, matched against
// future CE creations on that protocol, expiring after ttl (pass
// cache.DefaultExpiration to use the store's default).
func (s *Store) Register(protoName string, match Matcher, cb Callback, owner interface{}, ttl time.Duration) gid.ExpectationID {
	id := gid.GenerateExpectationID()
	e := &entry{id: id, proto: protoName, match: match, cb: cb, owner: owner}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(id.String(), e, ttl)
	s.byProto[protoName] = append(s.byProto[protoName], id)
	return id
}

// Match is called during conntrack entry creation (4.2, before the entry is
// made visible to other lookups): it scans every pending expectation for
// protoName, and on the first whose Matcher accepts (fwdKey, revKey),
// consumes it atomically (removes it from the store so it can never match
// again) and invokes its callback with ce. Returns whether an expectation
// matched.
func (s *Store) Match(protoName string, fwdKey, revKey []byte, ce *conntrack.Entry) bool {
	s.mu.Lock()
	ids := append([]gid.ExpectationID(nil), s.byProto[protoName]...)
	for _, id := range ids {
		v, ok := s.cache.Get(id.String())
		if !ok {
			continue
		}
		e := v.(*entry)
		if e.matched || !e.match(fwdKey, revKey) {
			continue
		}
		e.matched = true
		s.cache.Delete(id.String())
		s.removeFromIndexLocked(protoName, id)
		s.mu.Unlock()

		e.cb(ce, e.owner)
		return true
	}
	s.mu.Unlock()
	return false
}

func (s *Store) removeFromIndexLocked(protoName string, id gid.ExpectationID) {
	list := s.byProto[protoName]
	for i, existing := range list {
		if existing == id {
			s.byProto[protoName] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Len reports the number of unmatched expectations held in the store, for
// diagnostics and tests. An expired expectation still counts until the
// store's cleanup sweep removes it.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}
