// Package proto implements the protocol registry (C2): a name-indexed table
// of protocol descriptors, each declaring a field schema and the four
// handler references the pipeline dispatcher (C8) invokes as it walks a
// packet's layers.
package proto

import (
	"sync"

	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/memview"
	"github.com/gopom/pom/packet"
	"github.com/gopom/pom/pomerr"
)

// Verdict is the dispatcher-facing return code from a parse/process/
// post-process handler. It is a control-flow signal distinct from error
// Kinds (pomerr.Kind): the dispatcher logs an ERR verdict and returns it as
// a Verdict, without building a pomerr.Error (7).
type Verdict int

const (
	OK Verdict = iota
	STOP
	INVALID
	ERR
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "OK"
	case STOP:
		return "STOP"
	case INVALID:
		return "INVALID"
	case ERR:
		return "ERR"
	default:
		return "unknown"
	}
}

// Ctx is the handler-facing view of one stack frame, implemented by the
// protocol stack package (C3). Handlers accept this interface rather than a
// concrete frame type so that proto has no import dependency on the stack
// package that assembles frames into a per-packet array.
type Ctx interface {
	// Packet returns the packet being walked.
	Packet() *packet.Packet

	// Frame is this handler's index into Packet().Info.
	Frame() int

	// Payload is the byte range left for this frame to parse: the parent
	// frame's payload minus its header length.
	Payload() memview.MemView

	// SetNextProto records which protocol owns frame()+1. An empty name
	// means this is the innermost layer.
	SetNextProto(name string)

	// Info is this frame's parsed-field record, which Parse fills in.
	Info() *packet.Info

	// CE returns the conntrack entry this frame is bound to, or nil if
	// Process has not looked one up. The concrete type is
	// *conntrack.Entry; it is carried as interface{} here to avoid a
	// proto <-> conntrack import cycle (conntrack descriptors live in
	// proto.Descriptor).
	CE() interface{}
	SetCE(ce interface{})

	// Continue appends a new frame for nextProto with payload as its
	// entire content, then resumes dispatch from that frame, returning
	// its terminal Verdict. A handler that produces a logically later
	// payload out of band — fragment reassembly is the motivating case
	// (4.3 step 5) — uses this to deliver at frame()+1 of the same
	// packet.Info sequence, instead of starting a fresh root dispatch
	// that would strand the frames (and CE) already walked.
	Continue(registry *Registry, nextProto string, payload memview.MemView) Verdict
}

// Field describes one entry of a protocol's field schema.
type Field struct {
	Name string
	Kind fieldtype.Kind
	Desc string
}

// ConntrackInfo is the conntrack binding a protocol declares: the initial
// shard map size hint and which schema fields key the forward/reverse
// directions. CleanupHandler releases any per-CE private state this
// protocol attached when the owning CE is torn down.
type ConntrackInfo struct {
	DefaultTableSize int
	FwdFieldID       int
	RevFieldID       int
	CleanupHandler   func(privateState interface{})
}

// Handlers groups the four handler references a descriptor exposes to the
// dispatcher, plus Init/Cleanup lifecycle hooks run once at module
// load/unload rather than per-packet.
type Handlers struct {
	// Init is run once when the module registers this descriptor.
	Init func() error

	// Parse fills frame k's Info record and reports the header length
	// consumed, or one of INVALID/ERR (4.1 step 1). nextProto is the
	// schema-declared name of the next frame's protocol, empty if this is
	// the innermost layer.
	Parse func(ctx Ctx) (hdrLen int, nextProto string, v Verdict)

	// Process may look up/create a conntrack entry, buffer a fragment, or
	// short-circuit with STOP (4.1 step 2).
	Process func(ctx Ctx) Verdict

	// PostProcess runs bottom-up on unwind, once per frame that was parsed,
	// even if Process returned STOP for an outer frame (4.1 step 4).
	PostProcess func(ctx Ctx) Verdict

	// Cleanup is run once when the module unregisters this descriptor.
	Cleanup func() error
}

// Descriptor is a protocol's full registration: name, API version, schema,
// conntrack binding, and handlers (3 "Protocol descriptor").
type Descriptor struct {
	Name       string
	APIVersion int
	Schema     []Field
	Conntrack  ConntrackInfo
	Handlers   Handlers

	// refs counts live modules that registered this descriptor. A
	// descriptor with refs > 1 can only be fully unregistered once every
	// registering module has unregistered it.
	refs int
}

// FieldIndex returns the schema position of name, or -1 if absent.
func (d *Descriptor) FieldIndex(name string) int {
	for i, f := range d.Schema {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Registry is the name -> Descriptor table (C2). It is read-mostly: readers
// (the dispatcher, on every packet) take the read lock; writers (module
// load/unload) take the write lock, matching the "reader/writer lock,
// writers only during module load/unload" policy of the concurrency model
// (5).
type Registry struct {
	mu    sync.RWMutex
	table map[string]*Descriptor
}

// NewRegistry constructs an empty registry. One Registry is built per
// process and threaded explicitly into the components that need it,
// following the root-context strategy from the design notes rather than a
// package-level singleton.
func NewRegistry() *Registry {
	return &Registry{table: make(map[string]*Descriptor)}
}

// Register installs d, bumping its refcount if a descriptor by that name is
// already registered. A re-register with a differing schema is a
// StateCorrupted error: two modules must agree on one protocol's shape.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.table[d.Name]; ok {
		if !schemaEqual(existing.Schema, d.Schema) {
			return pomerr.Newf(pomerr.StateCorrupted,
				"proto: %q re-registered with a different field schema", d.Name)
		}
		existing.refs++
		return nil
	}

	if d.Handlers.Init != nil {
		if err := d.Handlers.Init(); err != nil {
			return pomerr.Wrap(pomerr.ConfigError, err, "proto: init failed for "+d.Name)
		}
	}
	d.refs = 1
	r.table[d.Name] = d
	return nil
}

// Unregister drops one reference to the descriptor named name. The
// descriptor is removed from the table, and its Cleanup handler run, only
// once its refcount reaches zero. This calls the Cleanup hook, not the
// Init/register hook — the source's unregister_func/register_func mixup
// (9) is not reproduced.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.table[name]
	if !ok {
		return pomerr.Newf(pomerr.ConfigError, "proto: %q is not registered", name)
	}
	d.refs--
	if d.refs > 0 {
		return nil
	}
	delete(r.table, name)
	if d.Handlers.Cleanup != nil {
		return d.Handlers.Cleanup()
	}
	return nil
}

// Lookup returns the descriptor registered under name, or nil.
func (r *Registry) Lookup(name string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table[name]
}

// Names returns the currently registered protocol names, for "pomd module
// list".
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.table))
	for n := range r.table {
		names = append(names, n)
	}
	return names
}

func schemaEqual(a, b []Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Kind != b[i].Kind {
			return false
		}
	}
	return true
}
