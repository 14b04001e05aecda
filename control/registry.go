// Package control implements the control plane: a registry tree of
// (class/instance/parameter) triples with typed values and flag-gated
// writability, observable and settable over an HTTP router (router.go).
// Grounded on the mux.NewRouter()-plus-http.ListenAndServe style the
// retrieval pack's own health-check and REST surfaces use (e.g.
// apidump/health_check.go, integrations/nginx/rest.go).
package control

import (
	"sync"

	"github.com/gopom/pom/fieldtype"
	"github.com/gopom/pom/pomerr"
)

// Flag is a bitmask of writability modifiers a parameter may carry (4.7's
// control-plane description).
type Flag uint8

const (
	// Immutable means the parameter can never be written after it is
	// registered, regardless of the owning instance's running state.
	Immutable Flag = 1 << iota

	// NotLockedWhileRunning exempts a parameter from the default
	// read-only-while-running rule: it may be written even while its
	// instance is running.
	NotLockedWhileRunning

	// CleanupVal marks a parameter whose value is only meaningful during
	// teardown (e.g. a final counter snapshot); Set still applies the
	// default/NotLockedWhileRunning rules, but readers know not to expect
	// it to reflect live state.
	CleanupVal
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// Parameter is one typed, flag-gated value under an Instance.
type Parameter struct {
	Name  string
	Flags Flag
	value fieldtype.Value
	mu    sync.RWMutex
}

// Get returns the parameter's current value.
func (p *Parameter) Get() fieldtype.Value {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// writable reports whether Set should be allowed given whether the owning
// instance is currently running: "a parameter without these flags is
// read-only while its owning instance is running" (4.7). IMMUTABLE always
// wins; otherwise NOT_LOCKED_WHILE_RUNNING is the only thing that permits a
// write while running.
func (p *Parameter) writable(running bool) bool {
	if p.Flags.has(Immutable) {
		return false
	}
	if !running {
		return true
	}
	return p.Flags.has(NotLockedWhileRunning)
}

// set installs raw bytes into the parameter's value via its Kind's Parse,
// enforcing writable(running). Holding p.mu for the duration keeps a
// concurrent Get from observing a half-parsed value.
func (p *Parameter) set(raw []byte, running bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writable(running) {
		return pomerr.Newf(pomerr.ConfigError, "parameter %q is not writable in the current state", p.Name)
	}
	return p.value.Parse(raw)
}

// Instance is one running object under a Class — an input driver, a
// protocol module, a conntrack table — exposing its parameters to the
// control plane. Running reports whether writes guarded by the default
// rule (and NOT_LOCKED_WHILE_RUNNING) should be permitted right now; it is
// supplied by whatever owns the instance (e.g. an input.Driver's State()).
type Instance struct {
	Name    string
	Running func() bool

	mu     sync.RWMutex
	params map[string]*Parameter
}

// NewInstance builds an Instance with no parameters registered yet.
func NewInstance(name string, running func() bool) *Instance {
	if running == nil {
		running = func() bool { return false }
	}
	return &Instance{Name: name, Running: running, params: make(map[string]*Parameter)}
}

// Declare registers a new parameter under this instance with its initial
// value and flags.
func (i *Instance) Declare(name string, initial fieldtype.Value, flags Flag) *Parameter {
	p := &Parameter{Name: name, Flags: flags, value: initial}
	i.mu.Lock()
	i.params[name] = p
	i.mu.Unlock()
	return p
}

// Param looks up a declared parameter by name.
func (i *Instance) Param(name string) (*Parameter, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	p, ok := i.params[name]
	return p, ok
}

// Set parses raw into the named parameter's value, subject to its flags and
// this instance's current running state.
func (i *Instance) Set(name string, raw []byte) error {
	p, ok := i.Param(name)
	if !ok {
		return pomerr.Newf(pomerr.ConfigError, "no parameter %q on instance %q", name, i.Name)
	}
	return p.set(raw, i.Running())
}

// ParamNames lists every declared parameter name.
func (i *Instance) ParamNames() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.params))
	for n := range i.params {
		names = append(names, n)
	}
	return names
}

// Class groups same-kind instances (e.g. every running input driver).
type Class struct {
	Name string

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewClass builds an empty Class.
func NewClass(name string) *Class {
	return &Class{Name: name, instances: make(map[string]*Instance)}
}

// Add registers inst under this class.
func (c *Class) Add(inst *Instance) {
	c.mu.Lock()
	c.instances[inst.Name] = inst
	c.mu.Unlock()
}

// Remove drops an instance, e.g. when an input driver is torn down.
func (c *Class) Remove(name string) {
	c.mu.Lock()
	delete(c.instances, name)
	c.mu.Unlock()
}

// Instance looks up a registered instance by name.
func (c *Class) Instance(name string) (*Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[name]
	return inst, ok
}

// InstanceNames lists every registered instance name.
func (c *Class) InstanceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.instances))
	for n := range c.instances {
		names = append(names, n)
	}
	return names
}

// Registry is the full (class/instance/parameter) tree for one process.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewRegistry builds an empty control-plane registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*Class)}
}

// Class returns the named class, creating an empty one on the first lookup
// of that name.
func (r *Registry) Class(name string) *Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[name]
	if !ok {
		c = NewClass(name)
		r.classes[name] = c
	}
	return c
}

// ClassNames lists every class created so far, including classes that were
// only looked up through Class and hold no instances.
func (r *Registry) ClassNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	return names
}

// Lookup resolves a (class, instance, parameter) triple in one call, for
// the HTTP router.
func (r *Registry) Lookup(class, instance, parameter string) (*Parameter, error) {
	r.mu.RLock()
	c, ok := r.classes[class]
	r.mu.RUnlock()
	if !ok {
		return nil, pomerr.Newf(pomerr.ConfigError, "no class %q", class)
	}
	inst, ok := c.Instance(instance)
	if !ok {
		return nil, pomerr.Newf(pomerr.ConfigError, "no instance %q in class %q", instance, class)
	}
	p, ok := inst.Param(parameter)
	if !ok {
		return nil, pomerr.Newf(pomerr.ConfigError, "no parameter %q on %q/%q", parameter, class, instance)
	}
	return p, nil
}
