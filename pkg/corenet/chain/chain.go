// Package chain implements the protocol-chain registry (C7): three
// independent registries — protocol, datalink, and receiving chains — each
// keyed by (family, type, protocol), resolving an ordered module list
// lazily on first use and keeping the keying immutable afterward.
package chain

import (
	"sync"
	"sync/atomic"

	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/metrics"
)

// SockRaw is the BSD SOCK_RAW socket-type value; the protocol-chain
// registry forces the protocol key to zero for it.
const SockRaw uint32 = 3

// MaxModules is the cap on a chain's module list.
const MaxModules = 5

// Key identifies a chain.
type Key struct {
	Family   uint8
	Type     uint32
	Protocol uint32
}

func normalize(kind Kind, key Key) Key {
	if kind == KindProtocol && key.Type == SockRaw {
		key.Protocol = 0
	}
	return key
}

// Kind distinguishes the three independent registries named in §4.6.
type Kind int

const (
	KindProtocol Kind = iota
	KindDatalink
	KindReceiving
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindDatalink:
		return "datalink"
	case KindReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// interfaceProtocolModule is the built-in module implicitly appended as the
// final element of every datalink chain.
const interfaceProtocolModule = "interface_protocol"

// Loader resolves a module name to a handle and releases it again. Chains
// hold onto the resolved handles so a family can be uninitialized (modules
// put back) when its refcount hits zero, allowing driver unload.
type Loader interface {
	Load(name string) (any, error)
	Unload(name string, handle any)
}

// Chain is one ordered module list keyed by (family, type, protocol).
type Chain struct {
	Key   Key
	Names []string

	mu          sync.Mutex
	modules     []any
	initialized bool
	missing     bool // cached "missing module" flag; fails fast once set
}

func (c *Chain) Modules() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.modules))
	copy(out, c.modules)
	return out
}

// Registry is one of the three chain tables.
type Registry struct {
	kind   Kind
	loader Loader

	mu             sync.RWMutex
	chains         map[Key]*Chain
	initMu         sync.Mutex
	familyRefcount map[uint8]*atomic.Int32
}

func NewRegistry(kind Kind, loader Loader) *Registry {
	return &Registry{
		kind:           kind,
		loader:         loader,
		chains:         make(map[Key]*Chain),
		familyRefcount: make(map[uint8]*atomic.Int32),
	}
}

// Register declares a chain's module list without resolving it. Modules
// are resolved lazily on first Acquire.
func (r *Registry) Register(key Key, names []string) (*Chain, error) {
	key = normalize(r.kind, key)

	if r.kind == KindReceiving && len(names) != 1 {
		return nil, errs.Wrapf(errs.ErrBadValue, "receiving chains must contain exactly one module, got %d", len(names))
	}
	if len(names) > MaxModules {
		return nil, errs.Wrapf(errs.ErrBadValue, "chain exceeds %d modules", MaxModules)
	}

	effective := make([]string, len(names))
	copy(effective, names)
	if r.kind == KindDatalink {
		effective = append(effective, interfaceProtocolModule)
	}

	c := &Chain{Key: key, Names: effective}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.chains[key]; exists {
		return nil, errs.ErrNameInUse
	}
	r.chains[key] = c
	return c, nil
}

func (r *Registry) lookup(key Key) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[key]
	if !ok {
		return nil, errs.ErrDeviceNotFound
	}
	return c, nil
}

// Acquire resolves (if needed) and returns the chain for key, bumping the
// family's reference count. Resolution happens once, under the registry's
// initialization lock, so concurrent acquirers never see a half-resolved
// chain.
func (r *Registry) Acquire(key Key) (*Chain, error) {
	key = normalize(r.kind, key)
	c, err := r.lookup(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.missing {
		c.mu.Unlock()
		metrics.ChainResolutionFailures.WithLabelValues(r.kind.String()).Inc()
		return nil, errs.ErrDeviceNotFound
	}
	if !c.initialized {
		c.mu.Unlock()
		if err := r.resolve(c); err != nil {
			c.mu.Lock()
			c.missing = true
			c.mu.Unlock()
			metrics.ChainResolutionFailures.WithLabelValues(r.kind.String()).Inc()
			return nil, err
		}
		c.mu.Lock()
	}
	c.mu.Unlock()

	r.bumpFamily(key.Family, 1)
	return c, nil
}

func (r *Registry) resolve(c *Chain) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	names := c.Names
	c.mu.Unlock()

	modules := make([]any, 0, len(names))
	for _, name := range names {
		m, err := r.loader.Load(name)
		if err != nil {
			for j, loaded := range modules {
				r.loader.Unload(names[j], loaded)
			}
			return err
		}
		modules = append(modules, m)
	}

	c.mu.Lock()
	c.modules = modules
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// Release drops the family's reference count; at zero every chain
// belonging to that family is uninitialized (its modules put back).
func (r *Registry) Release(family uint8) {
	if r.bumpFamily(family, -1) != 0 {
		return
	}

	r.mu.RLock()
	var toUninit []*Chain
	for key, c := range r.chains {
		if key.Family == family {
			toUninit = append(toUninit, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range toUninit {
		c.mu.Lock()
		if !c.initialized {
			c.mu.Unlock()
			continue
		}
		modules, names := c.modules, c.Names
		c.modules = nil
		c.initialized = false
		c.mu.Unlock()
		for i, m := range modules {
			r.loader.Unload(names[i], m)
		}
	}
}

func (r *Registry) bumpFamily(family uint8, delta int32) int32 {
	r.mu.Lock()
	counter, ok := r.familyRefcount[family]
	if !ok {
		counter = &atomic.Int32{}
		r.familyRefcount[family] = counter
	}
	r.mu.Unlock()
	return counter.Add(delta)
}
