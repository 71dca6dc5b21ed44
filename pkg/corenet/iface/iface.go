// Package iface implements the per-interface address table (C5): interface
// lifecycle, alias add/remove, the process-wide local-address hash, and the
// IFF_UP transition that drives each bound domain datalink up or down.
package iface

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/nstack/netcore/pkg/corenet/buffer"
)

const (
	FlagUp uint32 = 1 << iota
	FlagBroadcast
	FlagLoopback
	FlagPointToPoint
)

// Datalink is the per-(interface,family) binding an Interface holds; its
// hooks are invoked on the up/down transition and on address changes.
type Datalink interface {
	InterfaceUp(*Interface) error
	InterfaceDown(*Interface) error
	ChangeAddress(*Interface, *InterfaceAddress) error
}

// InterfaceAddress is a (local, destination, mask) triple bound to an
// interface within one address family.
type InterfaceAddress struct {
	Domain      uint8
	Local       buffer.Address
	Destination buffer.Address
	Mask        buffer.Address
	Iface       *Interface
	Flags       uint32

	refcount atomic.Int32
}

func (a *InterfaceAddress) Acquire() { a.refcount.Add(1) }
func (a *InterfaceAddress) Release() bool {
	return a.refcount.Add(-1) == 0
}

// hasLocal reports whether the address carries a defined (non-empty) local
// address, the condition under which it is indexed in the process-wide hash.
func (a *InterfaceAddress) hasLocal() bool { return len(a.Local.Raw) > 0 }

// Interface is one named device-interface binding (C5).
type Interface struct {
	mu sync.RWMutex

	Name   string
	Index  int32
	Device string
	Flags  uint32
	Type   uint32
	MTU    uint32
	Metric int32

	addresses map[uint8][]*InterfaceAddress // keyed by domain/family
	datalinks map[uint8]Datalink

	Busy     bool
	refcount atomic.Int32
}

func (i *Interface) Acquire() { i.refcount.Add(1) }
func (i *Interface) Release() bool {
	return i.refcount.Add(-1) == 0
}

// Addresses returns a snapshot of every address bound to family.
func (i *Interface) Addresses(family uint8) []*InterfaceAddress {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*InterfaceAddress, len(i.addresses[family]))
	copy(out, i.addresses[family])
	return out
}

// BindDatalink registers the datalink module driving family on this
// interface.
func (i *Interface) BindDatalink(family uint8, dl Datalink) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.datalinks == nil {
		i.datalinks = make(map[uint8]Datalink)
	}
	i.datalinks[family] = dl
}

func (i *Interface) datalinkFor(family uint8) Datalink {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.datalinks[family]
}

// SetUp brings the interface's IFF_UP flag on and drives every bound
// domain-datalink's InterfaceUp hook, rolling back (calling InterfaceDown
// on every datalink already brought up) if any hook fails.
func (i *Interface) SetUp() error {
	i.mu.Lock()
	if i.Flags&FlagUp != 0 {
		i.mu.Unlock()
		return nil
	}
	links := make(map[uint8]Datalink, len(i.datalinks))
	for f, dl := range i.datalinks {
		links[f] = dl
	}
	i.mu.Unlock()

	var brought []Datalink
	for _, dl := range links {
		if err := dl.InterfaceUp(i); err != nil {
			for _, up := range brought {
				_ = up.InterfaceDown(i)
			}
			return err
		}
		brought = append(brought, dl)
	}

	i.mu.Lock()
	i.Flags |= FlagUp
	i.mu.Unlock()
	return nil
}

// SetDown brings the interface down and invalidates its routes and
// link-layer bindings via onDown, called once after the InterfaceDown hooks.
func (i *Interface) SetDown(onDown func(*Interface)) {
	i.mu.Lock()
	if i.Flags&FlagUp == 0 {
		i.mu.Unlock()
		return
	}
	i.Flags &^= FlagUp
	links := make([]Datalink, 0, len(i.datalinks))
	for _, dl := range i.datalinks {
		links = append(links, dl)
	}
	i.mu.Unlock()

	for _, dl := range links {
		_ = dl.InterfaceDown(i)
	}
	if onDown != nil {
		onDown(i)
	}
}

// localHashKey is a family-aware digest of a local sockaddr, feeding the
// Table's single local-address hash map.
func localHashKey(family uint8, raw []byte) uint64 {
	h := xxhash.New()
	h.Write([]byte{family})
	h.Write(raw)
	return h.Sum64()
}
