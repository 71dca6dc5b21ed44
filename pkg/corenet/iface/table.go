package iface

import (
	"sync"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
)

// Table is the process-wide interface list plus the local-address hash
// (C5). It is a module-wide singleton, constructed once at stack startup.
type Table struct {
	mu        sync.RWMutex
	byName    map[string]*Interface
	byIndex   map[int32]*Interface
	nextIndex int32

	addrHash map[uint64][]*InterfaceAddress

	// OnAddressesRemoved is invoked with the interface and the removed
	// addresses whenever a going-down or explicit removal drops entries
	// from the hash, so the routing table (C6) can invalidate routes
	// bound to them. Wired by pkg/corenet/stack.
	OnAddressesRemoved func(*Interface, []*InterfaceAddress)

	// OnAddressChanging is invoked by ChangeAddress, before the datalink
	// hook runs, with addr still carrying its old Local/Mask, so the
	// routing table can remove the default routes bound to those values
	// (§4.4). Wired by pkg/corenet/stack.
	OnAddressChanging func(ifc *Interface, addr *InterfaceAddress)

	// OnAddressChanged is invoked by ChangeAddress after the datalink hook
	// succeeds, with addr now carrying its new Local/Mask, so the routing
	// table can install the new default routes (§4.4). Wired by
	// pkg/corenet/stack.
	OnAddressChanged func(ifc *Interface, addr *InterfaceAddress)
}

func NewTable() *Table {
	return &Table{
		byName:   make(map[string]*Interface),
		byIndex:  make(map[int32]*Interface),
		addrHash: make(map[uint64][]*InterfaceAddress),
	}
}

// GetOrCreate returns the interface bound to name, creating it (with a
// freshly allocated index) if create is true and none exists yet.
// Invariant (i): exactly one Interface per device-interface name.
func (t *Table) GetOrCreate(name, device string, create bool) (*Interface, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byName[name]; ok {
		if existing.Busy {
			return nil, errs.ErrBusy
		}
		return existing, nil
	}
	if !create {
		return nil, errs.ErrDeviceNotFound
	}

	t.nextIndex++
	ifc := &Interface{
		Name:      name,
		Index:     t.nextIndex,
		Device:    device,
		addresses: make(map[uint8][]*InterfaceAddress),
	}
	ifc.refcount.Store(1)
	t.byName[name] = ifc
	t.byIndex[ifc.Index] = ifc
	return ifc, nil
}

func (t *Table) ByName(name string) (*Interface, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ifc, ok := t.byName[name]
	if !ok {
		return nil, errs.ErrDeviceNotFound
	}
	return ifc, nil
}

func (t *Table) ByIndex(index int32) (*Interface, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ifc, ok := t.byIndex[index]
	if !ok {
		return nil, errs.ErrDeviceNotFound
	}
	return ifc, nil
}

// Remove tears down an interface entirely. Callers must have already
// brought it down.
func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ifc, ok := t.byName[name]
	if !ok {
		return
	}
	delete(t.byName, name)
	delete(t.byIndex, ifc.Index)
}

// AddAddress implements SIOCAIFADDR: add or replace an alias. Uniqueness is
// (interface, local) when local is defined (invariant ii).
func (t *Table) AddAddress(ifc *Interface, addr *InterfaceAddress) error {
	addr.Iface = ifc
	addr.refcount.Store(1)

	ifc.mu.Lock()
	for idx, existing := range ifc.addresses[addr.Domain] {
		if existing.hasLocal() && addr.hasLocal() && sameRaw(existing.Local, addr.Local) {
			ifc.addresses[addr.Domain][idx] = addr
			ifc.mu.Unlock()
			t.reindex(addr)
			return nil
		}
	}
	ifc.addresses[addr.Domain] = append(ifc.addresses[addr.Domain], addr)
	ifc.mu.Unlock()

	t.reindex(addr)
	return nil
}

func (t *Table) reindex(addr *InterfaceAddress) {
	if !addr.hasLocal() {
		return
	}
	key := localHashKey(addr.Domain, addr.Local.Raw)
	t.mu.Lock()
	t.addrHash[key] = append(t.addrHash[key], addr)
	t.mu.Unlock()
}

// RemoveAddress implements SIOCDIFADDR.
func (t *Table) RemoveAddress(ifc *Interface, addr *InterfaceAddress) {
	ifc.mu.Lock()
	list := ifc.addresses[addr.Domain]
	for i, existing := range list {
		if existing == addr {
			ifc.addresses[addr.Domain] = append(list[:i], list[i+1:]...)
			break
		}
	}
	ifc.mu.Unlock()

	t.unindex(addr)
	if t.OnAddressesRemoved != nil {
		t.OnAddressesRemoved(ifc, []*InterfaceAddress{addr})
	}
}

func (t *Table) unindex(addr *InterfaceAddress) {
	if !addr.hasLocal() {
		return
	}
	key := localHashKey(addr.Domain, addr.Local.Raw)
	t.mu.Lock()
	list := t.addrHash[key]
	for i, a := range list {
		if a == addr {
			t.addrHash[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// ByLocal looks up the InterfaceAddress whose Local equals addr, bumping
// its reference count on a hit.
func (t *Table) ByLocal(family uint8, addr buffer.Address) (*InterfaceAddress, error) {
	key := localHashKey(family, addr.Raw)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.addrHash[key] {
		if a.Domain == family && sameRaw(a.Local, addr) {
			a.Acquire()
			return a, nil
		}
	}
	return nil, errs.ErrBadAddress
}

func sameRaw(a, b buffer.Address) bool {
	if a.Family != b.Family || len(a.Raw) != len(b.Raw) {
		return false
	}
	for i := range a.Raw {
		if a.Raw[i] != b.Raw[i] {
			return false
		}
	}
	return true
}

// ChangeAddress mutates local/mask on an existing address via
// the bound datalink's ChangeAddress hook. Per §4.4, the default host/subnet
// routes bound to the old local/mask are removed first (OnAddressChanging),
// then the datalink hook runs; on success the new default routes are
// installed (OnAddressChanged). On refusal the address entry is left in the
// interface's list, emptied, so the caller's handle/index stays valid, and
// no new default routes are added.
func (t *Table) ChangeAddress(ifc *Interface, addr *InterfaceAddress, newLocal, newMask buffer.Address) error {
	t.unindex(addr)

	dl := ifc.datalinkFor(addr.Domain)
	prevLocal, prevMask := addr.Local, addr.Mask

	if t.OnAddressChanging != nil {
		t.OnAddressChanging(ifc, addr)
	}

	addr.Local, addr.Mask = newLocal, newMask

	if dl != nil {
		if err := dl.ChangeAddress(ifc, addr); err != nil {
			addr.Local = buffer.Address{Family: prevLocal.Family}
			addr.Mask = buffer.Address{Family: prevMask.Family}
			return err
		}
	}

	t.reindex(addr)
	if t.OnAddressChanged != nil {
		t.OnAddressChanged(ifc, addr)
	}
	return nil
}

// GoingDown removes every address bound to ifc from the hash and notifies
// OnAddressesRemoved once with the full set, matching "going-down of a
// device removes all addresses from the hash and invalidates their routes".
func (t *Table) GoingDown(ifc *Interface) {
	ifc.mu.Lock()
	var all []*InterfaceAddress
	for _, list := range ifc.addresses {
		all = append(all, list...)
	}
	ifc.mu.Unlock()

	for _, a := range all {
		t.unindex(a)
	}
	if t.OnAddressesRemoved != nil && len(all) > 0 {
		t.OnAddressesRemoved(ifc, all)
	}
}
