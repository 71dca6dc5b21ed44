package route

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
	"github.com/gocarina/gocsv"
	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/iface"
	"github.com/nstack/netcore/pkg/corenet/metrics"
)

// FamilyLink is the link-layer pseudo-family. Per the open-question
// decision recorded in §5, link-layer lookups use MatchLink, which goes
// through the interface table by index; Match and Lookup do not
// special-case this family.
const FamilyLink uint8 = 0xff

// RouteInfo is an external watcher caching the currently-best route to an
// address, re-resolved whenever the owning Domain's table mutates.
type RouteInfo struct {
	Addr    netip.Addr
	current *Route
}

func (ri *RouteInfo) Route() *Route { return ri.current }

// Domain is a per-address-family routing context (C6). The lock is held
// across table mutation and route-info re-resolution so watchers never
// observe a partially-updated table.
type Domain struct {
	Family uint8
	Name   string
	Ifaces *iface.Table

	// AddrLen is the byte width of this family's addresses (4 for
	// IPv4-shaped families, 16 for IPv6-shaped ones), used to normalize
	// the zero-length dest/mask sockaddr of an RTF_DEFAULT route into a
	// concrete all-zero prefix the radix table can key on — mirroring
	// address_module.copy_address's zero-length-sockaddr normalization
	// for RTF_DEFAULT (§4.5).
	AddrLen int

	mu         sync.Mutex
	table      bart.Table[*routeChain]
	chains     []*routeChain
	routeInfos []*RouteInfo
}

func NewDomain(family uint8, name string, ifaces *iface.Table) *Domain {
	return &Domain{Family: family, Name: name, Ifaces: ifaces, AddrLen: 4}
}

// Add allocates and inserts a route. Per §4.5: deep-copy dest/mask/gateway,
// acquire the interface-address reference, refuse with ErrFileExists if an
// identical (gateway, flags, interface) entry already shares the key.
func (d *Domain) Add(dest, mask, gateway buffer.Address, flags uint32, mtu uint32, ifa *iface.InterfaceAddress) (*Route, error) {
	if flags&RTF_HOST != 0 && len(mask.Raw) != 0 && maskBits(mask.Raw, 8*len(mask.Raw)) != 8*len(mask.Raw) {
		return nil, errs.ErrMismatchedValues
	}
	if flags&RTF_DEFAULT == 0 && len(dest.Raw) == 0 {
		return nil, errs.ErrMismatchedValues
	}
	if flags&RTF_GATEWAY != 0 && len(gateway.Raw) == 0 {
		return nil, errs.ErrMismatchedValues
	}

	pfx, err := prefixFor(dest, mask, d.AddrLen)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	chain, ok := d.table.Get(pfx)
	if ok {
		chain.mu.Lock()
		for _, existing := range chain.routes {
			if existing.sameIdentity(gateway, flags, ifa) {
				chain.mu.Unlock()
				return nil, errs.ErrFileExists
			}
		}
		chain.mu.Unlock()
	} else {
		chain = &routeChain{}
		d.table.Insert(pfx, chain)
		d.chains = append(d.chains, chain)
	}

	r := &Route{
		Dest:      dest.Clone(),
		Mask:      mask.Clone(),
		Gateway:   gateway.Clone(),
		Flags:     flags,
		MTU:       mtu,
		IfaceAddr: ifa,
	}
	r.refcount.Store(1)
	if ifa != nil {
		ifa.Acquire()
	}

	chain.mu.Lock()
	chain.routes = append(chain.routes, r)
	chain.mu.Unlock()

	d.updateRouteInfosLocked()
	return r, nil
}

// Remove finds the (dest, mask) node, walks the duped-key chain comparing
// gateway/flags/interface (ifa may be nil, a wildcard), and unlinks it.
func (d *Domain) Remove(dest, mask, gateway buffer.Address, flags uint32, ifa *iface.InterfaceAddress) error {
	pfx, err := prefixFor(dest, mask, d.AddrLen)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	chain, ok := d.table.Get(pfx)
	if !ok {
		return errs.ErrBadValue
	}

	chain.mu.Lock()
	idx := -1
	for i, r := range chain.routes {
		if r.sameIdentity(gateway, flags, ifa) {
			idx = i
			break
		}
	}
	if idx < 0 {
		chain.mu.Unlock()
		return errs.ErrBadValue
	}
	removed := chain.routes[idx]
	chain.routes = append(chain.routes[:idx:idx], chain.routes[idx+1:]...)
	empty := len(chain.routes) == 0
	chain.mu.Unlock()

	if empty {
		d.table.Delete(pfx)
		d.removeChain(chain)
	}

	if removed.IfaceAddr != nil {
		removed.IfaceAddr.Release()
	}
	removed.Release()

	d.updateRouteInfosLocked()
	return nil
}

func (d *Domain) removeChain(target *routeChain) {
	for i, c := range d.chains {
		if c == target {
			d.chains = append(d.chains[:i:i], d.chains[i+1:]...)
			return
		}
	}
}

// Match returns the most-specific route whose dest&mask == addr&mask; ties
// on an identical key are broken by insertion order (earliest wins).
func (d *Domain) Match(addr netip.Addr) *Route {
	d.mu.Lock()
	defer d.mu.Unlock()
	chain, ok := d.table.Lookup(addr)
	if !ok {
		return nil
	}
	return chain.first()
}

// MatchLink implements the AF_LINK degraded path: lookups go through the
// interface table by index rather than the radix tree.
func (d *Domain) MatchLink(index int32) (*iface.Interface, error) {
	return d.Ifaces.ByIndex(index)
}

// Lookup returns the exact-key node for administrative operations.
func (d *Domain) Lookup(dest, mask buffer.Address) (*Route, error) {
	pfx, err := prefixFor(dest, mask, d.AddrLen)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	chain, ok := d.table.Get(pfx)
	if !ok {
		return nil, errs.ErrBadValue
	}
	if r := chain.first(); r != nil {
		return r, nil
	}
	return nil, errs.ErrBadValue
}

// RouteForDevice returns the first route bound to an interface-address on
// the given NIC index, used by egress after a route has already been
// resolved once.
func (d *Domain) RouteForDevice(index int32) *Route {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, chain := range d.chains {
		chain.mu.Lock()
		for _, r := range chain.routes {
			if r.IfaceAddr != nil && r.IfaceAddr.Iface != nil && r.IfaceAddr.Iface.Index == index {
				chain.mu.Unlock()
				return r
			}
		}
		chain.mu.Unlock()
	}
	return nil
}

// RouteForBuffer resolves via the buffer's weak interface-address
// back-reference, when present.
func (d *Domain) RouteForBuffer(buf *buffer.Buffer) *Route {
	ifa, ok := buf.IfaceAddr.(*iface.InterfaceAddress)
	if !ok || ifa == nil || ifa.Iface == nil {
		return nil
	}
	return d.RouteForDevice(ifa.Iface.Index)
}

// InvalidateRoutes removes every route bound to ifa (used when an address
// is dropped) or, if ifc is non-nil and ifa is nil, every route whose
// interface-address belongs to ifc (used on interface teardown). It
// always finishes by re-resolving route-info watchers.
func (d *Domain) InvalidateRoutes(ifc *iface.Interface, ifa *iface.InterfaceAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var toDelete []*routeChain
	for _, chain := range d.chains {
		chain.mu.Lock()
		kept := chain.routes[:0]
		var pfx netip.Prefix
		for _, r := range chain.routes {
			match := false
			if ifa != nil && r.IfaceAddr == ifa {
				match = true
			} else if ifa == nil && ifc != nil && r.IfaceAddr != nil && r.IfaceAddr.Iface == ifc {
				match = true
			}
			if match {
				pfx, _ = prefixFor(r.Dest, r.Mask, d.AddrLen)
				if r.IfaceAddr != nil {
					r.IfaceAddr.Release()
				}
				r.Release()
				continue
			}
			kept = append(kept, r)
		}
		chain.routes = kept
		empty := len(chain.routes) == 0
		chain.mu.Unlock()
		if empty {
			if pfx.IsValid() {
				d.table.Delete(pfx)
			}
			toDelete = append(toDelete, chain)
		}
	}
	for _, chain := range toDelete {
		d.removeChain(chain)
	}

	d.updateRouteInfosLocked()
}

// Watch registers a RouteInfo watcher, immediately resolving it.
func (d *Domain) Watch(addr netip.Addr) *RouteInfo {
	ri := &RouteInfo{Addr: addr}
	d.mu.Lock()
	d.routeInfos = append(d.routeInfos, ri)
	ri.current = d.matchLocked(addr)
	d.mu.Unlock()
	return ri
}

func (d *Domain) matchLocked(addr netip.Addr) *Route {
	chain, ok := d.table.Lookup(addr)
	if !ok {
		return nil
	}
	return chain.first()
}

func (d *Domain) updateRouteInfosLocked() {
	for _, ri := range d.routeInfos {
		ri.current = d.matchLocked(ri.Addr)
	}
	metrics.RouteTableSize.WithLabelValues(d.Name).Set(float64(d.sizeLocked()))
}

func (d *Domain) sizeLocked() int {
	n := 0
	for _, chain := range d.chains {
		chain.mu.Lock()
		n += len(chain.routes)
		chain.mu.Unlock()
	}
	return n
}

// Size returns the route-table size (route_table_size).
func (d *Domain) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sizeLocked()
}

// List walks the tree and returns every route (list_routes).
func (d *Domain) List() []*Route {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Route
	for _, chain := range d.chains {
		chain.mu.Lock()
		out = append(out, chain.routes...)
		chain.mu.Unlock()
	}
	return out
}

// routeRecord is the flat, csv-taggable projection of a Route used by the
// administrative dump.
type routeRecord struct {
	Dest    string `csv:"dest"`
	Mask    string `csv:"mask"`
	Gateway string `csv:"gateway"`
	Flags   uint32 `csv:"flags"`
	MTU     uint32 `csv:"mtu"`
}

// DumpRoutesCSV backs `netcorectl routes --csv`, the administrative
// SIOCGRTTABLE/list_routes surface in CSV form.
func (d *Domain) DumpRoutesCSV() (string, error) {
	records := make([]*routeRecord, 0)
	for _, r := range d.List() {
		records = append(records, &routeRecord{
			Dest:    formatAddr(r.Dest),
			Mask:    formatAddr(r.Mask),
			Gateway: formatAddr(r.Gateway),
			Flags:   r.Flags,
			MTU:     r.MTU,
		})
	}
	out, err := gocsv.MarshalString(&records)
	if err != nil {
		return "", err
	}
	return out, nil
}

func formatAddr(a buffer.Address) string {
	addr, ok := netip.AddrFromSlice(a.Raw)
	if !ok {
		return ""
	}
	return addr.String()
}
