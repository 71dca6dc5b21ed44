// Package route implements the per-domain routing table (C6): a
// longest-prefix radix structure with a duped-key chain for routes that
// share an identical (destination, mask) key, plus route-info watchers that
// cache a resolved best route and re-resolve on every table mutation.
package route

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
	"github.com/nstack/netcore/pkg/corenet/iface"
)

// RTF_* route flags, matching the BSD-derived wire flags named in §6.
const (
	RTF_HOST uint32 = 1 << iota
	RTF_GATEWAY
	RTF_LOCAL
	RTF_DEFAULT
	RTF_STATIC
)

// identityFlags is the flag subset that participates in duplicate-route
// comparison, per §4.5's "(gateway, flags, interface)" uniqueness rule.
const identityFlags = RTF_HOST | RTF_LOCAL | RTF_GATEWAY | RTF_DEFAULT

// Route is one routing-table entry. Dest/Mask/Gateway are owned, deep-copied
// sockaddr blobs.
type Route struct {
	Dest    buffer.Address
	Mask    buffer.Address
	Gateway buffer.Address
	Flags   uint32
	MTU     uint32
	IfaceAddr *iface.InterfaceAddress

	refcount atomic.Int32
}

func (r *Route) Acquire() { r.refcount.Add(1) }
func (r *Route) Release() bool {
	return r.refcount.Add(-1) == 0
}

func (r *Route) sameIdentity(gateway buffer.Address, flags uint32, ifa *iface.InterfaceAddress) bool {
	if !sameAddr(r.Gateway, gateway) {
		return false
	}
	if r.Flags&identityFlags != flags&identityFlags {
		return false
	}
	return ifa == nil || r.IfaceAddr == ifa
}

func sameAddr(a, b buffer.Address) bool {
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

// routeChain is the duped-key chain for routes sharing one (dest, mask)
// prefix key, ordered by insertion.
type routeChain struct {
	mu     sync.Mutex
	routes []*Route
}

func (c *routeChain) first() *Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.routes) == 0 {
		return nil
	}
	return c.routes[0]
}

// prefixFor derives a canonical netip.Prefix from dest/mask, used as the
// radix key. mask must encode a contiguous prefix. A zero-length dest (the
// wire encoding of an RTF_DEFAULT route's sockaddr) is normalized to an
// all-zero address addrLen bytes wide, mirroring
// address_module.copy_address's zero-length-sockaddr handling (§4.5). A
// zero-length mask on a non-empty dest (a host route, which carries no
// mask) keys the route at the full address width.
func prefixFor(dest, mask buffer.Address, addrLen int) (netip.Prefix, error) {
	raw := dest.Raw
	if len(raw) == 0 {
		raw = make([]byte, addrLen)
	}
	addr, ok := netip.AddrFromSlice(raw)
	if !ok {
		return netip.Prefix{}, errs.ErrBadAddress
	}
	bits := maskBits(mask.Raw, addr.BitLen())
	if len(mask.Raw) == 0 && len(dest.Raw) != 0 {
		bits = addr.BitLen()
	}
	return netip.PrefixFrom(addr, bits).Masked(), nil
}

func maskBits(mask []byte, addrBits int) int {
	if len(mask) == 0 {
		return 0
	}
	bits := 0
	for _, b := range mask {
		for i := 7; i >= 0; i-- {
			if b&(1<<uint(i)) == 0 {
				return bits
			}
			bits++
		}
	}
	if bits > addrBits {
		return addrBits
	}
	return bits
}
