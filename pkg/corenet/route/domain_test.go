package route

import (
	"net/netip"
	"testing"

	"github.com/go-test/deep"
	"github.com/nstack/netcore/pkg/corenet/buffer"
	"github.com/nstack/netcore/pkg/corenet/errs"
)

func addr(ip string) buffer.Address {
	a := netip.MustParseAddr(ip)
	raw := a.AsSlice()
	return buffer.Address{Family: 2, Raw: raw}
}

func mask(bits int) buffer.Address {
	raw := make([]byte, 4)
	for i := 0; i < bits; i++ {
		raw[i/8] |= 1 << uint(7-i%8)
	}
	return buffer.Address{Family: 2, Raw: raw}
}

func TestRouteTreeLongestPrefixMatch(t *testing.T) {
	d := NewDomain(2, "inet", nil)

	if _, err := d.Add(addr("10.0.0.0"), mask(8), buffer.Address{}, 0, 0, nil); err != nil {
		t.Fatalf("add /8: %v", err)
	}
	if _, err := d.Add(addr("10.1.0.0"), mask(16), buffer.Address{}, 0, 0, nil); err != nil {
		t.Fatalf("add /16: %v", err)
	}
	if _, err := d.Add(addr("10.1.2.3"), mask(32), buffer.Address{}, RTF_HOST, 0, nil); err != nil {
		t.Fatalf("add /32: %v", err)
	}

	cases := []struct {
		ip   string
		want string
	}{
		{"10.1.2.3", "10.1.2.3"},
		{"10.1.5.9", "10.1.0.0"},
		{"10.2.0.1", "10.0.0.0"},
	}
	for _, c := range cases {
		r := d.Match(netip.MustParseAddr(c.ip))
		if r == nil {
			t.Fatalf("match(%s): no route", c.ip)
		}
		got := formatAddr(r.Dest)
		if got != c.want {
			t.Fatalf("match(%s) = %s, want %s", c.ip, got, c.want)
		}
	}

	if r := d.Match(netip.MustParseAddr("11.0.0.1")); r != nil {
		t.Fatalf("match(11.0.0.1) = %v, want not-found", r)
	}
}

func TestDuplicateRouteRejected(t *testing.T) {
	d := NewDomain(2, "inet", nil)
	if _, err := d.Add(addr("192.168.0.0"), mask(24), buffer.Address{}, 0, 0, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := d.Add(addr("192.168.0.0"), mask(24), buffer.Address{}, 0, 0, nil); errs.Code_(err) != errs.CodeFileExists {
		t.Fatalf("expected file-exists, got %v", err)
	}
}

func TestLookupReturnsExactKeyStructurally(t *testing.T) {
	d := NewDomain(2, "inet", nil)
	gw := addr("10.1.0.1")
	want, err := d.Add(addr("10.1.0.0"), mask(16), gw, RTF_GATEWAY, 1500, nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := d.Lookup(addr("10.1.0.0"), mask(16))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	if diff := deep.Equal(got.Dest, want.Dest); diff != nil {
		t.Fatalf("Dest diverged: %v", diff)
	}
	if diff := deep.Equal(got.Mask, want.Mask); diff != nil {
		t.Fatalf("Mask diverged: %v", diff)
	}
	if diff := deep.Equal(got.Gateway, want.Gateway); diff != nil {
		t.Fatalf("Gateway diverged: %v", diff)
	}
}

func TestDefaultRouteMatchesEverything(t *testing.T) {
	d := NewDomain(2, "inet", nil)
	if _, err := d.Add(addr("10.0.0.0"), mask(8), buffer.Address{}, 0, 0, nil); err != nil {
		t.Fatalf("add /8: %v", err)
	}
	gw := addr("192.0.2.1")
	def, err := d.Add(buffer.Address{Family: 2}, buffer.Address{Family: 2}, gw, RTF_DEFAULT|RTF_GATEWAY, 0, nil)
	if err != nil {
		t.Fatalf("add default: %v", err)
	}

	if r := d.Match(netip.MustParseAddr("8.8.8.8")); r != def {
		t.Fatalf("match(8.8.8.8) = %v, want default route", r)
	}
	if r := d.Match(netip.MustParseAddr("10.2.0.1")); r != nil && r == def {
		t.Fatalf("more specific /8 route should win over default")
	}
}

func TestRemoveThenMatchMisses(t *testing.T) {
	d := NewDomain(2, "inet", nil)
	r, err := d.Add(addr("172.16.0.0"), mask(12), buffer.Address{}, 0, 0, nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Remove(addr("172.16.0.0"), mask(12), buffer.Address{}, 0, nil); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got := d.Match(netip.MustParseAddr("172.16.5.1"))
	if got == r {
		t.Fatal("removed route still matched")
	}
}
