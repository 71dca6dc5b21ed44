package main

import (
	"net/netip"

	"github.com/nstack/netcore/pkg/corenet/buffer"
)

func formatDisplayAddr(a buffer.Address) string {
	if len(a.Raw) == 0 {
		return "-"
	}
	addr, ok := netip.AddrFromSlice(a.Raw)
	if !ok {
		return "-"
	}
	return addr.String()
}
