// Package staticmap is a minimal concrete implementation of
// internal/meta's Map interface: a fixed datacenter ordering with no
// actual geo/subnet logic, just enough to exercise the meta engine's
// iteration and fallback behavior in tests and simple deployments.
package staticmap

import "github.com/gdnsd/gdnsd-core/internal/resolver"

// Static always returns the same datacenter order for every client.
type Static struct {
	Order []uint8
}

// New builds a Static map with datacenters 0..n-1 in order.
func New(n int) *Static {
	order := make([]uint8, n)
	for i := range order {
		order[i] = uint8(i)
	}
	return &Static{Order: order}
}

// DCList implements meta.Map.
func (s *Static) DCList(client resolver.ClientInfo) ([]uint8, uint8) {
	return s.Order, 0
}
