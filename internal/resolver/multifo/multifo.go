// Package multifo is a minimal leaf resolver plugin: it round-robins a
// static list of addresses per configured resource and reports itself
// up (down only for a resource with no addresses), so internal/meta has
// a real child plugin to dispatch through end-to-end.
package multifo

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/gdnsd/gdnsd-core/internal/monitor"
	"github.com/gdnsd/gdnsd-core/internal/resolver"
)

// Plugin is a multifo instance; one is typically shared across all
// datacenters that use it.
type Plugin struct {
	resources []resource
}

type resource struct {
	name    string
	addrs   []net.IP
	counter atomic.Uint64
}

// New builds an empty multifo plugin. Resources are added with
// AddResource before MapRes is ever called by the meta engine.
func New() *Plugin {
	return &Plugin{}
}

// AddResource configures one named resource's address pool.
func (p *Plugin) AddResource(name string, addrs []net.IP) {
	p.resources = append(p.resources, resource{name: name, addrs: addrs})
}

// Name implements resolver.Plugin.
func (p *Plugin) Name() string { return "multifo" }

// MapRes implements resolver.Plugin.
func (p *Plugin) MapRes(resourceName string, origin resolver.Dname) (int32, error) {
	for i, r := range p.resources {
		if r.name == resourceName {
			return int32(i), nil
		}
	}
	return -1, fmt.Errorf("multifo: no such resource %q", resourceName)
}

// Resolve implements resolver.Plugin. It ignores the synthetic
// datacenter bits meta.PackResource adds to resNum: multifo has no
// concept of datacenters of its own, each of its resources is already
// scoped to one by the engine's config.
func (p *Plugin) Resolve(ctx context.Context, threadNum int, resNum int32, origin resolver.Dname, client resolver.ClientInfo) (monitor.Sttl, resolver.Result, error) {
	idx := resNum & 0x00FFFFFF
	if int(idx) >= len(p.resources) {
		return 0, resolver.Result{}, fmt.Errorf("multifo: resource index %d out of range", idx)
	}
	r := &p.resources[idx]
	if len(r.addrs) == 0 {
		return monitor.NewSttl(true, 0), resolver.Result{}, nil
	}

	n := r.counter.Add(1)
	addr := r.addrs[int(n)%len(r.addrs)]
	return monitor.NewSttl(false, 30), resolver.Result{Addrs: []net.IP{addr}}, nil
}
