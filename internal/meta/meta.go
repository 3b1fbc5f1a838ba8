// Package meta implements the meta/geo resolution engine: it composes
// child resolver plugins across per-resource datacenter lists, applying
// an admin floor and synthesizing sub-resources so a single configured
// resource can address one child plugin instance per datacenter.
//
// The bit layout and fallback behavior mirror gdnsd's plugin_meta
// core (meta_core.c): a resource number packs a datacenter index into
// its top 8 bits, leaving 24 bits for the plugin-local resource index.
package meta

import (
	"context"
	"fmt"
	"strings"

	"github.com/gdnsd/gdnsd-core/internal/monitor"
	"github.com/gdnsd/gdnsd-core/internal/resolver"
)

const (
	// DCShift is the bit position where the datacenter index starts in
	// a synthetic resource number.
	DCShift = 24
	// MaxResources is the largest plugin-local resource index
	// representable in the low 24 bits.
	MaxResources = 1<<DCShift - 1
	// ResMask isolates the plugin-local resource index.
	ResMask = int32(MaxResources)
	// DCMask isolates the packed datacenter index.
	DCMask = int32(0xFF) << DCShift
)

// PackResource combines a datacenter index and a plugin-local resource
// index into one synthetic resource number, as CB_MAP hands back to the
// core and CB_RES unpacks again at resolve time.
func PackResource(dcIdx uint8, localRes int32) int32 {
	return (int32(dcIdx) << DCShift) | (localRes & ResMask)
}

// UnpackResource splits a synthetic resource number back into its
// datacenter index and plugin-local resource index.
func UnpackResource(res int32) (dcIdx uint8, localRes int32) {
	dcIdx = uint8((res & DCMask) >> DCShift)
	localRes = res & ResMask
	return
}

// Datacenter is one configured datacenter entry for a resource. Exactly
// one of CNAME or Plugin is set, mirroring dc_t's invariant that a
// datacenter is either a fixed alias or a delegation to a child plugin,
// never both.
type Datacenter struct {
	Name string

	// CNAME is the fixed alias target, set only when this datacenter
	// has no child plugin. Partial (relative) names are completed
	// against the query origin at resolve time.
	CNAME resolver.Dname

	Plugin   resolver.Plugin
	LocalRes int32

	// MonitorIdx is the per-datacenter admin-forced-state monitor, or
	// -1 if this datacenter has no admin override.
	MonitorIdx int

	// CNAMEMonitorIdx is a second, independent admin monitor that
	// applies only to CNAME datacenters, keyed on (resource, dc,
	// target) rather than just (resource, dc); -1 if unused. gdnsd
	// keeps these separate because a CNAME target can itself be
	// re-pointed at config reload without changing the dc's identity.
	CNAMEMonitorIdx int
}

// Resource is one configured top-level resource: an ordered list of
// candidate datacenters and the admin-floor state that can force the
// whole resource down regardless of what its children report.
type Resource struct {
	Name        string
	Datacenters []Datacenter
	AdminDown   bool
}

// dcByName returns the index of the datacenter named dc, or -1.
func (r *Resource) dcByName(dc string) int {
	for i := range r.Datacenters {
		if r.Datacenters[i].Name == dc {
			return i
		}
	}
	return -1
}

// Engine resolves Resources against a Map that orders datacenters per
// client.
type Engine struct {
	monitors  *monitor.Table
	resources map[string]*Resource
}

// NewEngine creates an engine backed by the given monitor table.
func NewEngine(monitors *monitor.Table) *Engine {
	return &Engine{
		monitors:  monitors,
		resources: make(map[string]*Resource),
	}
}

// AddResource registers a fully-configured resource. Per the zero-
// datacenter open question, a resource with no datacenters is rejected
// outright: resolve_dc's fallback logic assumes at least one candidate
// exists.
func (e *Engine) AddResource(r *Resource) error {
	if len(r.Datacenters) == 0 {
		return fmt.Errorf("meta: resource %q has no datacenters", r.Name)
	}
	e.resources[r.Name] = r
	return nil
}

// Map orders a resource's configured datacenters for a given client,
// the external collaborator gdnsd calls a "map" plugin (e.g. GeoIP).
type Map interface {
	DCList(client resolver.ClientInfo) (dclist []uint8, scopeMask uint8)
}

// lookup splits a query-side resource reference into its base resource
// and, if the reference used the "R/dc" synthetic sub-resource syntax,
// the forced datacenter name. A synthetic sub-resource bypasses the map
// entirely and resolves only the named datacenter, regardless of what
// the map would otherwise choose (§4.3, testable property 6).
func (e *Engine) lookup(resourceName string) (*Resource, string, error) {
	base, dc, hasSlash := strings.Cut(resourceName, "/")
	r, ok := e.resources[base]
	if !ok {
		return nil, "", fmt.Errorf("meta: unknown resource %q", base)
	}
	if !hasSlash {
		return r, "", nil
	}
	if r.dcByName(dc) < 0 {
		return nil, "", fmt.Errorf("meta: resource %q has no datacenter %q", base, dc)
	}
	return r, dc, nil
}

// Resolve walks resource's datacenters in the order m gives for client,
// skipping any whose monitor (or the resource's own admin floor) marks
// it down, and returns the first usable result. If every datacenter is
// down, it falls back to the first datacenter in that order with its
// sttl forced down and the TTL floored to the minimum observed across every
// candidate tried, matching gdnsd's resolve_dc behavior: answer with
// *something* rather than SERVFAIL, but flag it unusable via sttl.
func (e *Engine) Resolve(ctx context.Context, resourceName string, origin resolver.Dname, m Map, client resolver.ClientInfo) (monitor.Sttl, resolver.Result, error) {
	r, forcedDC, err := e.lookup(resourceName)
	if err != nil {
		return 0, resolver.Result{}, err
	}

	if r.AdminDown {
		dc := r.Datacenters[0]
		res, err := e.resolveOne(ctx, dc, origin, client)
		return monitor.NewSttl(true, res.sttl.TTL()), res.result, err
	}

	var order []uint8
	var mapScope uint8
	if forcedDC != "" {
		order = []uint8{uint8(r.dcByName(forcedDC))}
	} else {
		order, mapScope = m.DCList(client)
		if len(order) == 0 {
			// No per-client ordering available: fall back to configured
			// order, matching gdnsd's behavior when the map plugin has no
			// opinion for this client's subnet.
			for i := range r.Datacenters {
				order = append(order, uint8(i))
			}
		}
	}

	minTTL := monitor.MaxTTL
	var firstErr error
	for _, dcIdx := range order {
		if int(dcIdx) >= len(r.Datacenters) {
			continue
		}
		dc := r.Datacenters[dcIdx]
		if e.datacenterDown(dc) {
			continue
		}
		res, err := e.resolveOne(ctx, dc, origin, client)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.sttl.TTL() < minTTL {
			minTTL = res.sttl.TTL()
		}
		if !res.sttl.Down() {
			scope := widerScope(mapScope, res.result.ScopeMask)
			res.result.ScopeMask = scope
			return res.sttl, res.result, nil
		}
	}

	// Every candidate is down (or erroring): fall back to the first
	// datacenter of the order used above (for a synthetic sub-resource,
	// the single forced one), forced down, with the floor TTL observed
	// across everything we tried.
	fallbackIdx := order[0]
	if int(fallbackIdx) >= len(r.Datacenters) {
		fallbackIdx = 0
	}
	dc := r.Datacenters[fallbackIdx]
	res, err := e.resolveOne(ctx, dc, origin, client)
	if err != nil {
		return 0, resolver.Result{}, err
	}
	ttl := res.sttl.TTL()
	if minTTL < ttl {
		ttl = minTTL
	}
	return monitor.NewSttl(true, ttl), res.result, nil
}

func widerScope(mapHint, childHint uint8) uint8 {
	if childHint > mapHint {
		return childHint
	}
	return mapHint
}

type resolvedOne struct {
	sttl   monitor.Sttl
	result resolver.Result
}

// resolveOne answers a single datacenter, applying the admin floor
// (§4.3's resolve_dc: "floored by the per-datacenter admin sttl from
// C1, taking the stricter-of-two").
func (e *Engine) resolveOne(ctx context.Context, dc Datacenter, origin resolver.Dname, client resolver.ClientInfo) (resolvedOne, error) {
	var sttl monitor.Sttl
	var result resolver.Result

	if dc.CNAME != "" {
		target := dc.CNAME
		if !target.IsAbsolute() {
			completed, err := target.Complete(origin)
			if err != nil {
				return resolvedOne{}, fmt.Errorf("meta: datacenter %q: %w", dc.Name, err)
			}
			target = completed
		}
		sttl = monitor.NewSttl(false, monitor.MaxTTL)
		result = resolver.Result{CNAME: target, FullyQualified: true}
		sttl = monitor.Combine(sttl, e.adminFloor(dc.CNAMEMonitorIdx))
	} else {
		s, r, err := dc.Plugin.Resolve(ctx, 0, dc.LocalRes, origin, client)
		if err != nil {
			return resolvedOne{}, err
		}
		sttl, result = s, r
	}

	sttl = monitor.Combine(sttl, e.adminFloor(dc.MonitorIdx))
	return resolvedOne{sttl: sttl, result: result}, nil
}

// adminFloor returns the effective sttl of a per-datacenter admin
// monitor, or an up sttl with MaxTTL if idx is unset, so Combine-ing
// it in is a no-op.
func (e *Engine) adminFloor(idx int) monitor.Sttl {
	if idx < 0 {
		return monitor.NewSttl(false, monitor.MaxTTL)
	}
	s, err := e.monitors.Get(idx)
	if err != nil {
		return monitor.NewSttl(true, 0)
	}
	return s
}

func (e *Engine) datacenterDown(dc Datacenter) bool {
	if dc.MonitorIdx < 0 {
		return false
	}
	s, err := e.monitors.Get(dc.MonitorIdx)
	if err != nil {
		return true
	}
	return s.Down()
}
