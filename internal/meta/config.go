package meta

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/gdnsd/gdnsd-core/internal/monitor"
	"github.com/gdnsd/gdnsd-core/internal/resolver"
	"github.com/gdnsd/gdnsd-core/internal/resolver/multifo"
)

// PluginRegistry looks up a configured child plugin instance by name,
// and lets the meta loader insert freshly synthesized plugin stanzas
// into the top-level plugin table, the Go equivalent of gdnsd's
// plugin-loading table and meta_core.c's config-rewriting pass.
type PluginRegistry interface {
	Lookup(name string) (resolver.Plugin, bool)
	Register(name string, p resolver.Plugin)
}

// BuildResource walks one resources.NAME.dcmap stanza and produces a
// fully-wired Resource: each configured datacenter value is dispatched
// by shape (a sub-hash, a "%plugin!resource"/"!resource" reference, a
// bare address or address array, or a CNAME string), matching
// meta_core.c's per-dc-value-type switch (§4.3's "Configuration
// rewriting"). selfName is the name this meta plugin instance is
// registered under, used to detect and reject self-reference.
// monitors registers one admin-forced-state slot per datacenter (and a
// second for CNAME datacenters, per DATA MODEL "Datacenter"), so an
// operator can force a datacenter (or a specific CNAME target) down
// without waiting on extmon. A nil monitors leaves every datacenter's
// MonitorIdx/CNAMEMonitorIdx at -1, i.e. no admin override is possible
// for that resource.
func BuildResource(selfName, name string, stanza map[string]any, registry PluginRegistry, origin resolver.Dname, monitors *monitor.Table) (*Resource, error) {
	dcmap, ok := stanza["dcmap"].(map[string]any)
	if !ok || len(dcmap) == 0 {
		return nil, fmt.Errorf("meta: resource %q: dcmap must be a non-empty hash", name)
	}

	defaultPlugin, _ := stanza["plugin"].(string)
	if defaultPlugin == "" {
		defaultPlugin = "multifo"
	}

	r := &Resource{Name: name}
	if down, _ := stanza["admin_down"].(bool); down {
		r.AdminDown = true
	}

	// Deterministic order: map iteration order is not, and datacenter
	// order in the resolve path matters only as the no-map fallback
	// order, but stable output still matters for config-rewrite
	// idempotency and for tests.
	dcNames := make([]string, 0, len(dcmap))
	for dcName := range dcmap {
		dcNames = append(dcNames, dcName)
	}
	sort.Strings(dcNames)

	for i, dcName := range dcNames {
		if dcName == "" || strings.Contains(dcName, "/") {
			return nil, fmt.Errorf("meta: resource %q: invalid datacenter name %q", name, dcName)
		}
		dc, err := buildDatacenter(selfName, name, dcName, dcmap[dcName], defaultPlugin, registry, origin, uint8(i), monitors)
		if err != nil {
			return nil, fmt.Errorf("meta: resource %q: %w", name, err)
		}
		r.Datacenters = append(r.Datacenters, dc)
	}
	return r, nil
}

// buildDatacenter dispatches one dcmap value to a concrete Datacenter,
// per §4.3's value-shape rules.
func buildDatacenter(selfName, resName, dcName string, value any, defaultPlugin string, registry PluginRegistry, origin resolver.Dname, dcIdx uint8, monitors *monitor.Table) (Datacenter, error) {
	switch v := value.(type) {
	case map[string]any:
		return buildFromHash(resName, dcName, v, registry, origin, dcIdx, monitors)

	case string:
		switch {
		case strings.HasPrefix(v, "%"):
			pluginName, target, ok := strings.Cut(v[1:], "!")
			if !ok {
				return Datacenter{}, fmt.Errorf("datacenter %q: malformed %%plugin!resource reference %q", dcName, v)
			}
			if pluginName == selfName && target == resName {
				return Datacenter{}, fmt.Errorf("datacenter %q: resource %q cannot delegate to itself", dcName, resName)
			}
			return delegate(dcName, pluginName, target, registry, origin, dcIdx, monitors)

		case strings.HasPrefix(v, "!"):
			target := v[1:]
			if defaultPlugin == selfName && target == resName {
				return Datacenter{}, fmt.Errorf("datacenter %q: resource %q cannot delegate to itself", dcName, resName)
			}
			return delegate(dcName, defaultPlugin, target, registry, origin, dcIdx, monitors)

		default:
			if ip := net.ParseIP(v); ip != nil {
				return synthesizeMultifo(resName, dcName, []string{v}, registry, dcIdx, monitors)
			}
			// Not an address: a CNAME target. Completion of a partial
			// name against the query origin happens at resolve time, but
			// a value that is obviously not a legal name (empty, contains
			// whitespace), or a partial name with no origin to complete
			// against, fails config load immediately.
			return buildCNAME(resName, dcName, v, origin, monitors)
		}

	case []any:
		addrs := make([]string, 0, len(v))
		for _, elem := range v {
			s, ok := elem.(string)
			if !ok || net.ParseIP(s) == nil {
				return Datacenter{}, fmt.Errorf("datacenter %q: address list entry %v is not an address", dcName, elem)
			}
			addrs = append(addrs, s)
		}
		return synthesizeMultifo(resName, dcName, addrs, registry, dcIdx, monitors)

	default:
		return Datacenter{}, fmt.Errorf("datacenter %q: unsupported value type %T", dcName, value)
	}
}

// buildFromHash handles a literal sub-hash datacenter value: its
// "plugin" key (default multifo) names the child plugin. For multifo
// the other keys must be "1".."n" with address values, handled inline
// since multifo has no generic stanza parser of its own in this tree.
// For any other plugin the other keys are not read: the datacenter
// delegates to that plugin's resource of the same name as this meta
// resource.
func buildFromHash(resName, dcName string, hash map[string]any, registry PluginRegistry, origin resolver.Dname, dcIdx uint8, monitors *monitor.Table) (Datacenter, error) {
	pluginName, _ := hash["plugin"].(string)
	if pluginName == "" {
		pluginName = "multifo"
	}
	if pluginName != "multifo" {
		return delegate(dcName, pluginName, resName, registry, origin, dcIdx, monitors)
	}

	var keys []int
	for k := range hash {
		if k == "plugin" {
			continue
		}
		n, err := strconv.Atoi(k)
		if err != nil {
			return Datacenter{}, fmt.Errorf("datacenter %q: multifo hash key %q is not numeric", dcName, k)
		}
		keys = append(keys, n)
	}
	sort.Ints(keys)
	addrs := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := hash[strconv.Itoa(k)].(string)
		if net.ParseIP(v) == nil {
			return Datacenter{}, fmt.Errorf("datacenter %q: multifo hash entry %d is not an address", dcName, k)
		}
		addrs = append(addrs, v)
	}
	return synthesizeMultifo(resName, dcName, addrs, registry, dcIdx, monitors)
}

// synthesizeMultifo adds a resource named "multifo_<resource>_<dc>" to
// the shared multifo plugin instance, first registering a new instance
// in the top-level plugin table under "multifo" if none is there. The
// synthesized resource holds only the datacenter's addresses.
func synthesizeMultifo(resName, dcName string, addrStrs []string, registry PluginRegistry, dcIdx uint8, monitors *monitor.Table) (Datacenter, error) {
	genName := fmt.Sprintf("multifo_%s_%s", resName, dcName)

	plugin, ok := registry.Lookup("multifo")
	mf, isMultifo := plugin.(*multifo.Plugin)
	if !ok || !isMultifo {
		mf = multifo.New()
		registry.Register("multifo", mf)
	}

	addrs := make([]net.IP, 0, len(addrStrs))
	for _, s := range addrStrs {
		ip := net.ParseIP(s)
		if ip == nil {
			return Datacenter{}, fmt.Errorf("datacenter %q: %q is not an address", dcName, s)
		}
		addrs = append(addrs, ip)
	}
	mf.AddResource(genName, addrs)

	localRes, err := mf.MapRes(genName, "")
	if err != nil {
		return Datacenter{}, fmt.Errorf("datacenter %q: synthesized multifo resource: %w", dcName, err)
	}
	return Datacenter{
		Name:            dcName,
		Plugin:          mf,
		LocalRes:        PackResource(dcIdx, localRes),
		MonitorIdx:      registerAdminMonitor(monitors, resName, dcName, ""),
		CNAMEMonitorIdx: -1,
	}, nil
}

// delegate resolves a "%plugin!resource" or "!resource" reference to a
// concrete (plugin, local-resource) pair via CB_MAP.
func delegate(dcName, pluginName, resName string, registry PluginRegistry, origin resolver.Dname, dcIdx uint8, monitors *monitor.Table) (Datacenter, error) {
	plugin, ok := registry.Lookup(pluginName)
	if !ok {
		return Datacenter{}, fmt.Errorf("datacenter %q: unknown plugin %q", dcName, pluginName)
	}
	localRes, err := plugin.MapRes(resName, origin)
	if err != nil {
		return Datacenter{}, fmt.Errorf("datacenter %q: %s.MapRes(%q): %w", dcName, pluginName, resName, err)
	}
	if localRes < 0 {
		return Datacenter{}, fmt.Errorf("datacenter %q: %s rejected resource %q", dcName, pluginName, resName)
	}
	return Datacenter{
		Name:            dcName,
		Plugin:          plugin,
		LocalRes:        PackResource(dcIdx, localRes),
		MonitorIdx:      registerAdminMonitor(monitors, resName, dcName, ""),
		CNAMEMonitorIdx: -1,
	}, nil
}

// buildCNAME validates a scalar CNAME target at load time. A partial
// name is accepted only if an origin is available to complete it
// against eventually (the completion itself is deferred to resolve
// time, since a resource can be referenced from more than one zone);
// a partial name with no origin is rejected here.
func buildCNAME(resName, dcName, target string, origin resolver.Dname, monitors *monitor.Table) (Datacenter, error) {
	if target == "" || strings.ContainsAny(target, " \t\n") {
		return Datacenter{}, fmt.Errorf("datacenter %q: %q is not a valid CNAME target", dcName, target)
	}
	d := resolver.Dname(target)
	if !d.IsAbsolute() && origin == "" {
		return Datacenter{}, fmt.Errorf("datacenter %q: partial CNAME %q has no origin to complete against", dcName, target)
	}
	return Datacenter{
		Name:            dcName,
		CNAME:           d,
		MonitorIdx:      registerAdminMonitor(monitors, resName, dcName, "admin"),
		CNAMEMonitorIdx: registerAdminMonitor(monitors, resName, dcName, "cname-admin"),
	}, nil
}

// registerAdminMonitor allocates a per-(resource,dc[,target]) admin
// monitor slot (DATA MODEL "Datacenter": "a monitor index for per-DC
// admin-forced state; if a CNAME, a second monitor index for per-
// (resource,dc,target) admin state"). A nil monitors table (a caller,
// such as a test, building resources without one) means admin
// overrides are simply unavailable for this resource; every Datacenter
// still resolves fine with MonitorIdx/CNAMEMonitorIdx at -1, since
// Engine.adminFloor treats a negative index as "no override".
func registerAdminMonitor(monitors *monitor.Table, resName, dcName, suffix string) int {
	if monitors == nil {
		return -1
	}
	name := resName + "/" + dcName
	if suffix != "" {
		name += "/" + suffix
	}
	return monitors.Register(name)
}
