// Package resolver defines the contract child plugins implement: a
// small capability record the meta engine (internal/meta) dispatches
// through, matching gdnsd's plugin_t callback table reduced to the
// pieces the meta core actually calls (CB_MAP and CB_RES).
package resolver

import (
	"context"
	"fmt"
	"net"

	"github.com/gdnsd/gdnsd-core/internal/monitor"
)

// Dname is a domain name in dotted text form (labels separated by
// dots, not wire-format length-prefixed labels). It stands in for the zone/wire package's name type so
// resolver does not need to import internal/wire. A Dname is either
// "partial" (no trailing dot; relative to some zone origin) or fully
// qualified (trailing dot); the two are never intermixed silently, per
// §9's design note.
type Dname string

// IsAbsolute reports whether d is fully qualified (ends in a dot).
func (d Dname) IsAbsolute() bool {
	return len(d) > 0 && d[len(d)-1] == '.'
}

// Complete appends origin to a partial d, producing a fully-qualified
// name. Calling Complete on an already-absolute d is an error: mixing
// the two is exactly the bug §9 warns against.
func (d Dname) Complete(origin Dname) (Dname, error) {
	if d.IsAbsolute() {
		return "", fmt.Errorf("resolver: %q is already fully qualified, cannot complete", d)
	}
	if origin == "" {
		return "", fmt.Errorf("resolver: partial name %q used without an origin", d)
	}
	if !origin.IsAbsolute() {
		return "", fmt.Errorf("resolver: origin %q is not fully qualified", origin)
	}
	return d + "." + origin, nil
}

// ClientInfo carries the requesting client's address and, when present,
// its EDNS client-subnet option, used by Map implementations to order
// datacenters.
type ClientInfo struct {
	Addr     net.IP
	Subnet   *net.IPNet
	HasECS   bool
}

// Result is a plugin's answer: a set of address records, or a CNAME
// target when the plugin wants the core to chase an alias instead.
//
// Exactly one of Addrs or CNAME should be set; a plugin that sets
// CNAME is tagged "partial" unless FullyQualified is also set, per
// gdnsd's partial-vs-fully-qualified CNAME distinction (§9's design
// note): a partial CNAME is relative to the zone currently being
// answered and must be re-qualified by the core before being handed to
// the wire encoder.
type Result struct {
	Addrs          []net.IP
	CNAME          Dname
	FullyQualified bool

	// ScopeMask is the plugin's own EDNS client-subnet scope hint, 0 if
	// it has no opinion. The meta engine widens this against the map's
	// own hint before returning to the caller.
	ScopeMask uint8
}

// Plugin is the capability record a child resolver implements. Plugins
// that only monitor (internal/extmon) do not implement this interface:
// MapRes/Resolve are specific to plugins that answer queries.
type Plugin interface {
	// Name identifies the plugin for error messages and config
	// rewriting.
	Name() string

	// MapRes resolves a plugin-local resource name (as named in the
	// plugin's own config stanza) to a small integer handle the core
	// can use in place of a string on every subsequent Resolve call.
	// A negative return value means the name was rejected.
	MapRes(resourceName string, origin Dname) (int32, error)

	// Resolve answers one query for a previously-mapped resource
	// number. threadNum identifies the calling DNS I/O thread, letting
	// plugins keep one cache/connection per thread instead of locking
	// a shared one.
	Resolve(ctx context.Context, threadNum int, resNum int32, origin Dname, client ClientInfo) (monitor.Sttl, Result, error)
}
