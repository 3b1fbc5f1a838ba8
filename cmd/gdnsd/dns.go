package main

import (
	"context"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gdnsd/gdnsd-core/internal/meta"
	"github.com/gdnsd/gdnsd-core/internal/meta/staticmap"
	"github.com/gdnsd/gdnsd-core/internal/resolver"
	"github.com/gdnsd/gdnsd-core/internal/stats"
	"github.com/gdnsd/gdnsd-core/internal/wire"
	"github.com/gdnsd/gdnsd-core/internal/zone"
)

// dnsServer is the C6 DNS I/O loop: it answers A/AAAA/CNAME directly
// from the zone tree and defers to the meta engine for DYNA records,
// the wiring point the spec's external wire-codec/zone-parser/leaf-
// plugin collaborators all meet at.
type dnsServer struct {
	log      zerolog.Logger
	tree     *zone.Tree
	engine   *meta.Engine
	dcmap    meta.Map
	counters *stats.Counters
}

func newDNSServer(log zerolog.Logger, tree *zone.Tree, engine *meta.Engine, counters *stats.Counters) *dnsServer {
	return &dnsServer{log: log, tree: tree, engine: engine, dcmap: staticmap.New(1), counters: counters}
}

// listenAndServe is a daemon.Worker body: one UDP socket, answered
// synchronously per packet. A production reactor would run N of these
// per spec.md's thread roster; this keeps one goroutine per configured
// address, which is the same fan-out shape without a custom scheduler.
// Used when no privileged binder is available (e.g. listening on an
// unprivileged port in the foreground for local testing).
func (s *dnsServer) listenAndServe(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, pc)
}

// serve runs the UDP I/O reactor loop against an already-bound
// PacketConn, the path used when internal/daemon/privhelper bound the
// socket before privileges were dropped (§4.4's privileged-bind
// hand-off) so the listener survives the fork/exec boundary instead of
// being rebound here.
func (s *dnsServer) serve(ctx context.Context, pc net.PacketConn) error {
	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, raddr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.counters.Served.Add(1)
		s.counters.UDP.Add(1)
		resp, ok := s.answer(ctx, buf[:n], raddr)
		if ok {
			pc.WriteTo(resp, raddr)
		}
	}
}

func (s *dnsServer) answer(ctx context.Context, query []byte, raddr net.Addr) ([]byte, bool) {
	msg, err := wire.Decode(query)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed query")
		return nil, false
	}
	if msg.Header.QDCount == 0 {
		return nil, false
	}

	z, ok := s.tree.Lookup(msg.Question.Name)
	if !ok {
		return wire.EncodeAnswer(msg.Header.ID, msg.Question, 0, nil, ""), true
	}

	owner := strings.TrimSuffix(msg.Question.Name, "."+z.Origin)
	if owner == msg.Question.Name {
		owner = "@"
	}
	records := z.Records[owner]

	var addrs []net.IP
	var cname string
	for _, r := range records {
		switch r.Type {
		case zone.TypeA, zone.TypeAAAA:
			addrs = append(addrs, r.Addr)
		case zone.TypeCNAME:
			cname = r.Target
		case zone.TypeDYNA:
			// The zone file's DYNA "plugin!resource" rdata names a
			// resource previously registered with the engine under its
			// resource name; the plugin half of the rdata is not used.
			client := resolver.ClientInfo{Addr: addrFromNetAddr(raddr)}
			_, result, err := s.engine.Resolve(ctx, r.Res, resolver.Dname(z.Origin), s.dcmap, client)
			if err == nil {
				addrs = append(addrs, result.Addrs...)
				if result.CNAME != "" {
					cname = string(result.CNAME)
				}
			}
		}
	}

	return wire.EncodeAnswer(msg.Header.ID, msg.Question, 300, addrs, cname), true
}

func addrFromNetAddr(a net.Addr) net.IP {
	if udp, ok := a.(*net.UDPAddr); ok {
		return udp.IP
	}
	return nil
}
