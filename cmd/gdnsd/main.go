// Command gdnsd is the authoritative DNS daemon's entry point: it
// parses CLI flags and an optional TOML config file, then dispatches
// one of the daemon's lifecycle actions.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gdnsd/gdnsd-core/internal/config"
	"github.com/gdnsd/gdnsd-core/internal/daemon"
	"github.com/gdnsd/gdnsd-core/internal/daemon/privhelper"
	"github.com/gdnsd/gdnsd-core/internal/extmon"
	"github.com/gdnsd/gdnsd-core/internal/logging"
	"github.com/gdnsd/gdnsd-core/internal/meta"
	"github.com/gdnsd/gdnsd-core/internal/monitor"
	"github.com/gdnsd/gdnsd-core/internal/monitor/history"
	"github.com/gdnsd/gdnsd-core/internal/resolver"
	"github.com/gdnsd/gdnsd-core/internal/resolver/multifo"
	"github.com/gdnsd/gdnsd-core/internal/stats"
	"github.com/gdnsd/gdnsd-core/internal/zone"
)

var (
	flagConfigFile string
	flagRunDir     string
	flagPidFile    string
	flagDebug      bool
)

func main() {
	// A process re-executed by privhelper.Spawn never reaches cobra at
	// all: it immediately becomes the privileged bind server.
	if privhelper.IsChild() {
		if err := privhelper.RunChild(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	root := &cobra.Command{
		Use:   "gdnsd",
		Short: "authoritative DNS daemon",
	}
	root.PersistentFlags().StringVar(&flagConfigFile, "config", "/etc/gdnsd/gdnsd.toml", "configuration file path")
	root.PersistentFlags().StringVar(&flagRunDir, "run-dir", "/var/run/gdnsd", "run directory (pidfile, monitor history database)")
	root.PersistentFlags().StringVar(&flagPidFile, "pidfile", "", "pid file path (defaults to run-dir/gdnsd.pid)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(
		newActionCommand(daemon.ActionCheckConfig),
		newActionCommand(daemon.ActionStart),
		newActionCommand(daemon.ActionStop),
		newActionCommand(daemon.ActionReload),
		newActionCommand(daemon.ActionRestart),
		newActionCommand(daemon.ActionCondRestart),
		newActionCommand(daemon.ActionStatus),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newActionCommand(action daemon.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action),
		Short: actionHelp(action),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(action)
		},
	}
}

func actionHelp(a daemon.Action) string {
	switch a {
	case daemon.ActionCheckConfig:
		return "validate the configuration file and exit"
	case daemon.ActionStart:
		return "start the daemon in the foreground"
	case daemon.ActionStop:
		return "stop a running daemon"
	case daemon.ActionReload:
		return "ask a running daemon to rescan its zone data"
	case daemon.ActionRestart:
		return "stop then start the daemon"
	case daemon.ActionCondRestart:
		return "restart only if a daemon is currently running"
	case daemon.ActionStatus:
		return "report whether the daemon is running"
	default:
		return ""
	}
}

func runAction(action daemon.Action) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.Logging.Syslog, config.MergeBool(cfg.Logging.Debug, flagDebug)); err != nil {
		return err
	}
	log := *logging.L()

	cfg.Daemon.RunDir = config.MergeString(cfg.Daemon.RunDir, flagRunDir, "/var/run/gdnsd")
	pidPath := config.MergeString(cfg.Daemon.PidFile, flagPidFile, "")
	if pidPath == "" {
		pidPath = cfg.Daemon.RunDir + "/gdnsd.pid"
	}

	switch action {
	case daemon.ActionCheckConfig:
		log.Info().Msg("configuration OK")
		return nil

	case daemon.ActionStop, daemon.ActionStatus:
		return signalRunningDaemon(log, pidPath, action)

	case daemon.ActionReload:
		return signalRunningDaemon(log, pidPath, action)

	case daemon.ActionCondRestart:
		pf, err := daemon.NewPidFile(pidPath)
		if err != nil {
			return err
		}
		pid, err := pf.ReadPid()
		if err != nil {
			return err
		}
		if pid == 0 || !daemon.IsAlive(pid) {
			log.Info().Msg("no running daemon, cond-restart is a no-op")
			return nil
		}
		fallthrough
	case daemon.ActionRestart, daemon.ActionStart:
		return startDaemon(log, cfg, pidPath)
	}
	return fmt.Errorf("unknown action %q", action)
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(flagConfigFile); err != nil {
		// No config file is not fatal: built-in defaults apply, matching
		// the teacher's CLI-flags-only mode.
		return &config.Config{}, nil
	}
	return config.Load(flagConfigFile)
}

func signalRunningDaemon(log zerolog.Logger, pidPath string, action daemon.Action) error {
	pf, err := daemon.NewPidFile(pidPath)
	if err != nil {
		return err
	}
	pid, err := pf.ReadPid()
	if err != nil {
		return err
	}
	if pid == 0 {
		if action == daemon.ActionStatus {
			fmt.Println("gdnsd is not running")
			return nil
		}
		return fmt.Errorf("no pidfile at %s", pidPath)
	}
	if !daemon.IsAlive(pid) {
		if action == daemon.ActionStatus {
			fmt.Println("gdnsd is not running (stale pidfile)")
			return nil
		}
		return fmt.Errorf("pidfile %s names dead pid %d", pidPath, pid)
	}

	switch action {
	case daemon.ActionStatus:
		fmt.Printf("gdnsd is running, pid %d\n", pid)
		return nil
	case daemon.ActionStop:
		return daemon.SendSignal(pid, syscall.SIGTERM)
	case daemon.ActionReload:
		return daemon.SendSignal(pid, syscall.SIGHUP)
	}
	return nil
}

func startDaemon(log zerolog.Logger, cfg *config.Config, pidPath string) error {
	monitors := monitor.NewTable()

	var hist *history.DB
	if cfg.Daemon.RunDir != "" {
		h, err := history.Open(cfg.Daemon.RunDir + "/monitor-history.db")
		if err != nil {
			log.Warn().Err(err).Msg("failed to open monitor history database, continuing without it")
		} else {
			hist = h
			monitors.OnTransition = func(idx int, name string, oldDown, newDown bool) {
				if err := hist.Record(idx, name, oldDown, newDown); err != nil {
					log.Warn().Err(err).Msg("failed to record monitor transition")
				}
			}
		}
	}

	engine := meta.NewEngine(monitors)

	// Every [meta.resources.NAME] stanza in the config file is rewritten
	// into a Resource via meta.BuildResource; multifo is registered as
	// the default child plugin, and BuildResource synthesizes further
	// multifo instances on demand for bare-address/array datacenter
	// values (§4.3's "Configuration rewriting").
	registry := newPluginRegistry()
	registry.Register("multifo", multifo.New())
	if err := loadMetaResources(engine, registry, cfg.Meta, monitors); err != nil {
		return fmt.Errorf("meta configuration: %w", err)
	}

	zoneDir := cfg.Zones.Directory
	tree := zone.NewTree()

	d, err := daemon.New(log, pidPath)
	if err != nil {
		return err
	}

	// The extmon monitor/stats/watchdog thread (§5): the only writer of
	// the monitor-state table at runtime. Absent a configured helper
	// path, there is simply nothing to monitor and the worker is
	// skipped entirely.
	if cfg.Extmon.HelperPath != "" {
		commands, err := buildExtmonCommands(cfg.Extmon, monitors)
		if err != nil {
			return fmt.Errorf("extmon configuration: %w", err)
		}
		failureAction := extmon.Stasis
		if cfg.Extmon.HelperFailureAction == "kill_daemon" {
			failureAction = extmon.KillDaemon
		}
		session, err := extmon.NewSession(log, cfg.Extmon.HelperPath, commands, monitorSink{monitors}, failureAction)
		if err != nil {
			return fmt.Errorf("start extmon helper: %w", err)
		}
		if err := session.Handshake(commands); err != nil {
			return fmt.Errorf("extmon handshake: %w", err)
		}
		d.AddWorker(daemon.Worker{Name: "extmon", Run: session.Run})
	}

	if zoneDir != "" {
		watcher := zone.NewWatcher(log, zoneDir, tree)
		d.AddWorker(daemon.Worker{Name: "zone-data", Run: watcher.Run})
		d.OnRescan(watcher.Rescan)
	}

	counters := &stats.Counters{}
	if cfg.Stats.Listen != "" {
		statsSrv := stats.NewServer(counters, monitors, hist)
		d.AddWorker(daemon.Worker{Name: "stats", Run: func(ctx context.Context) error {
			return serveHTTP(ctx, cfg.Stats.Listen, statsSrv.Router())
		}})
	}

	watchdog, err := daemon.NewWatchdog()
	if err != nil {
		log.Warn().Err(err).Msg("watchdog setup failed, continuing without it")
	}
	d.AddWorker(daemon.Worker{Name: "watchdog", Run: watchdog.Run})

	// Privileged bind + predecessor hand-off (§4.4): as root, a helper
	// child binds every listen address with SO_REUSEPORT before this
	// process drops privileges, so a predecessor's sockets are never
	// torn down before the replacement's are live.
	var listeners map[string]net.PacketConn
	if len(cfg.Daemon.Listen) > 0 && os.Geteuid() == 0 {
		helper, err := privhelper.Spawn()
		if err != nil {
			return fmt.Errorf("spawn privileged helper: %w", err)
		}
		listeners, err = d.AcquireListeners(helper, cfg.Daemon.Listen)
		helper.Close()
		if err != nil {
			return fmt.Errorf("acquire listeners: %w", err)
		}
		if err := dropPrivileges(cfg.Daemon.Username); err != nil {
			return fmt.Errorf("drop privileges: %w", err)
		}
	}

	if cfg.Daemon.LockMemory {
		if err := lockMemory(); err != nil {
			return fmt.Errorf("lock memory: %w", err)
		}
	}

	dnsSrv := newDNSServer(log, tree, engine, counters)
	for _, addr := range cfg.Daemon.Listen {
		addr := addr
		if pc, ok := listeners[addr]; ok {
			d.AddWorker(daemon.Worker{Name: "dns-udp:" + addr, Run: func(ctx context.Context) error {
				return dnsSrv.serve(ctx, pc)
			}})
			continue
		}
		d.AddWorker(daemon.Worker{Name: "dns-udp:" + addr, Run: func(ctx context.Context) error {
			return dnsSrv.listenAndServe(ctx, addr)
		}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go daemon.WatchSignals(log, d, cancel)

	if hist != nil {
		defer hist.Close()
	}
	return d.Run(ctx)
}

// dropPrivileges switches the process's uid/gid to username, the
// "drop privileges" step of §4.4 that follows the privileged-bind
// hand-off. A blank username is a no-op: some deployments run
// unprivileged throughout and never need it.
func dropPrivileges(username string) error {
	if username == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parse gid for %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid for %q: %w", username, err)
	}
	if err := syscall.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}

// lockMemory implements §4.4's optional memory-locking: raise the
// locked-memory soft limit (to the hard limit when unprivileged, to
// unlimited when root), then lock the process's current and future
// pages. A limit that is merely insufficient is fatal with a guiding
// message rather than a bare syscall error, matching the spec's
// "fatal with a guiding message" carve-out for the non-root case.
func lockMemory() error {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_MEMLOCK, &limit); err != nil {
		return fmt.Errorf("getrlimit RLIMIT_MEMLOCK: %w", err)
	}

	wantInf := os.Geteuid() == 0
	newCur := limit.Max
	if wantInf {
		newCur = ^uint64(0)
		limit.Max = newCur
	}
	limit.Cur = newCur
	if err := syscall.Setrlimit(syscall.RLIMIT_MEMLOCK, &limit); err != nil {
		if os.Geteuid() != 0 {
			return fmt.Errorf("RLIMIT_MEMLOCK is too low for this non-root user and could not be raised; "+
				"run as root or raise the limit in system config: %w", err)
		}
		return fmt.Errorf("setrlimit RLIMIT_MEMLOCK: %w", err)
	}

	if err := syscall.Mlockall(syscall.MCL_CURRENT | syscall.MCL_FUTURE); err != nil {
		if os.Geteuid() != 0 && err == syscall.ENOMEM {
			return fmt.Errorf("RLIMIT_MEMLOCK is too low for this non-root user to lock the process's memory; "+
				"run as root or raise the limit in system config: %w", err)
		}
		return fmt.Errorf("mlockall: %w", err)
	}
	return nil
}

// monitorSink adapts *monitor.Table to extmon.StateSink, translating the
// helper protocol's (index, down, ttl) triple into the packed Sttl word
// the table stores.
type monitorSink struct {
	table *monitor.Table
}

func (s monitorSink) Update(idx int, down bool, ttl uint32) error {
	return s.table.Update(idx, monitor.NewSttl(down, ttl))
}

// buildExtmonCommands rewrites the [extmon] config tree's services and
// monitors into extmon.Command values, registering one monitor-table
// slot per configured monitor (DATA MODEL "Monitor": "a monitor index
// into C1"). A monitor's argv is its service type's template with
// "%%ITEM%%" expanded against the monitor's thing.
func buildExtmonCommands(cfg config.ExtmonConfig, monitors *monitor.Table) ([]extmon.Command, error) {
	commands := make([]extmon.Command, 0, len(cfg.Monitors))
	for name, mc := range cfg.Monitors {
		svc, ok := cfg.Services[mc.Service]
		if !ok {
			return nil, fmt.Errorf("monitor %q: unknown service type %q", name, mc.Service)
		}
		if len(svc.Argv) < 1 {
			return nil, fmt.Errorf("service %q: argv must have at least one element", mc.Service)
		}

		description := mc.Description
		if description == "" {
			description = name
		}
		idx := monitors.Register(description)

		commands = append(commands, extmon.Command{
			Index:       uint32(idx),
			Argv:        extmon.ExpandArgv(svc.Argv, mc.Thing),
			Description: description,
			IntervalMS:  uint32(svc.IntervalMS),
			TimeoutMS:   uint32(svc.TimeoutMS),
		})
	}
	return commands, nil
}

// pluginRegistry is the top-level plugin table: meta.BuildResource
// both looks up existing child plugins here and inserts freshly
// synthesized ones (multifo instances rewritten from bare-address
// datacenter values), per §4.3's "Configuration rewriting".
type pluginRegistry struct {
	plugins map[string]resolver.Plugin
}

func newPluginRegistry() *pluginRegistry {
	return &pluginRegistry{plugins: make(map[string]resolver.Plugin)}
}

func (r *pluginRegistry) Lookup(name string) (resolver.Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

func (r *pluginRegistry) Register(name string, p resolver.Plugin) {
	r.plugins[name] = p
}

// loadMetaResources rewrites the [meta] config tree's "resources" hash
// into Resources registered on engine, the Go-side equivalent of
// plugin_meta's config-time CB_MAP pass over every configured resource.
// Each resource stanza may carry its own "origin" key (the zone origin
// partial CNAME targets in its dcmap complete against); a resource with
// no origin key only accepts fully-qualified CNAME targets.
func loadMetaResources(engine *meta.Engine, registry *pluginRegistry, metaCfg map[string]any, monitors *monitor.Table) error {
	if metaCfg == nil {
		return nil
	}
	resources, _ := metaCfg["resources"].(map[string]any)
	for name, raw := range resources {
		stanza, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("resource %q: not a hash", name)
		}
		origin, _ := stanza["origin"].(string)
		r, err := meta.BuildResource("meta", name, stanza, registry, resolver.Dname(origin), monitors)
		if err != nil {
			return err
		}
		if err := engine.AddResource(r); err != nil {
			return err
		}
	}
	return nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
