// Command wayout runs the traffic policy daemon: the rule engine, the
// change apply pipeline, and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/wayout/internal/api"
	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/config"
	"grimm.is/wayout/internal/dhcp"
	"grimm.is/wayout/internal/dns"
	"grimm.is/wayout/internal/logging"
	"grimm.is/wayout/internal/monitor"
	"grimm.is/wayout/internal/network"
	"grimm.is/wayout/internal/policy"
	"grimm.is/wayout/internal/rollback"
	"grimm.is/wayout/internal/state"
	"grimm.is/wayout/internal/vpn"
)

const defaultConfigPath = "/etc/wayout/wayout.hcl"

func main() {
	configPath := flag.String("config", defaultConfigPath, "configuration file (HCL or JSON)")
	flag.StringVar(configPath, "c", defaultConfigPath, "configuration file (short)")
	listen := flag.String("listen", "", "listen address override")
	dryRun := flag.Bool("dry-run", false, "log adapter actions instead of touching the system")
	flag.Parse()

	if err := run(*configPath, *listen, *dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "wayout: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenOverride string, dryRunFlag bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.ListenAddr = listenOverride
	}
	if dryRunFlag {
		cfg.DryRun = true
	}

	log := newLogger(cfg)
	logging.SetDefault(log)
	log.Info("Starting wayout", "config", configPath, "dry_run", cfg.DryRun)

	// Persistence.
	kv, err := state.NewSQLiteStore(state.DefaultOptions(cfg.DatabasePath))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer kv.Close()

	policyDoc, err := state.NewPolicyBucket(kv)
	if err != nil {
		return err
	}
	records, err := state.NewChangeSetBucket(kv)
	if err != nil {
		return err
	}
	snapshots, err := rollback.NewStore(rollback.Options{
		Store:  kv,
		Logger: log.WithComponent("rollback"),
		Retain: cfg.Apply.RetainSnapshots,
	})
	if err != nil {
		return err
	}

	st, err := loadOrSeedState(policyDoc, log)
	if err != nil {
		return err
	}
	engine := policy.NewEngine(st)

	// Adapters.
	adapters, tunnels, err := buildAdapters(cfg, kv, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Converge the kernel and service buckets to the loaded state.
	for _, a := range adapters {
		if err := a.Sync(ctx, st); err != nil {
			return fmt.Errorf("startup sync of adapter %s: %w", a.Name(), err)
		}
	}

	// Health monitoring and the apply consistency check.
	interval, _ := cfg.MonitorInterval()
	mon := monitor.New(monitor.Options{
		Engine:     engine,
		Tunnels:    tunnels,
		Logger:     log.WithComponent("monitor"),
		Interval:   interval,
		PingTarget: cfg.Monitor.PingTarget,
	})
	go mon.Run(ctx)

	var checker apply.ConsistencyChecker
	if !cfg.DryRun {
		checker = monitor.NewChecker(tunnels, log.WithComponent("monitor"))
	}

	adapterTimeout, _ := cfg.AdapterTimeout()
	applyTimeout, _ := cfg.ApplyTimeout()
	coordinator := apply.NewCoordinator(apply.Options{
		Engine:         engine,
		Validator:      changeset.NewValidator(changeset.Config{UniqueGroupVLAN: cfg.Policy.UniqueGroupVLAN}),
		Snapshots:      snapshots,
		Policy:         policyDoc,
		Records:        records,
		Adapters:       adapters,
		Checker:        checker,
		Logger:         log.WithComponent("apply"),
		AbortThreshold: cfg.Apply.AbortThreshold,
		AdapterTimeout: adapterTimeout,
		ApplyTimeout:   applyTimeout,
	})

	server := api.NewServer(api.ServerOptions{
		Engine:      engine,
		Coordinator: coordinator,
		Snapshots:   snapshots,
		Records:     records,
		StateStore:  kv,
		Monitor:     mon,
		Logger:      log.WithComponent("api"),
	})

	err = server.ListenAndServe(ctx, cfg.ListenAddr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFile(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func newLogger(cfg *config.Config) *logging.Logger {
	lc := logging.DefaultConfig()
	switch cfg.Log.Level {
	case "debug":
		lc.Level = logging.LevelDebug
	case "warn":
		lc.Level = logging.LevelWarn
	case "error":
		lc.Level = logging.LevelError
	}
	lc.JSON = cfg.Log.Format == "json"
	return logging.New(lc)
}

// loadOrSeedState returns the persisted policy state, seeding the
// minimal valid state on first boot: one default local egress and the
// inherit_egress DNS policy.
func loadOrSeedState(doc *state.PolicyBucket, log *logging.Logger) (*policy.State, error) {
	st, err := doc.Load()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("failed to load policy state: %w", err)
	}

	log.Info("No persisted policy state, seeding defaults")
	st = policy.NewState()
	st.Egresses["wan"] = &policy.EgressPoint{
		ID:        "wan",
		Name:      "Local internet",
		Kind:      policy.EgressLocalInternet,
		IsDefault: true,
	}
	st.DNSPolicies["inherit"] = &policy.DNSPolicy{
		ID:   "inherit",
		Name: "Inherit from egress",
		Kind: policy.DNSInheritEgress,
	}
	if err := doc.Save(st); err != nil {
		return nil, fmt.Errorf("failed to seed policy state: %w", err)
	}
	return st, nil
}

// buildAdapters assembles the adapter set. Dry-run swaps every adapter
// for a log-only one and serves static tunnel health.
func buildAdapters(cfg *config.Config, kv state.Store, log *logging.Logger) ([]apply.Adapter, vpn.Prober, error) {
	if cfg.DryRun {
		adapters := []apply.Adapter{
			apply.NewDryRunAdapter("routing", log.WithComponent("routing"),
				changeset.EntityEgressPoint, changeset.EntityRule, changeset.EntityClientGroup),
			apply.NewDryRunAdapter("dhcp", log.WithComponent("dhcp"), changeset.EntityReservation),
			apply.NewDryRunAdapter("dns", log.WithComponent("dns"), changeset.EntityDNSPolicy),
		}
		return adapters, &vpn.StaticProber{}, nil
	}

	routing, err := network.NewRoutingAdapter(log.WithComponent("routing"))
	if err != nil {
		return nil, nil, fmt.Errorf("routing adapter: %w", err)
	}
	dhcpAdapter, err := dhcp.NewReservationAdapter(kv, log.WithComponent("dhcp"))
	if err != nil {
		return nil, nil, fmt.Errorf("dhcp adapter: %w", err)
	}
	dnsAdapter, err := dns.NewPolicyAdapter(kv, log.WithComponent("dns"))
	if err != nil {
		return nil, nil, fmt.Errorf("dns adapter: %w", err)
	}

	return []apply.Adapter{routing, dhcpAdapter, dnsAdapter}, vpn.NewWGProber(nil), nil
}
