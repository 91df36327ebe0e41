package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tunnelcore/internal/core"
	"tunnelcore/internal/orchestrator"
	"tunnelcore/internal/platform"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "profile.yaml", "Path to profile file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunnelcore %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	pm := core.NewProfileManager(*configPath)
	if err := pm.Load(); err != nil {
		log.Fatalf("[Core] Failed to load profile: %v", err)
	}
	cfg := pm.Get()

	logCfg := cfg.Logging
	if *verbose {
		logCfg.Level = "debug"
	}
	core.Log.Configure(logCfg)

	core.Log.Infof("Core", "tunnelcore %s starting (profile=%s, kind=%s)",
		version, cfg.Profile.Name, cfg.Profile.Kind)

	// === 1. Core components ===
	bus := core.NewEventBus()

	// === 2. Platform collaborators ===
	// On a dev host there is no VPN service: the interface is simulated and
	// traffic enters through the bridge's SOCKS5 port directly. The
	// DNS-tunneled kinds additionally need the native transport library,
	// which only ships in the mobile host.
	host := &devHost{}
	native := &unavailableNative{}
	notifier := platform.NewMonitor()

	orch := orchestrator.New(orchestrator.Deps{
		Host:     host,
		Native:   native,
		Notifier: notifier,
		Bus:      bus,
		Settings: cfg.Settings,
	})

	bus.Subscribe(core.EventConnectionStateChanged, func(e core.Event) {
		p := e.Payload.(core.ConnectionStatePayload)
		if p.Status.Message != "" {
			core.Log.Infof("Core", "State: %s -> %s (%s)", p.Old, p.Status.State, p.Status.Message)
			return
		}
		core.Log.Infof("Core", "State: %s -> %s", p.Old, p.Status.State)
	})

	if err := orch.Start(); err != nil {
		log.Fatalf("[Core] Failed to start orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Connect(ctx, cfg.Profile); err != nil {
		orch.Stop()
		log.Fatalf("[Core] Connect failed: %v", err)
	}
	core.Log.Infof("Core", "Tunnel up, SOCKS5 on %s", cfg.Profile.ListenAddr())

	// === 3. Wait for shutdown ===
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	core.Log.Infof("Core", "Received %s, shutting down", sig)

	if err := orch.Stop(); err != nil {
		core.Log.Errorf("Core", "Shutdown error: %v", err)
	}
}
