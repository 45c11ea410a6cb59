// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/drover-systems/drover/gate"
	"github.com/drover-systems/drover/lib/acl"
	"github.com/drover-systems/drover/lib/auth"
	"github.com/drover-systems/drover/lib/bundle"
	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/config"
	"github.com/drover-systems/drover/lib/enrollment"
	"github.com/drover-systems/drover/lib/job"
	"github.com/drover-systems/drover/lib/mine"
	"github.com/drover-systems/drover/lib/process"
	"github.com/drover-systems/drover/lib/sqlitepool"
	"github.com/drover-systems/drover/lib/target"
	"github.com/drover-systems/drover/lib/version"
	"github.com/drover-systems/drover/messaging"
	"github.com/drover-systems/drover/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to drover.yaml (overrides DROVER_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("drover-controller %s\n", version.Info())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	realClock := clock.Real()

	// Storage: one SQLite file shared by the job ledger and the mine.
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Paths.Database,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	ledger, err := job.OpenLedger(ctx, job.LedgerConfig{
		Pool:   pool,
		Clock:  realClock,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	mineStore, err := mine.OpenStore(ctx, mine.StoreConfig{Pool: pool, Logger: logger})
	if err != nil {
		return err
	}

	// Enrollment: policy over the operator's signing files, keys on
	// the filesystem.
	policy := enrollment.NewPolicy(enrollment.PolicyConfig{
		AutoAccept:     cfg.Enrollment.AutoAccept,
		AutoSignFile:   cfg.Enrollment.AutosignFile,
		AutoRejectFile: cfg.Enrollment.AutorejectFile,
		AutoSignDir:    cfg.Enrollment.AutosignDir,
		StubTimeout:    cfg.StubTimeout(),
		KeyOwner:       cfg.Enrollment.KeyOwner,
		Permissive:     cfg.Enrollment.Permissive,
		Clock:          realClock,
		Logger:         logger,
	})
	keys, err := enrollment.NewStore(cfg.Paths.Keys, policy, logger)
	if err != nil {
		return err
	}

	// Operator authentication: fresh per-startup secrets, bearer
	// tokens, and the built-in static provider.
	secrets, err := auth.NewSecretTable(cfg.Paths.Secrets, secretUsers(cfg), logger)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenStore(cfg.Paths.Tokens, realClock, logger)
	if err != nil {
		return err
	}
	providers := auth.Providers{}
	if len(cfg.StaticUsers) > 0 {
		providers.Register(auth.NewStaticProvider("static", cfg.StaticUsers))
	}
	ladder := auth.NewLadder(auth.LadderConfig{
		Tokens:    tokens,
		Providers: providers,
		Eauth:     cfg.Eauth,
		Secrets:   secrets,
		RunUser:   cfg.RunUser,
		Logger:    logger,
	})

	// Bundles and targeting. The bundle cache doubles as the grain
	// and data source for metadata-driven target resolution.
	bundleCache, err := bundle.NewCache(cfg.Paths.BundleCache, logger)
	if err != nil {
		return err
	}
	overlays := make([]bundle.Overlay, len(cfg.Bundle.Overlays))
	for i, overlay := range cfg.Bundle.Overlays {
		overlays[i] = bundle.Overlay{Pattern: overlay.Pattern, Data: overlay.Data}
	}
	compiler := bundle.NewStaticCompiler(cfg.Bundle.Common, overlays)
	resolver := target.NewRegistry(keys, bundleCache, cfg.Nodegroups)

	// Event bus.
	bus := messaging.NewServer(cfg.Listen.EventSocket, realClock, logger)
	busDone := make(chan error, 1)
	go func() {
		busDone <- bus.Serve(ctx)
	}()

	// Function registries and the two gates.
	orchestration := gate.NewRegistry()
	admin := gate.NewRegistry()
	registerBuiltins(orchestration, admin, ledger, keys, bundleCache, resolver, bus, logger)

	cachedBundles := bundleCache
	if !cfg.Bundle.CacheEnabled {
		cachedBundles = nil
	}
	agentGate := gate.NewAgentGate(gate.AgentGateConfig{
		Ledger:          ledger,
		Mine:            mineStore,
		Bus:             bus,
		Compiler:        compiler,
		BundleCache:     cachedBundles,
		Resolver:        resolver,
		Keys:            keys,
		PeerACL:         cfg.Access.Peer,
		PeerRunACL:      cfg.Access.PeerRun,
		MineACL:         cfg.Access.MineGet,
		Orchestration:   orchestration,
		UploadDir:       cfg.Paths.Uploads,
		UploadMaxBytes:  cfg.Upload.MaxBytes,
		JobCacheEnabled: cfg.Jobs.CacheEnabled,
		TrackEndTimes:   cfg.Jobs.TrackEndTimes,
		Clock:           realClock,
		Logger:          logger,
	})
	operatorGate := gate.NewOperatorGate(gate.OperatorGateConfig{
		Ladder:           ladder,
		PublishACL:       cfg.Access.Publish,
		OrchestrationACL: cfg.Access.Orchestration,
		AdminACL:         cfg.Access.Admin,
		Eauth:            cfg.Eauth,
		Blacklist:        cfg.Access.Blacklist,
		Resolver:         resolver,
		Ledger:           ledger,
		Bus:              bus,
		Tokens:           tokens,
		Orchestration:    orchestration,
		Admin:            admin,
		RunUser:          cfg.RunUser,
		StatusFunction:   cfg.StatusFunction,
		DispatchEmpty:    cfg.Jobs.DispatchEmpty,
		JobCacheEnabled:  cfg.Jobs.CacheEnabled,
		Clock:            realClock,
		Logger:           logger,
	})

	// Transport: operator socket and agent TCP listener.
	operatorServer := transport.NewServer(cfg.Listen.OperatorSocket, logger)
	registerOperatorActions(operatorServer, operatorGate)
	operatorDone := make(chan error, 1)
	go func() {
		operatorDone <- operatorServer.Serve(ctx)
	}()

	agentServer, err := transport.NewAgentServer(transport.AgentServerConfig{
		Address: cfg.Listen.AgentAddress,
		Keys:    keys,
		Bus:     bus,
		Clock:   realClock,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	registerAgentActions(agentServer, agentGate)
	agentDone := make(chan error, 1)
	go func() {
		agentDone <- agentServer.Serve(ctx)
	}()

	go runMaintenance(ctx, ledger, tokens, cfg.LedgerRetention(), realClock, logger)

	logger.Info("controller running",
		"operator_socket", cfg.Listen.OperatorSocket,
		"event_socket", cfg.Listen.EventSocket,
		"agent_address", agentServer.Address(),
		"run_user", cfg.RunUser,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	for _, done := range []chan error{operatorDone, agentDone, busDone} {
		if err := <-done; err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}
	return nil
}

// secretUsers is the set of users that receive a fresh operator secret
// at startup: the run user plus every literal name the operator ACL
// tables grant to. Pattern entries cannot be enumerated; their users
// authenticate through a provider instead.
func secretUsers(cfg *config.Config) []string {
	users := []string{cfg.RunUser}
	seen := map[string]bool{cfg.RunUser: true}
	for _, table := range []acl.Table{cfg.Access.Publish, cfg.Access.Orchestration, cfg.Access.Admin} {
		for _, entry := range table {
			who := entry.Who
			if who == "" || seen[who] || strings.ContainsAny(who, "*?[]()|^$+\\") {
				continue
			}
			seen[who] = true
			users = append(users, who)
		}
	}
	return users
}
