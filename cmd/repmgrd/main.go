// Command repmgrd is the replication-cluster failover daemon: one
// process per Postgres node, running whichever of the three role
// loops (primary, standby, witness) fits its current metadata record.
//
// Wiring order and signal handling are adapted from
// a common daemon shape: flags layered over a YAML config, a local
// sqlite handle opened up front, an admin HTTP surface started in the
// background, then a blocking wait on SIGINT/SIGTERM with a graceful
// shutdown window.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repmgrd/internal/adminapi"
	"repmgrd/internal/config"
	"repmgrd/internal/election"
	"repmgrd/internal/eventlog"
	"repmgrd/internal/eventstream"
	"repmgrd/internal/failover"
	"repmgrd/internal/localstore"
	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
	"repmgrd/internal/roleloop"
)

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*flags.ConfigFile)
	if err != nil {
		log.Fatalf("repmgrd: %v", err)
	}
	cfg = config.ApplyFlags(cfg, flags)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("repmgrd: %v", err)
	}

	gw, err := metadata.Open(cfg.Conninfo)
	if err != nil {
		log.Fatalf("repmgrd: metadata gateway: %v", err)
	}
	defer gw.Close()

	local, err := gw.GetNode(cfg.NodeID)
	if err != nil || local == nil {
		log.Fatalf("fatal: unknown local node record for node_id=%d: %v", cfg.NodeID, err)
	}

	lstore, err := localstore.Open(cfg.LocalStorePath)
	if err != nil {
		log.Fatalf("repmgrd: local store: %v", err)
	}
	defer lstore.Close()

	elog, err := eventlog.Open(cfg.LogFile, cfg.NodeID)
	if err != nil {
		log.Fatalf("repmgrd: event log: %v", err)
	}
	defer elog.Close()

	hub := eventstream.NewHub()
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	store := eventlog.NewSink(gw, elog, hub)

	pause := &adminapi.PauseGate{}
	statusProvider := func() (*metadata.NodeRecord, localstore.Snapshot, bool) {
		snap, ok, _ := lstore.Load(cfg.NodeID)
		return local, snap, ok
	}
	adminSrv := adminapi.NewServer(pause, hub, statusProvider)
	httpSrv := &http.Server{Addr: cfg.AdminListen, Handler: adminSrv.Router()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("repmgrd: admin server: %v", err)
		}
	}()

	prober := replprobe.Postgres{}
	scanner := election.NewPostgresScanner(store)
	electCfg := election.Config{
		FailoverMode:               cfg.Failover,
		MonitorIntervalSecs:        cfg.MonitorInterval(),
		ElectionRerunInterval:      cfg.ElectionRerunInterval(),
		PrimaryVisibilityConsensus: cfg.PrimaryVisibilityConsensus,
		FailoverValidationCommand:  cfg.FailoverValidationCommand,
	}
	elector := election.New(store, scanner, electCfg)

	failCfg := failover.Config{
		FailoverMode:                 cfg.Failover,
		PromoteCommand:               cfg.PromoteCommand,
		FollowCommand:                cfg.FollowCommand,
		AlwaysPromote:                cfg.AlwaysPromote,
		PromoteDelay:                 cfg.PromoteDelay(),
		PrimaryNotificationTimeout:   cfg.PrimaryNotificationTimeout(),
		RepmgrdStandbyStartupTimeout: cfg.RepmgrdStandbyStartupTimeout(),
		SiblingNodesDisconnectTimeout: cfg.SiblingNodesDisconnectTimeout(),
	}
	driver := failover.New(store, elector, prober, failCfg)

	signals := &roleloop.LoopSignals{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				signals.RequestReload()
				_ = elog.Reopen()
			default:
				signals.RequestShutdown()
			}
		}
	}()

	loopCfg := roleloop.Config{
		MonitorIntervalSecs:               cfg.MonitorInterval(),
		ReconnectAttempts:                 cfg.ReconnectAttempts,
		ReconnectInterval:                 cfg.ReconnectInterval(),
		ConnectionCheckType:                cfg.ConnectionCheckType,
		MonitoringHistory:                  cfg.MonitoringHistory,
		DegradedMonitoringTimeout:          cfg.DegradedMonitoringTimeout(),
		ChildNodesCheckInterval:            cfg.ChildNodesCheckInterval(),
		ChildNodesConnectedMinCount:        cfg.ChildNodesConnectedMinCount,
		ChildNodesDisconnectMinCount:       cfg.ChildNodesDisconnectMinCount,
		ChildNodesConnectedIncludeWitness:  cfg.ChildNodesConnectedIncludeWitness,
		ChildNodesDisconnectTimeout:        cfg.ChildNodesDisconnectTimeout(),
		ChildNodesDisconnectCommand:        cfg.ChildNodesDisconnectCommand,
		WitnessSyncInterval:                cfg.WitnessSyncInterval(),
		StandbyDisconnectOnFailover:        cfg.StandbyDisconnectOnFailover,
		SiblingNodesDisconnectTimeout:      cfg.SiblingNodesDisconnectTimeout(),
		FailoverMode:                       cfg.Failover,
		LogStatusInterval:                  cfg.LogStatusInterval(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for range time.Tick(500 * time.Millisecond) {
			if signals.ShutdownRequested() {
				cancel()
				return
			}
		}
	}()

	runRoleLoop(ctx, local, store, prober, driver, loopCfg, signals, pause, lstore, elog, cfg)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("repmgrd: admin server shutdown: %v", err)
	}
}

// runRoleLoop dispatches to the loop matching the local node's current
// role, switching from primary to standby in place when an external
// switchover is detected.
func runRoleLoop(
	ctx context.Context,
	local *metadata.NodeRecord,
	store metadata.Store,
	prober replprobe.Prober,
	driver *failover.Driver,
	loopCfg roleloop.Config,
	signals *roleloop.LoopSignals,
	pause *adminapi.PauseGate,
	lstore *localstore.Store,
	elog *eventlog.Logger,
	cfg config.Config,
) {
	for {
		saveSnapshot(lstore, local, cfg)
		switch local.Role {
		case metadata.RolePrimary:
			primaryLoop := roleloop.NewPrimaryLoop(store, prober, loopCfg, signals)
			primaryLoop.Pause = pause
			primaryLoop.StatusLog = elog
			err := primaryLoop.Run(ctx, local)
			if err == roleloop.ErrBecameStandby {
				local.Role = metadata.RoleStandby
				continue
			}
			return
		case metadata.RoleWitness:
			witnessLoop := roleloop.NewWitnessLoop(store, prober, loopCfg, signals)
			witnessLoop.StatusLog = elog
			witnessLoop.NodeCache = lstore
			stop := make(chan struct{})
			go func() { <-ctx.Done(); close(stop) }()
			_ = witnessLoop.Run(local, stop)
			return
		default:
			standbyLoop := roleloop.NewStandbyLoop(store, prober, driver, loopCfg, signals)
			standbyLoop.Pause = pause
			standbyLoop.StatusLog = elog
			_ = standbyLoop.Run(ctx, local)
			return
		}
	}
}

func saveSnapshot(lstore *localstore.Store, local *metadata.NodeRecord, cfg config.Config) {
	_ = lstore.Save(localstore.Snapshot{
		NodeID:       local.NodeID,
		Role:         local.Role,
		UpstreamID:   local.UpstreamID,
		FailoverMode: cfg.Failover,
	})
}
