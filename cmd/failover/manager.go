package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/failover/pkg/api"
	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/events"
	"github.com/cuemby/failover/pkg/fmservice"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/transport"
)

var _ api.Cluster = (*fmservice.Service)(nil)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run a failover manager replica",
}

var managerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a replica of the failover manager service",
	Long: `Start a replica of the failover manager service.

The first replica is started with --bootstrap and forms a single member
raft group. Further replicas pass --join with the transport address of any
existing replica; the request is forwarded to the primary.`,
	RunE: runManagerStart,
}

func init() {
	managerCmd.AddCommand(managerStartCmd)

	managerStartCmd.Flags().String("node-id", "", "Unique node ID (default: hostname)")
	managerStartCmd.Flags().String("bind-addr", "", "Address for raft communication")
	managerStartCmd.Flags().String("listen-addr", "", "Address nodes send failover messages to")
	managerStartCmd.Flags().String("data-dir", "", "Data directory for the replicated state")
	managerStartCmd.Flags().Bool("bootstrap", false, "Form a new replica set")
	managerStartCmd.Flags().String("join", "", "Transport address of an existing replica")
	managerStartCmd.Flags().String("metrics-addr", "", "Address for health and metrics endpoints")
	managerStartCmd.Flags().String("cert-dir", "", "Directory with node.crt, node.key and ca.crt for mutual TLS")
}

func managerOverrides(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		stringFlag(cmd, "node-id", &cfg.Raft.NodeID)
		stringFlag(cmd, "bind-addr", &cfg.Raft.BindAddr)
		stringFlag(cmd, "listen-addr", &cfg.Transport.ListenAddr)
		stringFlag(cmd, "data-dir", &cfg.Store.DataDir)
		stringFlag(cmd, "cert-dir", &cfg.Transport.CertDir)
		boolFlag(cmd, "bootstrap", &cfg.Raft.Bootstrap)
		stringFlag(cmd, "join", &cfg.Raft.JoinAddr)
		stringFlag(cmd, "metrics-addr", &cfg.Metrics.Addr)
		if cfg.Raft.NodeID == "" {
			cfg.Raft.NodeID, _ = os.Hostname()
		}
	}
}

func runManagerStart(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	override := managerOverrides(cmd)
	override(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Raft.Bootstrap && cfg.Raft.JoinAddr != "" {
		return fmt.Errorf("--bootstrap and --join are mutually exclusive")
	}
	initLogging(cfg)
	logger := log.WithComponent("manager").With().Str("node_id", cfg.Raft.NodeID).Logger()

	fmt.Println("Starting failover manager replica...")
	fmt.Printf("  Node ID: %s\n", cfg.Raft.NodeID)
	fmt.Printf("  Raft Address: %s\n", cfg.Raft.BindAddr)
	fmt.Printf("  Transport Address: %s\n", cfg.Transport.ListenAddr)
	fmt.Printf("  Data Directory: %s\n", cfg.Store.DataDir)
	fmt.Println()

	component := config.NewComponent(cfg)
	metrics.SetCriticalComponents("transport", "raft", "store")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go logEvents(sub)

	tlsConfig, err := transportTLS(cfg)
	if err != nil {
		return err
	}
	trans := transport.NewGRPCTransport(transport.GRPCOptions{Address: cfg.Transport.ListenAddr, TLS: tlsConfig})
	if err := trans.Listen(); err != nil {
		return err
	}
	defer trans.Close()
	metrics.RegisterComponent("transport", true, cfg.Transport.ListenAddr)

	svc, err := fmservice.New(fmservice.Options{
		NodeID:    cfg.Raft.NodeID,
		BindAddr:  cfg.Raft.BindAddr,
		DataDir:   cfg.Store.DataDir,
		Bootstrap: cfg.Raft.Bootstrap,
		Transport: trans,
		Config:    component,
		Events:    broker,
	})
	if err != nil {
		return fmt.Errorf("failed to create fm service: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Open(ctx); err != nil {
		return fmt.Errorf("failed to open fm service: %v", err)
	}
	metrics.RegisterComponent("store", true, cfg.Store.DataDir)
	metrics.RegisterComponent("raft", true, cfg.Raft.BindAddr)
	fmt.Println("✓ FM service started")

	errCh := make(chan error, 1)
	if cfg.Raft.JoinAddr != "" {
		go func() {
			if err := svc.Join(ctx, cfg.Raft.JoinAddr); err != nil {
				if ctx.Err() == nil {
					errCh <- fmt.Errorf("failed to join %s: %v", cfg.Raft.JoinAddr, err)
				}
				return
			}
			logger.Info().Str("join_addr", cfg.Raft.JoinAddr).Msg("Joined FM replica set")
		}()
	}

	collector := metrics.NewCollector(svc)
	collector.Start()
	defer collector.Stop()

	var health *api.HealthServer
	if cfg.Metrics.Enabled {
		health = api.NewHealthServer(svc)
		go func() {
			if err := health.Start(cfg.Metrics.Addr); err != nil {
				errCh <- fmt.Errorf("health server error: %v", err)
			}
		}()
		fmt.Printf("✓ Health and metrics on %s\n", cfg.Metrics.Addr)
	}

	fmt.Println()
	fmt.Println("Manager is running. Press Ctrl+C to stop.")

	err = waitForShutdown(component, path, override, errCh)
	cancel()
	if health != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = health.Shutdown(shutdownCtx)
		done()
	}
	if cerr := svc.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to shutdown: %v", cerr)
	}
	if err == nil {
		fmt.Println("✓ Shutdown complete")
	}
	return err
}

// logEvents writes every published event to the log until sub is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		e := logger.Info().Str("type", string(ev.Type))
		for k, v := range ev.Metadata {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
}
