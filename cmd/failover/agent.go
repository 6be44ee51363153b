package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/failover/pkg/agent"
	"github.com/cuemby/failover/pkg/api"
	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/transport"
	"github.com/cuemby/failover/pkg/types"
)

var _ api.Cluster = (*agent.Agent)(nil)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the reconfiguration agent of a node",
}

var agentStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Register this node with the failover manager and host replicas",
	RunE:  runAgentStart,
}

func init() {
	agentCmd.AddCommand(agentStartCmd)

	agentStartCmd.Flags().String("node-id", "", "Unique node ID (default: hostname)")
	agentStartCmd.Flags().String("listen-addr", "", "Address the failover manager sends commands to")
	agentStartCmd.Flags().String("fm-addr", "", "Transport address of any failover manager replica")
	agentStartCmd.Flags().String("data-dir", "", "Directory for hosted replica state")
	agentStartCmd.Flags().String("upgrade-domain", "", "Upgrade domain of this node")
	agentStartCmd.Flags().String("fault-domain", "", "Fault domain of this node")
	agentStartCmd.Flags().String("fabric-version", "", "Fabric version installed on this node")
	agentStartCmd.Flags().String("metrics-addr", "", "Address for health and metrics endpoints")
	agentStartCmd.Flags().String("cert-dir", "", "Directory with node.crt, node.key and ca.crt for mutual TLS")
}

func agentOverrides(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		stringFlag(cmd, "node-id", &cfg.Raft.NodeID)
		stringFlag(cmd, "listen-addr", &cfg.Transport.ListenAddr)
		stringFlag(cmd, "fm-addr", &cfg.Transport.FMAddr)
		stringFlag(cmd, "data-dir", &cfg.Store.DataDir)
		stringFlag(cmd, "cert-dir", &cfg.Transport.CertDir)
		stringFlag(cmd, "metrics-addr", &cfg.Metrics.Addr)
		if cfg.Raft.NodeID == "" {
			cfg.Raft.NodeID, _ = os.Hostname()
		}
	}
}

func runAgentStart(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	override := agentOverrides(cmd)
	override(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	initLogging(cfg)

	upgradeDomain, _ := cmd.Flags().GetString("upgrade-domain")
	faultDomain, _ := cmd.Flags().GetString("fault-domain")
	fabricVersion, _ := cmd.Flags().GetString("fabric-version")

	fmt.Println("Starting reconfiguration agent...")
	fmt.Printf("  Node ID: %s\n", cfg.Raft.NodeID)
	fmt.Printf("  Transport Address: %s\n", cfg.Transport.ListenAddr)
	fmt.Printf("  Failover Manager: %s\n", cfg.Transport.FMAddr)
	fmt.Println()

	component := config.NewComponent(cfg)
	metrics.SetCriticalComponents("transport", "agent")

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

	a, err := agent.New(agent.Options{
		NodeID:        cfg.Raft.NodeID,
		UpgradeDomain: upgradeDomain,
		FaultDomain:   faultDomain,
		FabricVersion: types.FabricVersionInstance{Version: fabricVersion},
		DataDir:       cfg.Store.DataDir,
		Transport:     trans,
		FMAddress:     cfg.Transport.FMAddr,
		Config:        component,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %v", err)
	}
	defer a.Close()

	if err := a.Open(context.Background()); err != nil {
		return fmt.Errorf("failed to open agent: %v", err)
	}
	metrics.RegisterComponent("agent", true, a.Node().String())
	fmt.Printf("✓ Node registered as %s\n", a.Node())

	errCh := make(chan error, 1)
	var health *api.HealthServer
	if cfg.Metrics.Enabled {
		health = api.NewHealthServer(a)
		go func() {
			if err := health.Start(cfg.Metrics.Addr); err != nil {
				errCh <- fmt.Errorf("health server error: %v", err)
			}
		}()
	}

	fmt.Println()
	fmt.Println("Agent is running. Press Ctrl+C to stop.")

	err = waitForShutdown(component, path, override, errCh)
	if health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = health.Shutdown(ctx)
		cancel()
	}
	if cerr := a.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to shutdown: %v", cerr)
	}
	if err == nil {
		fmt.Println("✓ Shutdown complete")
	}
	return err
}
