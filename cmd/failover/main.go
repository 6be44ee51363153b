package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/failover/pkg/api"
	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/security"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "failover",
	Short: "Failover - replica placement and reconfiguration for stateful services",
	Long: `Failover runs the failover manager, which tracks every partition of
every service and drives its replicas through reconfiguration, and the
reconfiguration agent that hosts those replicas on each node.

Managers form a raft group; the leader is the primary failover manager.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		api.Version = Version
		metrics.SetVersion(Version)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Failover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(listCmd)
}

// loadConfig reads --config on top of the defaults; without the flag the
// defaults are used
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// transportTLS loads the mutual TLS config of cfg.Transport.CertDir
func transportTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.Transport.CertDir == "" {
		return nil, nil
	}
	return security.TLSConfig(cfg.Transport.CertDir)
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
}

// stringFlag copies a flag into dst when the user set it
func stringFlag(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func boolFlag(cmd *cobra.Command, name string, dst *bool) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetBool(name)
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM or a fatal error. SIGHUP
// reloads the config file and hands it to every subscriber of component;
// flag overrides are reapplied by override.
func waitForShutdown(component *config.Component, path string, override func(*config.Config), errCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				fmt.Println("\nShutting down...")
				return nil
			}
			reload(component, path, override)
		case err := <-errCh:
			return err
		}
	}
}

func reload(component *config.Component, path string, override func(*config.Config)) {
	logger := log.WithComponent("config")
	if path == "" {
		logger.Warn().Msg("SIGHUP received without --config, nothing to reload")
		return
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Config reload failed, keeping the current config")
		return
	}
	if override != nil {
		override(cfg)
	}
	if err := component.Update(cfg); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Reloaded config is invalid, keeping the current config")
		return
	}
	initLogging(cfg)
	logger.Info().Str("path", path).Msg("Config reloaded")
}
