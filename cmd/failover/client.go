package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/failover/pkg/client"
	"github.com/cuemby/failover/pkg/config"
)

// fmConfig loads the config with --fm-addr and --cert-dir applied
func fmConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	stringFlag(cmd, "fm-addr", &cfg.Transport.FMAddr)
	stringFlag(cmd, "cert-dir", &cfg.Transport.CertDir)
	if cfg.Transport.FMAddr == "" {
		return nil, fmt.Errorf("no failover manager address: set --fm-addr or transport.fm_addr")
	}
	return cfg, nil
}

func newClient(cfg *config.Config) (*client.Client, error) {
	tlsConfig, err := transportTLS(cfg)
	if err != nil {
		return nil, err
	}
	c := client.NewClient(cfg.Transport.FMAddr, tlsConfig)
	c.SetTimeout(cfg.Agent.RequestTimeout)
	return c, nil
}
