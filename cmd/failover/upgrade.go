package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/types"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Manage fabric upgrades",
}

var upgradeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a rolling fabric upgrade",
	Long: `Start a rolling fabric upgrade.

The failover manager walks the upgrade domains in the given order and moves
to the next one once every node of the current domain reports the target
version. Repeating a request with the same version and instance is a no-op.

Example:
  failover upgrade start --version 2.1.0 --domains ud1,ud2,ud3`,
	RunE: runUpgradeStart,
}

func init() {
	upgradeCmd.AddCommand(upgradeStartCmd)

	upgradeStartCmd.Flags().String("version", "", "Target fabric version (required)")
	upgradeStartCmd.Flags().Int64("instance", 0, "Upgrade instance id (default: current unix time)")
	upgradeStartCmd.Flags().StringSlice("domains", nil, "Upgrade domains in upgrade order (required)")
	upgradeStartCmd.Flags().String("fm-addr", "", "Transport address of any failover manager replica")
	upgradeStartCmd.Flags().String("cert-dir", "", "Directory with the client certificate for mutual TLS")
	_ = upgradeStartCmd.MarkFlagRequired("version")
	_ = upgradeStartCmd.MarkFlagRequired("domains")
}

func runUpgradeStart(cmd *cobra.Command, args []string) error {
	version, _ := cmd.Flags().GetString("version")
	instance, _ := cmd.Flags().GetInt64("instance")
	domains, _ := cmd.Flags().GetStringSlice("domains")
	if instance == 0 {
		instance = time.Now().Unix()
	}

	desc := types.FabricUpgradeDescription{
		TargetVersion:  version,
		InstanceID:     instance,
		UpgradeDomains: domains,
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	cfg, err := fmConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)

	if err := startUpgrade(cfg, desc); err != nil {
		return err
	}
	fmt.Printf("✓ Fabric upgrade to %s started (instance %d, %d domains)\n", version, instance, len(domains))
	return nil
}

func startUpgrade(cfg *config.Config, desc types.FabricUpgradeDescription) error {
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.StartFabricUpgrade(context.Background(), desc); err != nil {
		return fmt.Errorf("failed to start fabric upgrade: %v", err)
	}
	return nil
}
