package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cuemby/failover/pkg/types"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the partitions known to the failover manager",
	RunE:  runList,
}

func init() {
	listCmd.Flags().String("fm-addr", "", "Transport address of any failover manager replica")
	listCmd.Flags().String("cert-dir", "", "Directory with the client certificate for mutual TLS")
	listCmd.Flags().String("service", "", "Only list partitions of this service")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := fmConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)
	service, _ := cmd.Flags().GetString("service")

	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.ListFailoverUnits(context.Background(), types.ServiceLocationVersion{})
	if err != nil {
		return err
	}

	units := make([]*types.FailoverUnit, 0, len(reply.FailoverUnits))
	for _, fu := range reply.FailoverUnits {
		if fu.Deleted || (service != "" && fu.ServiceName != service) {
			continue
		}
		units = append(units, fu)
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].ServiceName != units[j].ServiceName {
			return units[i].ServiceName < units[j].ServiceName
		}
		return units[i].ID.String() < units[j].ID.String()
	})

	fmt.Printf("%-36s  %-28s  %-14s  %-8s  %s\n", "ID", "SERVICE", "STATE", "REPLICAS", "PRIMARY")
	for _, fu := range units {
		primary := "-"
		if p := fu.Primary(); p != nil {
			primary = p.Node.NodeID
		}
		fmt.Printf("%-36s  %-28s  %-14s  %d/%-6d  %s\n",
			fu.ID, fu.ServiceName, fu.ReconfigurationState, fu.UpReplicaCount(), fu.TargetReplicaSetSize, primary)
	}
	return nil
}
