package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a resource file",
	Long: `Apply failover resources from a YAML file. A file may hold several
documents separated by ---.

Examples:
  # Create the partitions of a service
  failover apply -f service.yaml

Resource kinds:
  Service         spec.partitions, spec.targetReplicaSetSize,
                  spec.minReplicaSetSize, spec.application
  FabricUpgrade   spec.version, spec.instance, spec.upgradeDomains`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("fm-addr", "", "Transport address of any failover manager replica")
	applyCmd.Flags().String("cert-dir", "", "Directory with the client certificate for mutual TLS")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of an apply file
type Resource struct {
	Kind     string           `yaml:"kind"`
	Metadata ResourceMetadata `yaml:"metadata"`
	Spec     yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

type serviceSpec struct {
	Application          string `yaml:"application"`
	Partitions           int    `yaml:"partitions"`
	TargetReplicaSetSize int    `yaml:"targetReplicaSetSize"`
	MinReplicaSetSize    int    `yaml:"minReplicaSetSize"`
}

type fabricUpgradeSpec struct {
	Version        string   `yaml:"version"`
	Instance       int64    `yaml:"instance"`
	UpgradeDomains []string `yaml:"upgradeDomains"`
}

// parseResources decodes every document of data
func parseResources(data []byte) ([]Resource, error) {
	var resources []Resource
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var r Resource
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			return resources, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v", err)
		}
		if r.Kind == "" {
			return nil, fmt.Errorf("document %d has no kind", len(resources)+1)
		}
		resources = append(resources, r)
	}
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	resources, err := parseResources(data)
	if err != nil {
		return err
	}

	cfg, err := fmConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)

	for i := range resources {
		r := &resources[i]
		switch r.Kind {
		case "Service":
			err = applyService(cfg, r)
		case "FabricUpgrade":
			err = applyFabricUpgrade(cfg, r)
		default:
			err = fmt.Errorf("unsupported resource kind: %s", r.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// serviceRequests turns a Service resource into one create request per partition
func serviceRequests(r *Resource) ([]message.CreateFailoverUnitBody, error) {
	spec := serviceSpec{Partitions: 1, TargetReplicaSetSize: 3}
	if err := r.Spec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("invalid service spec: %v", err)
	}
	if r.Metadata.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if spec.MinReplicaSetSize == 0 {
		spec.MinReplicaSetSize = spec.TargetReplicaSetSize/2 + 1
	}
	if spec.Partitions <= 0 {
		return nil, fmt.Errorf("service %s needs at least one partition", r.Metadata.Name)
	}

	requests := make([]message.CreateFailoverUnitBody, spec.Partitions)
	for i := range requests {
		requests[i] = message.CreateFailoverUnitBody{
			ServiceName:          r.Metadata.Name,
			ApplicationID:        spec.Application,
			TargetReplicaSetSize: spec.TargetReplicaSetSize,
			MinReplicaSetSize:    spec.MinReplicaSetSize,
		}
	}
	return requests, nil
}

func applyService(cfg *config.Config, r *Resource) error {
	requests, err := serviceRequests(r)
	if err != nil {
		return err
	}

	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("Creating service: %s\n", r.Metadata.Name)
	for _, body := range requests {
		id, err := c.CreateFailoverUnit(context.Background(), body)
		if err != nil {
			return fmt.Errorf("failed to create partition of %s: %v", body.ServiceName, err)
		}
		fmt.Printf("✓ Partition created: %s (replicas=%d, min=%d)\n",
			id, body.TargetReplicaSetSize, body.MinReplicaSetSize)
	}
	return nil
}

func applyFabricUpgrade(cfg *config.Config, r *Resource) error {
	var spec fabricUpgradeSpec
	if err := r.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("invalid fabric upgrade spec: %v", err)
	}
	if spec.Instance == 0 {
		spec.Instance = time.Now().Unix()
	}
	desc := types.FabricUpgradeDescription{
		TargetVersion:  spec.Version,
		InstanceID:     spec.Instance,
		UpgradeDomains: spec.UpgradeDomains,
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if err := startUpgrade(cfg, desc); err != nil {
		return err
	}
	fmt.Printf("✓ Fabric upgrade to %s started\n", spec.Version)
	return nil
}
