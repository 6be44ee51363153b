package main

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/cuemby/failover/pkg/security"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the certificates of the transport",
}

var certInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a root certificate authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		ca := security.NewCertAuthority()
		if err := ca.Load(dir); err == nil {
			return fmt.Errorf("a certificate authority already exists in %s", dir)
		}
		if err := ca.Initialize(); err != nil {
			return err
		}
		if err := ca.Save(dir); err != nil {
			return err
		}
		fmt.Printf("✓ Certificate authority written to %s\n", dir)
		return nil
	},
}

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a certificate signed by the certificate authority",
	Long: `Issue a certificate signed by the certificate authority. The output
directory receives node.crt, node.key and ca.crt and can be passed as
--cert-dir to the manager, the agent or the client commands.`,
	RunE: runCertIssue,
}

func init() {
	certCmd.AddCommand(certInitCmd)
	certCmd.AddCommand(certIssueCmd)

	certInitCmd.Flags().String("dir", "./failover-ca", "Directory for ca.crt and ca.key")

	certIssueCmd.Flags().String("ca-dir", "./failover-ca", "Directory of the certificate authority")
	certIssueCmd.Flags().String("node-id", "", "Node or client ID the certificate is issued to")
	certIssueCmd.Flags().String("role", security.RoleAgent, "One of manager, agent or cli")
	certIssueCmd.Flags().StringSlice("dns", nil, "DNS names of the node")
	certIssueCmd.Flags().StringSlice("ip", nil, "IP addresses of the node")
	certIssueCmd.Flags().String("out", "", "Output directory")
	_ = certIssueCmd.MarkFlagRequired("node-id")
	_ = certIssueCmd.MarkFlagRequired("out")
}

func runCertIssue(cmd *cobra.Command, args []string) error {
	caDir, _ := cmd.Flags().GetString("ca-dir")
	nodeID, _ := cmd.Flags().GetString("node-id")
	role, _ := cmd.Flags().GetString("role")
	dnsNames, _ := cmd.Flags().GetStringSlice("dns")
	ipFlags, _ := cmd.Flags().GetStringSlice("ip")
	out, _ := cmd.Flags().GetString("out")

	ips := make([]net.IP, 0, len(ipFlags))
	for _, s := range ipFlags {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP address: %s", s)
		}
		ips = append(ips, ip)
	}

	ca := security.NewCertAuthority()
	if err := ca.Load(caDir); err != nil {
		return err
	}

	var (
		cert *tls.Certificate
		err  error
	)
	switch role {
	case security.RoleManager, security.RoleAgent:
		cert, err = ca.IssueNodeCertificate(nodeID, role, dnsNames, ips)
	case security.RoleCLI:
		cert, err = ca.IssueClientCertificate(nodeID)
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %v", err)
	}
	if err := security.SaveCertToFile(cert, out); err != nil {
		return err
	}
	if err := security.SaveCACertToFile(ca.RootCACert(), out); err != nil {
		return err
	}
	fmt.Printf("✓ Certificate for %s-%s written to %s\n", role, nodeID, out)
	return nil
}
