package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/VerteraIO/agentplane/internal/security/pki"
)

func newCertsCmd() *cobra.Command {
	var (
		dir      string
		hosts    []string
		clients  []string
		validity time.Duration
	)
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a development CA and gRPC mTLS certificates",
		Long: `certs writes ca.pem, a controller server certificate and one client
certificate per --client name into --dir, then prints the grpc.tls
configuration that enables mutual TLS with them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			ca, err := pki.NewAuthority("agentplane development CA", validity, now)
			if err != nil {
				return fmt.Errorf("failed to create CA: %w", err)
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			caPath := filepath.Join(dir, "ca.pem")
			if err := os.WriteFile(caPath, ca.CertPEM(), 0o644); err != nil {
				return err
			}

			srv, err := ca.Issue("agentplane-controller", true, hosts, validity, now)
			if err != nil {
				return fmt.Errorf("failed to issue controller certificate: %w", err)
			}
			certPath, keyPath, err := pki.WriteFiles(dir, "controller", srv)
			if err != nil {
				return err
			}
			for _, name := range clients {
				b, err := ca.Issue(name, false, nil, validity, now)
				if err != nil {
					return fmt.Errorf("failed to issue client certificate %s: %w", name, err)
				}
				if _, _, err := pki.WriteFiles(dir, name, b); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "grpc:\n  tls:\n    ca_cert: %s\n    cert: %s\n    key: %s\n", caPath, certPath, keyPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "certs", "Output directory")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS names or IPs of the controller")
	cmd.Flags().StringSliceVar(&clients, "client", []string{"health"}, "Client certificate names")
	cmd.Flags().DurationVar(&validity, "validity", 30*24*time.Hour, "Certificate validity")
	return cmd
}
