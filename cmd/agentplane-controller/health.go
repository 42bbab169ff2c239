package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	controllerserver "github.com/VerteraIO/agentplane/internal/grpc/controller"
	"github.com/VerteraIO/agentplane/internal/security/pki"
)

type healthOpts struct {
	addr       string
	service    string
	caCert     string
	cert       string
	key        string
	serverName string
	timeout    time.Duration
}

func newHealthCmd() *cobra.Command {
	var o healthOpts
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running controller's gRPC health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds := insecure.NewCredentials()
			if o.caCert != "" || o.cert != "" || o.key != "" {
				tlsCfg, err := pki.ClientTLSConfig(o.caCert, o.cert, o.key, o.serverName)
				if err != nil {
					return fmt.Errorf("client tls: %w", err)
				}
				creds = credentials.NewTLS(tlsCfg)
			}
			conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(creds))
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: o.service})
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", o.service, resp.GetStatus())
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is not serving", o.service)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "localhost:9090", "Controller gRPC address")
	cmd.Flags().StringVar(&o.service, "service", controllerserver.ServiceName, "Health service name")
	cmd.Flags().StringVar(&o.caCert, "ca-cert", "", "CA certificate for mutual TLS")
	cmd.Flags().StringVar(&o.cert, "cert", "", "Client certificate for mutual TLS")
	cmd.Flags().StringVar(&o.key, "key", "", "Client key for mutual TLS")
	cmd.Flags().StringVar(&o.serverName, "server-name", "localhost", "Expected controller certificate name")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 5*time.Second, "Check timeout")
	return cmd
}
