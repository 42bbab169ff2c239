package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/VerteraIO/agentplane/internal/config"
	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/controlplane/reconciler"
	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
	"github.com/VerteraIO/agentplane/internal/controlplane/stores"
	controllerserver "github.com/VerteraIO/agentplane/internal/grpc/controller"
	httpserver "github.com/VerteraIO/agentplane/internal/http"
	"github.com/VerteraIO/agentplane/internal/logging"
	"github.com/VerteraIO/agentplane/internal/metrics"
	"github.com/VerteraIO/agentplane/internal/security/lease"
	"github.com/VerteraIO/agentplane/internal/security/pki"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health endpoint and reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

// openStore is replaced in tests.
var openStore = func(ctx context.Context, cfg config.StoreConfig) (stores.Store, func() error, error) {
	switch cfg.Driver {
	case "postgres", "sqlite":
		s, err := stores.Open(ctx, stores.Dialect(cfg.Driver), cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return stores.NewMemoryStore(), func() error { return nil }, nil
	}
}

func serve(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	var leases *lease.Issuer
	if cfg.Lease.Secret != "" {
		var err error
		if leases, err = lease.NewIssuer([]byte(cfg.Lease.Secret), cfg.Lease.TTL); err != nil {
			return err
		}
	}
	var grpcOpts []grpc.ServerOption
	if t := cfg.GRPC.TLS; cfg.GRPC.Enabled && t.Enabled() {
		tlsCfg, err := pki.ServerTLSConfig(t.CACert, t.Cert, t.Key)
		if err != nil {
			return fmt.Errorf("grpc tls: %w", err)
		}
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithError(err).Warn("failed to close store")
		}
	}()

	mgr := dispatch.NewManager()
	publishers := dispatch.Fanout{mgr}
	var rp *dispatch.RedisPublisher
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rp = dispatch.NewRedisPublisher(client, cfg.Redis.Channel, cfg.Redis.Buffer, log)
		publishers = append(publishers, rp)
	}

	// Background loops stop and flush before the store and redis client close.
	var wg sync.WaitGroup
	bg, cancelBG := context.WithCancel(context.Background())
	defer func() {
		cancelBG()
		wg.Wait()
	}()

	if rp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rp.Run(bg)
		}()
		log.WithFields(logrus.Fields{"addr": cfg.Redis.Addr, "channel": rp.Channel()}).Info("mirroring events to redis")
	}

	writer := stores.NewAsyncWriter(store, log)
	engine, err := scheduler.New(cfg.Scheduler,
		scheduler.WithLogger(log),
		scheduler.WithMetrics(metrics.NewPrometheus(prometheus.DefaultRegisterer, "")),
		scheduler.WithPublisher(publishers),
		scheduler.WithSnapshotSink(writer),
	)
	if err != nil {
		return err
	}
	switch snap, err := store.Load(ctx); {
	case err == nil:
		if err := engine.Restore(snap); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
	case errors.Is(err, stores.ErrNotFound):
		log.Info("no stored snapshot, starting empty")
	default:
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		writer.Run(bg)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.LogEvents(bg, log)
	}()

	errCh := make(chan error, 2)
	var health reconciler.HealthSetter
	if cfg.GRPC.Enabled {
		grpcSrv := controllerserver.New(log, grpcOpts...)
		health = grpcSrv
		defer grpcSrv.Stop()
		go func() {
			if err := grpcSrv.Run(cfg.GRPC.Addr); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	rec := reconciler.New(cfg.Reconciler, engine, health, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(bg)
	}()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpserver.NewServer(httpserver.Options{
			Engine:         engine,
			Dispatch:       mgr,
			Leases:         leases,
			Log:            log,
			RequestTimeout: cfg.HTTP.RequestTimeout,
			RateLimit:      cfg.HTTP.RateLimit,
			RateBurst:      cfg.HTTP.RateBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("agentplane-controller listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.WithError(err).Error("server failed")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		log.WithError(serr).Warn("http shutdown incomplete")
	}
	return err
}
