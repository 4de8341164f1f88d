package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vango-dev/boardsync/internal/config"
	"github.com/vango-dev/boardsync/pkg/middleware"
	"github.com/vango-dev/boardsync/pkg/server"
)

var errMissingUser = errors.New("missing user header")

func serveCmd(configPath *string) *cobra.Command {
	var (
		address  string
		seedPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the WebSocket sync server.

Routes:
  /ws                           board sessions
  /api/boards/{boardID}/presence  members currently on a board
  /healthz                      liveness and storage health
  /metrics                      Prometheus metrics (when enabled)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
			ctx := cmd.Context()

			be, err := openBackend(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer be.Close()

			if seedPath != "" {
				if be.seeder == nil {
					return fmt.Errorf("%w: %s", errSeedUnsupported, be.driver)
				}
				f, err := loadSeed(seedPath)
				if err != nil {
					return err
				}
				if err := f.apply(ctx, be.seeder); err != nil {
					return err
				}
				logger.Info("seeded store", "users", len(f.Users), "boards", len(f.Boards))
			} else if be.driver == config.DriverMemory {
				logger.Warn("memory store has no boards; pass --seed to load some")
			}

			srv, err := server.New(cfg.ServerConfig(), be, serverOptions(cfg, logger)...)
			if err != nil {
				return err
			}
			return srv.Run()
		},
	}

	cmd.Flags().StringVarP(&address, "addr", "a", "", "listen address (overrides server.address)")
	cmd.Flags().StringVar(&seedPath, "seed", "", "seed file applied to the store before serving")

	return cmd
}

func serverOptions(cfg *config.Config, logger *slog.Logger) []server.Option {
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithHTTPMiddleware(middleware.RequestLogger(logger)),
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := middleware.NewMetrics(
			middleware.WithRegistry(reg),
			middleware.WithNamespace(cfg.Metrics.Namespace),
		)
		opts = append(opts,
			server.WithEventMiddleware(metrics.Middleware()),
			server.WithCacheObserver(metrics),
			server.WithConnObserver(metrics),
			server.WithMetricsHandler(metrics.Handler()),
		)
	}

	opts = append(opts, server.WithEventMiddleware(middleware.OpenTelemetry()))

	if cfg.Auth.UserHeader != "" {
		opts = append(opts, server.WithAuthFunc(headerAuth(cfg.Auth.UserHeader)))
	}
	return opts
}

// headerAuth trusts the user id set by an authenticating proxy in header.
func headerAuth(header string) server.AuthFunc {
	return func(r *http.Request) (string, error) {
		id := strings.TrimSpace(r.Header.Get(header))
		if id == "" {
			return "", fmt.Errorf("%w %s", errMissingUser, header)
		}
		return id, nil
	}
}
