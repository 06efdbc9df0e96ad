package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/server"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		engine := throttle.New(a.registry, a.store,
			throttle.WithLogger(a.logger.Named("throttle")),
			throttle.WithMetrics(throttle.NewMetrics(reg)),
			throttle.WithMaxDelay(a.cfg.Throttle.MaxDelay),
		)

		deps := server.Dependencies{
			Engine:       engine,
			Redis:        a.redis,
			Database:     a.db,
			StoreBreaker: a.breaker,
			Gatherer:     reg,
			Logger:       a.logger,
		}
		if a.db != nil {
			// The redis client doubles as the API key cache when present
			var cache service.Cache
			if a.redis != nil {
				cache = a.redis
			}
			deps.APIKeys = service.NewAPIKeyService(repository.NewAPIKeyRepository(a.db), cache, a.logger)
		}

		srv, err := server.New(a.cfg, deps)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Run(":" + a.cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-quit:
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("Server forced to shutdown", zap.Error(err))
			return err
		}

		a.logger.Info("Server exited")
		return nil
	},
}
