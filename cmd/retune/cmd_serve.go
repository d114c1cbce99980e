package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/retune/internal/config"
	httpapi "github.com/sawpanic/retune/internal/interfaces/http"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only query API and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cfg()
			if cmd.Flags().Changed("addr") {
				c.HTTP.Addr = addr
			}
			// the API always exposes /metrics
			c.Metrics.Enabled = true
			return serve(cmd.Context(), c)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, appOptions{withRuntimeMetrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sc := httpapi.DefaultServerConfig()
	sc.Addr = cfg.HTTP.Addr
	sc.ReadTimeout = cfg.HTTP.ReadTimeout
	sc.WriteTimeout = cfg.HTTP.WriteTimeout

	srv := httpapi.NewServer(sc, httpapi.Deps{
		Repo:       a.db.Repository(),
		Versions:   a.versions,
		Supervisor: a.supervisor,
		Metrics:    a.metrics,
		Health:     a.db.Health(),
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", sc.Addr).Msg("Query API listening")
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down query API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
