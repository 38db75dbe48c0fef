package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"promohunter/internal/app"
	"promohunter/internal/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [--config <path>]",
	Short: "Runs one crawl over the configured seed directory.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		appLogger := logger.NewDefault(cfg.App.LogLevel)
		ctx := cmd.Context()

		if cfg.App.MetricsAddr != "" {
			srv := startMetricsServer(cfg.App.MetricsAddr, appLogger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
				}
			}()
		}

		_, err = app.Run(ctx, cfg, appLogger)
		if errors.Is(err, context.Canceled) {
			appLogger.Info("crawl interrupted, partial output kept")
			return nil
		}
		if err != nil {
			appLogger.Error("crawl failed", slog.String("error", err.Error()))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(crawlCmd)
}

func startMetricsServer(addr string, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: promhttp.Handler(),
	}
	go func() {
		log.Info("metrics server started", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()
	return srv
}
