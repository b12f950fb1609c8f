// castore is a block-level deduplicating object store with an S3-compatible
// multipart upload surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castore/castore/internal/blob"
	"github.com/castore/castore/internal/config"
	"github.com/castore/castore/internal/engine"
	"github.com/castore/castore/internal/meta"
	"github.com/castore/castore/internal/server"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "castore",
		Short: "Castore - deduplicating block object store",
		Long: `Castore stores objects as content-addressed blocks, deduplicating
identical data across objects and serving uploads and downloads over an
S3-compatible multipart API.

QUICK START:

  # Start with defaults (listens on :5000, data under /var/lib/castore):
  castore serve

  # Or point it at a config file:
  castore serve --config /etc/castore/config.yaml`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("castore %s (commit %s, built %s, %s)\n",
				Version, Commit, BuildTime, runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe() error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	level := logLevel
	if cfg.LogLevel != "" && logLevel == "info" {
		level = cfg.LogLevel
	}
	setupLogging(level)

	if err := os.MkdirAll(cfg.BlocksDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := meta.Open(ctx, cfg.MetaPath())
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer db.Close()

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	var blobs *blob.Store
	if masterKey != nil {
		blobs, err = blob.NewEncrypted(cfg.BlocksDir(), *masterKey)
		log.Info().Msg("block encryption enabled")
	} else {
		blobs, err = blob.New(cfg.BlocksDir())
	}
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}

	eng := engine.New(db, blobs, cfg.LockLeaseDuration())

	sweeper := engine.NewSweeper(eng, cfg.SweepIntervalDuration())
	go sweeper.Run(ctx)

	metrics := server.InitMetrics(nil)
	apiSrv := server.NewServer(eng, metrics)
	apiSrv.MaxPartSize = cfg.MaxPartSize.Bytes()
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsListen).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Listen).
			Str("data_dir", cfg.DataDir).
			Msg("castore listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}
