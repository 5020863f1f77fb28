// filebroker is the chunked object storage broker.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/filebroker/filebroker/internal/broker"
	"github.com/filebroker/filebroker/internal/config"
	"github.com/filebroker/filebroker/internal/hub"
	"github.com/filebroker/filebroker/internal/metrics"
	"github.com/filebroker/filebroker/internal/server"
	"github.com/filebroker/filebroker/internal/store"
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
		Use:   "filebroker",
		Short: "filebroker - chunked object storage with shares and live events",
		Long: `filebroker stores uploads as fixed-size chunks in an embedded
key/value store with per-object expiry. It serves downloads, image
thumbnails, capability share links, per-user usage stats and a websocket
event stream.

QUICK START:

  # Write a default config:
  filebroker init -c broker.yaml

  # Edit auth_secret, then start the broker:
  filebroker serve -c broker.yaml`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "filebroker.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker server",
		RunE:  runServe,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE:  runInit,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("filebroker %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(serveCmd, initCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// nolint:revive // args required by cobra.Command RunE signature
func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.Open(cfg.DataDir, false)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.InitMetrics()

	thumbs := broker.NewThumbnailer(st, cfg.ObjectTTL.Std(),
		cfg.Thumbnail.MaxDimension, cfg.Thumbnail.Quality,
		cfg.Thumbnail.Workers, cfg.Thumbnail.Queue, m)
	defer thumbs.Close()

	stats := broker.NewStatsTracker(st, cfg.StatsTTL.Std())
	repo := broker.NewRepository(st, int(cfg.ChunkSize), int64(cfg.MaxObjectSize),
		cfg.ObjectTTL.Std(), thumbs, stats)
	shares := broker.NewShareManager(st, repo)

	h := hub.New()
	defer h.Shutdown()

	srv := server.NewServer(cfg, st, repo, shares, stats, thumbs, h, m)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("chunk_size", cfg.ChunkSize.String()).
		Msg("file broker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// nolint:revive // args required by cobra.Command RunE signature
func runInit(cmd *cobra.Command, args []string) error {
	setupLogging()

	if _, err := os.Stat(cfgFile); err == nil {
		return fmt.Errorf("config file %s already exists", cfgFile)
	}

	cfg := config.Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cfgFile, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	log.Info().Str("path", cfgFile).Msg("config written; set auth_secret before serving")
	return nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
