package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/datastore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrowd",
	Short: "Burrow - YANG configuration and state datastore daemon",
	Long: `Burrow is a shared datastore daemon for YANG-modelled configuration
and state: clients connect over the datastore protocol and perform
structured reads, writes, validations, locks, and notifications against
data trees whose schema is defined by the installed YANG modules.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the datastore daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Log.Level = lvl
		}
		if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
			cfg.Log.JSON = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("cannot create data directory: %w", err)
		}

		store, err := datastore.New(datastore.Config{
			DataDir:         cfg.DataDir,
			LockDir:         filepath.Join(cfg.DataDir, "locks"),
			SelfPlugin:      cfg.SelfPlugin,
			LockTimeout:     cfg.LockTimeout,
			CallbackTimeout: cfg.CallbackTimeout,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		admin := server.New(store)
		errCh := make(chan error, 1)
		go func() {
			log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("admin endpoint listening")
			errCh <- admin.Start(cfg.ListenAddr)
		}()

		log.Logger.Info().
			Str("data_dir", cfg.DataDir).
			Uint32("content_id", store.ContentID()).
			Msg("burrowd started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
			return nil
		case err := <-errCh:
			return err
		}
	},
}
