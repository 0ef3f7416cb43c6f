// Package main provides the askben server binary. It serves the question
// answering, retrieval inspection and evaluation API over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/askben/askben/internal/bus"
	"github.com/askben/askben/internal/config"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "askben-server",
		Short: "askben server - question answering over an article archive",
		Long: `askben-server answers questions from the article archive.

Questions are routed between the distillation and chunk tiers, or answered
reasoning-first with citations verified against the archive. Evaluation runs
judge answer quality and citation accuracy.

Examples:
  askben-server                          # Start with defaults
  askben-server --port 9000              # Custom HTTP port
  askben-server --config askben.yaml     # Load a config file
  askben-server sync-index --force       # Re-embed and push the whole archive
  askben-server replay-events --since 2h # Republish the last two hours of events`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().String("qdrant", "", "Qdrant URL (overrides config)")
	serveFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (the default command)",
		RunE:  runServer,
	}
	serveFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)

	syncCmd := &cobra.Command{
		Use:   "sync-index",
		Short: "Push the archive into the vector index and exit",
		RunE:  runSync,
	}
	syncCmd.Flags().Bool("force", false, "re-push items that are unchanged since the last sync")
	rootCmd.AddCommand(syncCmd)

	replayCmd := &cobra.Command{
		Use:   "replay-events",
		Short: "Republish journaled events onto the configured broker",
		Long: `replay-events reads the event journal (bus.journal_path) and publishes
every event newer than --since onto the configured bus, so consumers of a
broker that was unreachable can catch up. --dry-run prints the events instead.`,
		Args: cobra.NoArgs,
		RunE: runReplay,
	}
	replayCmd.Flags().String("since", "24h", "replay events newer than this duration or RFC3339 time")
	replayCmd.Flags().Bool("dry-run", false, "print the events instead of publishing them")
	rootCmd.AddCommand(replayCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "askben-server %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	})

	return rootCmd
}

func serveFlags(cmd *cobra.Command) {
	cmd.Flags().Int("port", 8080, "HTTP server port")
	cmd.Flags().String("host", "0.0.0.0", "server host")
	cmd.Flags().Bool("no-sync", false, "skip the index sync at startup")
}

// setup loads .env, the config file and flag overrides, and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to read .env: %w", err)
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if qdrantURL, _ := cmd.Flags().GetString("qdrant"); qdrantURL != "" {
		cfg.Qdrant.URL = qdrantURL
		cfg.Index.Type = "qdrant"
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if cfg.IsDevelopment() {
		log.Debug("Effective configuration", "settings", maskedSettings(cfg))
	}
	return cfg, log, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	log.Info("Starting askben server", "version", version, "addr", cfg.Address())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if noSync, _ := cmd.Flags().GetBool("no-sync"); !noSync {
		if _, err := a.syncIndex(ctx, false); err != nil {
			log.WithError(err).Warn("Index sync failed at startup")
		}
	}

	writeTimeout := cfg.Server.WriteTimeout
	if writeTimeout < cfg.Eval.RunTimeout {
		writeTimeout = cfg.Eval.RunTimeout + time.Minute
		log.Info("Raised HTTP write timeout to cover eval runs", "write_timeout", writeTimeout)
	}

	srv := server.New(server.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		Version:          version,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     writeTimeout,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		DefaultLimit:     cfg.Retrieval.DefaultLimit,
		DefaultThreshold: cfg.Retrieval.DefaultThreshold,
		APIKey:           cfg.Security.APIKey,
		RateLimit:        cfg.Security.RateLimit,
		CORSOrigins:      cfg.Security.CORSOrigins,
	}, a.serverDeps(), log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	if err := srv.Stop(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	force, _ := cmd.Flags().GetBool("force")
	res, err := a.syncIndex(ctx, force)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.Bus.JournalPath == "" {
		return errors.New("no event journal configured (set bus.journal_path or ASKBEN_BUS_JOURNAL)")
	}

	raw, _ := cmd.Flags().GetString("since")
	since, err := parseSince(raw, time.Now())
	if err != nil {
		return err
	}

	j, err := bus.OpenJournal(cfg.Bus.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		entries, err := j.Entries(since, 0)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if cfg.Bus.Type != "kafka" {
		return fmt.Errorf("replay needs a broker bus, bus.type is %q", cfg.Bus.Type)
	}
	target := cfg.Bus
	target.JournalPath = "" // replayed events are already in the journal
	b, err := bus.NewBus(target, log)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := j.Replay(ctx, b, since); err != nil {
		return err
	}
	log.Info("Replayed journaled events", "since", since.Format(time.RFC3339), "journal", cfg.Bus.JournalPath)
	return nil
}

// parseSince accepts a duration before now or an RFC3339 timestamp.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since must not be negative: %s", raw)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be a duration or RFC3339 time: %q", raw)
	}
	return t, nil
}
