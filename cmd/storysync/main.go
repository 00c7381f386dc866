// storysync runs the story cache engine against a local document store:
// a long-running sync loop plus maintenance commands for the audio cache.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/audiocache"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/autodownload"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/config"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/dailycap"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/identity"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/logger"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/notify"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote/sqlite"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remotecfg"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/rowstore"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/sync"
)

func main() {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd constructs the root CLI command; exposed for unit testing.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "storysync",
		Short:         "Local-first story cache and sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCacheCmd())
	return rootCmd
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logger.New("storysync")
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}
	return cfg, log, nil
}

func newRunCmd() *cobra.Command {
	var userID, timeZone string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync listener and favorites auto-download loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			backend, err := sqlite.New(cfg.DatabasePath, log)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			// Provision the ranked featured-feed index up front so the
			// listener never needs its degraded fallback locally.
			if err := backend.EnsureIndex("stories", "playCount", "createdAt"); err != nil {
				return err
			}

			id := identity.NewStatic()
			id.SetUser(userID)
			id.SetTimeZone(timeZone)

			notifier := notify.Log{Logger: log}
			personal, shared := rowstore.New(), rowstore.New()

			caps, err := dailycap.NewService(backend, newLimitProvider(cfg, log), id, log)
			if err != nil {
				return err
			}
			if st, err := caps.FetchState(ctx, userID); err == nil {
				log.Info().Int("limit", st.Limit).Int64("usedToday", st.CountToday).
					Str("day", st.Day).Msg("daily create allowance")
			}

			listener := sync.NewListener(personal, shared, backend, cfg.FeaturedPageSize, log)
			if err := listener.Start(ctx, userID); err != nil {
				return err
			}
			defer listener.Stop()

			refresher := sync.NewRefresher(personal, shared, backend, notifier, cfg.FeaturedPageSize, log)
			if err := refresher.Refresh(ctx, userID); err != nil {
				log.Warn().Err(err).Msg("initial refresh incomplete, listener will converge")
			}

			cache := audiocache.New(cfg.AudioCacheDir, audiocache.NewHTTPFetcher(), log)
			if err := cache.EnsureDir(); err != nil {
				return err
			}
			worker := autodownload.NewWorker(personal, shared, cache, cfg.AudioCacheMaxMB, log)
			worker.SetEnabled(cfg.AutoDownloadEnabled)
			go worker.Run(ctx)

			log.Info().Str("userId", userID).Str("db", cfg.DatabasePath).Msg("engine running")
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sig:
			case <-ctx.Done():
			}
			log.Info().Msg("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "signed-in user ID")
	cmd.Flags().StringVar(&timeZone, "timezone", "", "IANA timezone preference")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the audio cache",
	}
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCachePruneCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print audio cache file count and total size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			cache := audiocache.New(cfg.AudioCacheDir, audiocache.NewHTTPFetcher(), log)
			stats := cache.GetStats()
			fmt.Printf("files: %d\ntotal: %.2f MB\n", stats.Files, float64(stats.TotalBytes)/(1024*1024))
			return nil
		},
	}
}

func newCachePruneCmd() *cobra.Command {
	var maxMB int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict least-recently-used audio files down to the size budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if maxMB <= 0 {
				maxMB = cfg.AudioCacheMaxMB
			}
			cache := audiocache.New(cfg.AudioCacheDir, audiocache.NewHTTPFetcher(), log)
			if err := cache.ClearOld(maxMB); err != nil {
				return err
			}
			stats := cache.GetStats()
			fmt.Printf("pruned to %.2f MB across %d files\n", float64(stats.TotalBytes)/(1024*1024), stats.Files)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxMB, "max-mb", 0, "size budget in MB (default from config)")
	return cmd
}

func newLimitProvider(cfg *config.Config, log zerolog.Logger) remotecfg.Provider {
	if cfg.RemoteConfigURL == "" {
		return remotecfg.Static(cfg.DailyCreateLimit)
	}
	return remotecfg.NewHTTP(remotecfg.Config{
		URL:           cfg.RemoteConfigURL,
		TTL:           cfg.RemoteConfigTTL,
		FallbackLimit: cfg.DailyCreateLimit,
	}, log)
}
