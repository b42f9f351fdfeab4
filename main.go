// Package main provides the entry point for the quietwave CLI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/quietwave/quietwave/internal/audio"
	"github.com/quietwave/quietwave/internal/cache"
	"github.com/quietwave/quietwave/internal/catalog"
	"github.com/quietwave/quietwave/internal/fetch"
	"github.com/quietwave/quietwave/internal/kv"
	"github.com/quietwave/quietwave/internal/player"
	"github.com/quietwave/quietwave/internal/progress"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile   string
	playVolume   float64
	playStream   bool
	listCategory string
	listFilter   string
	warmCount    int

	rootCmd = &cobra.Command{
		Use:   "quietwave",
		Short: "Meditation and sleep sounds on the CLI",
		Long: paragraph(
			fmt.Sprintf("\nPlay meditation and sleep sounds on the CLI, %s.", keyword("offline cache included")),
		),
		SilenceErrors: false,
		SilenceUsage:  true,
	}
)

// envOverrides holds environment variable overrides applied on top of the
// config file.
type envOverrides struct {
	CacheDir  string `env:"QUIETWAVE_CACHE_DIR"`
	KVBackend string `env:"QUIETWAVE_KV_BACKEND"`
	KVPath    string `env:"QUIETWAVE_KV_PATH"`
	Manifest  string `env:"QUIETWAVE_MANIFEST"`
	LogLevel  string `env:"QUIETWAVE_LOG_LEVEL"`
}

func applyEnvOverrides() {
	cfg, err := env.ParseAs[envOverrides]()
	if err != nil {
		log.Warn("Could not parse environment", "err", err)
		return
	}
	if cfg.CacheDir != "" {
		viper.Set("cache.dir", cfg.CacheDir)
	}
	if cfg.KVBackend != "" {
		viper.Set("kv.backend", cfg.KVBackend)
	}
	if cfg.KVPath != "" {
		viper.Set("kv.path", cfg.KVPath)
	}
	if cfg.Manifest != "" {
		viper.Set("catalog.manifest", cfg.Manifest)
	}
	if cfg.LogLevel != "" {
		viper.Set("log.level", cfg.LogLevel)
	}
}

// app is the composition root: every service is constructed exactly once
// here and wired together explicitly.
type app struct {
	kv      kv.Store
	cache   *cache.Store
	catalog *catalog.Provider
	tracker *progress.Tracker
	coord   *player.Coordinator
	logger  *log.Logger
}

func (a *app) Close() {
	if a.coord != nil {
		a.coord.Cleanup()
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("Could not close key-value store", "err", err)
		}
	}
}

func buildApp(ctx context.Context) (*app, error) {
	if lvl, err := log.ParseLevel(viper.GetString("log.level")); err == nil {
		log.SetLevel(lvl)
	}
	logger := log.Default()

	store, err := openKV(logger)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: viper.GetDuration("download.timeout")}
	fetcher := fetch.NewHTTP(client, logger)

	cacheDir := viper.GetString("cache.dir")
	if cacheDir == "" {
		cacheDir, err = defaultCacheDir()
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	audioCache, err := cache.New(cache.Config{
		Dir:      cacheDir,
		Capacity: viper.GetInt64("cache.max_size_mb") * 1024 * 1024,
		KV:       store,
		Fetcher:  fetcher,
		Logger:   logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	audioCache.Initialize(ctx)

	provider, err := openCatalog(ctx, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	tracker := progress.NewTracker(store, nil, logger)

	coord := player.New(player.Config{
		Engine:  audio.NewOtoEngine(nil, logger),
		Cache:   audioCache,
		Tracker: tracker,
		Logger:  logger,
	})

	return &app{
		kv:      store,
		cache:   audioCache,
		catalog: provider,
		tracker: tracker,
		coord:   coord,
		logger:  logger,
	}, nil
}

func openKV(logger *log.Logger) (kv.Store, error) {
	backend := viper.GetString("kv.backend")
	path := viper.GetString("kv.path")

	switch backend {
	case "memory":
		return kv.NewMemory(), nil
	case "file":
		if path == "" {
			p, err := defaultDataPath("kv")
			if err != nil {
				return nil, err
			}
			path = p
		}
		return kv.NewFile(path, logger)
	case "", "sqlite":
		if path == "" {
			p, err := defaultDataPath("quietwave.db")
			if err != nil {
				return nil, err
			}
			path = p
		}
		return kv.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown kv backend %q (want sqlite, file or memory)", backend)
	}
}

func openCatalog(ctx context.Context, logger *log.Logger) (*catalog.Provider, error) {
	manifest := viper.GetString("catalog.manifest")
	if manifest == "" {
		return catalog.NewProvider(nil, logger), nil
	}

	provider, err := catalog.NewFileProvider(manifest, logger)
	if err != nil {
		return nil, err
	}
	if viper.GetBool("catalog.watch") {
		if err := provider.Watch(ctx); err != nil {
			logger.Warn("Could not watch manifest", "err", err)
		}
	}
	return provider, nil
}

func defaultCacheDir() (string, error) {
	scope := gap.NewScope(gap.User, "quietwave")
	dir, err := scope.CacheDir()
	if err != nil {
		return "", fmt.Errorf("could not find cache directory: %w", err)
	}
	return filepath.Join(dir, "audio"), nil
}

func defaultDataPath(name string) (string, error) {
	scope := gap.NewScope(gap.User, "quietwave")
	path, err := scope.DataPath(name)
	if err != nil {
		return "", fmt.Errorf("could not find data directory: %w", err)
	}
	return path, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the audio library",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sources := a.catalog.All()
		if listCategory != "" {
			c := catalog.Category(listCategory)
			if !c.Valid() {
				return fmt.Errorf("unknown category %q", listCategory)
			}
			sources = a.catalog.ByCategory(c)
		}
		if listFilter != "" {
			filtered := a.catalog.Search(listFilter)
			sources = intersect(sources, filtered)
		}

		width := 80
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = w
		}

		for _, s := range sources {
			cached := ""
			if _, ok := a.cache.Lookup(cmd.Context(), s.ID); ok {
				cached = keyword(" ●")
			}
			line := fmt.Sprintf("%s  %s%s", titleStyle.Render(s.Title), subtle(string(s.Category)), cached)
			meta := fmt.Sprintf("    %s · %s · %s", s.ID, fmtSeconds(s.Duration), s.License)
			fmt.Println(truncate(line, width))
			fmt.Println(truncate(subtle(meta), width))
		}
		return nil
	},
}

// intersect keeps the members of base that also appear in keep, preserving
// keep's (relevance) order.
func intersect(base, keep []catalog.Source) []catalog.Source {
	allowed := make(map[string]struct{}, len(base))
	for _, s := range base {
		allowed[s.ID] = struct{}{}
	}
	var out []catalog.Source
	for _, s := range keep {
		if _, ok := allowed[s.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

var playCmd = &cobra.Command{
	Use:   "play <source-id>",
	Short: "Play a track, from cache when possible",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		src, ok := a.catalog.Get(args[0])
		if !ok {
			if matches := a.catalog.Search(args[0]); len(matches) > 0 {
				return fmt.Errorf("no source %q; did you mean %q?", args[0], matches[0].ID)
			}
			return fmt.Errorf("no source %q in the catalog", args[0])
		}

		done := make(chan struct{})
		var once sync.Once
		finish := func() { once.Do(func() { close(done) }) }

		onStatus := func(st audio.Status) {
			if st.DidJustFinish {
				fmt.Println()
				finish()
				return
			}
			fmt.Printf("\r%s  %s", titleStyle.Render(src.Title), fmtStatus(st))
		}
		onError := func(e *player.Error) {
			fmt.Fprintln(os.Stderr, errorStyle.Render(e.Error()))
			finish()
		}

		loaded := false
		if playStream {
			loaded = a.coord.LoadAndStreamTrack(cmd.Context(), src, onStatus, onError)
		} else {
			loaded = a.coord.LoadAndPlayTrack(cmd.Context(), src, onStatus, onError)
		}
		if !loaded {
			return fmt.Errorf("could not play %s", src.ID)
		}
		if playVolume >= 0 {
			a.coord.SetVolume(playVolume)
		}

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		defer signal.Stop(interrupt)

		select {
		case <-done:
		case <-interrupt:
			fmt.Println()
			a.coord.Stop()
		}

		if stats, err := a.tracker.Stats(cmd.Context()); err == nil {
			fmt.Printf("%s total, %s streak\n",
				keyword(fmt.Sprintf("%d min", stats.TotalMinutes)),
				keyword(fmt.Sprintf("%d day", stats.CurrentStreak)))
		}
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the audio cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats := a.cache.Stats()
		fmt.Printf("%s of %s used (%.0f%%), %d file(s)\n",
			keyword(humanize.IBytes(uint64(stats.TotalSize))),
			humanize.IBytes(uint64(stats.Capacity)),
			stats.UsageFraction*100,
			stats.Count)
		for _, e := range stats.Entries {
			fmt.Printf("  %s  %s  %s\n",
				titleStyle.Render(e.SourceID),
				humanize.IBytes(uint64(e.FileSize)),
				subtle(humanize.Time(e.DownloadedAt)))
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached audio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.cache.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Cache cleared.")
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict <source-id>",
	Short: "Remove one source from the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return a.cache.Evict(cmd.Context(), args[0])
	},
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm [source-id...]",
	Short: "Download sources into the cache ahead of time",
	Long: paragraph(fmt.Sprintf(
		"\n%s the cache with the given sources, or with the first few catalog entries when none are named. Failures are logged and skipped.",
		keyword("Warm"))),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var sources []catalog.Source
		if len(args) > 0 {
			for _, id := range args {
				src, ok := a.catalog.Get(id)
				if !ok {
					return fmt.Errorf("no source %q in the catalog", id)
				}
				sources = append(sources, src)
			}
		} else {
			all := a.catalog.All()
			if len(all) > warmCount {
				all = all[:warmCount]
			}
			sources = all
		}

		a.cache.Preload(cmd.Context(), sources)

		stats := a.cache.Stats()
		fmt.Printf("%d file(s) cached, %s used\n", stats.Count, humanize.IBytes(uint64(stats.TotalSize)))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show completed listening sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		history, err := a.tracker.History(cmd.Context())
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Println(subtle("No sessions yet."))
			return nil
		}
		for _, r := range history {
			fmt.Printf("%s  %s  %s\n",
				titleStyle.Render(r.TrackTitle),
				fmtSeconds(r.DurationSeconds),
				subtle(humanize.Time(r.CompletedAt)))
		}
		return nil
	},
}

var streakCmd = &cobra.Command{
	Use:   "streak",
	Short: "Show listening stats and the daily streak",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.tracker.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s listened, %s streak\n",
			keyword(fmt.Sprintf("%d minutes", stats.TotalMinutes)),
			keyword(fmt.Sprintf("%d day", stats.CurrentStreak)))
		if stats.LastSessionDate != nil {
			fmt.Println(subtle("last session " + humanize.Time(*stats.LastSessionDate)))
		}
		return nil
	},
}

var favCmd = &cobra.Command{
	Use:   "fav",
	Short: "Manage favorites",
}

var favListCmd = &cobra.Command{
	Use:   "list",
	Short: "List favorite sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		favorites, err := a.tracker.Favorites(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range favorites {
			if src, ok := a.catalog.Get(id); ok {
				fmt.Printf("%s  %s\n", titleStyle.Render(src.Title), subtle(id))
			} else {
				fmt.Println(subtle(id))
			}
		}
		return nil
	},
}

var favAddCmd = &cobra.Command{
	Use:   "add <source-id>",
	Short: "Add a favorite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if _, ok := a.catalog.Get(args[0]); !ok {
			return fmt.Errorf("no source %q in the catalog", args[0])
		}
		return a.tracker.AddFavorite(cmd.Context(), args[0])
	},
}

var favRemoveCmd = &cobra.Command{
	Use:   "rm <source-id>",
	Short: "Remove a favorite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return a.tracker.RemoveFavorite(cmd.Context(), args[0])
	},
}

// fmtSeconds renders a duration in seconds as m:ss.
func fmtSeconds(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// fmtStatus renders a playback status as "m:ss / m:ss".
func fmtStatus(st audio.Status) string {
	pos := fmtSeconds(int(st.PositionMillis / 1000))
	if st.DurationMillis <= 0 {
		return pos
	}
	state := "▶"
	if !st.IsPlaying {
		state = "⏸"
	}
	return fmt.Sprintf("%s %s / %s", state, pos, fmtSeconds(int(st.DurationMillis/1000)))
}

// truncate cuts s to at most width runes. Styled strings may carry escape
// sequences; truncation is best effort for narrow terminals.
func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width])
}

func buildVersion() string {
	result := "quietwave"
	if Version != "" {
		result += " " + Version
	}
	if CommitSHA != "" {
		result += " (" + CommitSHA + ")"
	}
	return result
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "quietwave")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "quietwave")}, dirs...)
	}

	if c := os.Getenv("QUIETWAVE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("quietwave")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("quietwave")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "quietwave.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	applyEnvOverrides()

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: auto-discovered quietwave.yml)")
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if configFile == "" {
			return nil
		}
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		applyEnvOverrides()
		return nil
	}

	playCmd.Flags().Float64VarP(&playVolume, "volume", "v", -1, "playback volume in [0,1]")
	playCmd.Flags().BoolVar(&playStream, "stream", false, "stream from the remote source, bypassing the cache")
	listCmd.Flags().StringVar(&listCategory, "category", "", "filter by category")
	listCmd.Flags().StringVar(&listFilter, "filter", "", "fuzzy filter by title, artist or tag")
	cacheWarmCmd.Flags().IntVar(&warmCount, "count", 4, "how many catalog entries to warm when none are named")

	viper.SetDefault("cache.max_size_mb", 100)
	viper.SetDefault("kv.backend", "sqlite")
	viper.SetDefault("download.timeout", time.Duration(0))
	viper.SetDefault("log.level", "info")

	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheEvictCmd, cacheWarmCmd)
	favCmd.AddCommand(favListCmd, favAddCmd, favRemoveCmd)
	rootCmd.AddCommand(listCmd, playCmd, cacheCmd, historyCmd, streakCmd, favCmd, configCmd, manCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
