package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrisonrobin/flowfocus/pkg/capacity"
	"github.com/harrisonrobin/flowfocus/pkg/config"
	"github.com/harrisonrobin/flowfocus/pkg/google"
	"github.com/harrisonrobin/flowfocus/pkg/model"
	"github.com/harrisonrobin/flowfocus/pkg/planner"
	"github.com/harrisonrobin/flowfocus/pkg/store"
)

var (
	// Used for flags.
	configPath   string
	calendarName string
	userFlag     string
	verbose      bool
	logJSON      bool

	rootCmd = &cobra.Command{
		Use:   "flowfocus",
		Short: "Plan today's work against your calendar.",
		Long: `flowfocus reads busy time from Google Calendar, works out how much of the
working day is left and recommends the next task to work on.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default ~/.config/flowfocus/config.json)")
	rootCmd.PersistentFlags().StringVar(&calendarName, "calendar", "", "Google Calendar name to read busy time from (overrides config)")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "User to act for (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	// Priority: flag > env > config file > default
	if calendarName != "" {
		cfg.Calendar = calendarName
	}
	if userFlag != "" {
		cfg.User = userFlag
	}
	return cfg, nil
}

// app holds everything a command needs once config is loaded.
type app struct {
	cfg     *config.Config
	loc     *time.Location
	store   *store.Store
	planner *planner.Planner
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error opening database %s: %w", cfg.Database, err)
	}

	provider := &lazyCalendar{name: cfg.Calendar, loc: loc}
	p := planner.New(provider, st, st,
		planner.WithSyncStore(st),
		planner.WithLocation(loc),
		planner.WithPolicy(capacity.Policy{FitAware: cfg.FitAwareNext}),
		planner.WithLogger(slog.Default().With("component", "planner")),
	)
	slog.Debug("opened app", "database", cfg.Database, "calendar", cfg.Calendar, "user", cfg.User, "timezone", loc.String())
	return &app{cfg: cfg, loc: loc, store: st, planner: p}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("error closing database", "error", err)
	}
}

// lazyCalendar connects to Google Calendar on first use so commands and the
// server work before `flowfocus auth` has been run.
type lazyCalendar struct {
	mu     sync.Mutex
	name   string
	loc    *time.Location
	client *google.CalendarClient
}

func (l *lazyCalendar) FetchBusy(ctx context.Context, day time.Time, w model.WorkWindow) ([]model.BusyInterval, error) {
	l.mu.Lock()
	c := l.client
	if c == nil {
		var err error
		c, err = google.NewClient(ctx, l.name, l.loc)
		if err != nil {
			l.mu.Unlock()
			if errors.Is(err, model.ErrAuthExpired) || errors.Is(err, model.ErrProviderUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", model.ErrProviderUnavailable, err)
		}
		l.client = c
	}
	l.mu.Unlock()
	return c.FetchBusy(ctx, day, w)
}
