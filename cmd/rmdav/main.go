// Package main is the entry point for the rmdav server.
//
// rmdav exposes a reMarkable tablet's flat, UUID-keyed document store as a
// live hierarchical filesystem over WebDAV. It runs next to the native
// application, watches the store for its changes, and stages its own writes
// so an interruption never corrupts a record.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/rmdav/rmdav/internal/render"
	"github.com/rmdav/rmdav/internal/server"
	"github.com/rmdav/rmdav/internal/store"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "rmdav: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	def := server.DefaultConfig()
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "Path to YAML config file (flags override its values)")
	httpAddr := flag.String("http", def.Addr, "Address to listen on")
	storePath := flag.String("store", def.Store, "Path to the document store directory")
	logLevel := flag.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	cacheBudget := flag.Int64("cache-budget", def.CacheBudget, "Rendered payload cache size in bytes (0 for default)")
	maxPayload := flag.Int64("max-payload", def.MaxPayload, "Largest accepted upload in bytes")
	egressLimit := flag.Int64("egress-limit", def.EgressLimit, "Download bandwidth limit in bytes/sec (0 unlimited)")
	renderCmd := flag.String("render-cmd", def.RenderCmd, "Converter command for notebook downloads (empty disables)")
	quiet := flag.Duration("quiet-window", def.QuietWindow.Std(), "Change coalescing window")
	rescan := flag.Duration("rescan-every", def.RescanEvery.Std(), "Full rescan interval (staleness bound)")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}
	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg := def
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return err
		}
	}
	// Flags given explicitly on the command line win over the config file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["http"] {
		cfg.Addr = *httpAddr
	}
	if set["store"] {
		cfg.Store = *storePath
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["cache-budget"] {
		cfg.CacheBudget = *cacheBudget
	}
	if set["max-payload"] {
		cfg.MaxPayload = *maxPayload
	}
	if set["egress-limit"] {
		cfg.EgressLimit = *egressLimit
	}
	if set["render-cmd"] {
		cfg.RenderCmd = *renderCmd
	}
	if set["quiet-window"] {
		cfg.QuietWindow = server.Duration(*quiet)
	}
	if set["rescan-every"] {
		cfg.RescanEvery = server.Duration(*rescan)
	}

	switch cfg.LogLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", cfg.LogLevel)
	}

	dir, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	var rend render.Renderer = render.Disabled()
	if cfg.RenderCmd != "" {
		rend = render.NewExec(cfg.RenderCmd)
		slog.InfoContext(ctx, "Notebook rendering enabled", "cmd", cfg.RenderCmd)
	}

	buildVersion, _, _, _ := getBuildInfo()
	svc := server.NewService(dir, cfg.CacheBudget, cfg.MaxPayload, cfg.EgressLimit, rend, buildVersion)
	if err := svc.Load(ctx); err != nil {
		return err
	}

	// Watch own executable for modifications (for development restarts).
	if err := watchExecutable(ctx, stop); err != nil {
		return fmt.Errorf("failed to watch executable: %w", err)
	}

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- svc.Watch(ctx, cfg.QuietWindow.Std(), cfg.RescanEvery.Std())
	}()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewRouter(svc),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", cfg.Addr, "store", cfg.Store, "version", buildVersion)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case err := <-watchErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watcher error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("rmdav %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable watches the current executable for modifications and calls
// stop to trigger graceful shutdown when detected. This enables seamless
// restarts during development.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
