// Command oceand is the ambient ops daemon: it never runs adapter code
// beyond what is registered via RegisterClog, it only pokes the substrate.
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
	"strings"
	"sync"
	"syscall"
	"time"

	ocean "github.com/erhathaway/ocean-clog"
	"github.com/erhathaway/ocean-clog/examples/echoclog"
	"github.com/erhathaway/ocean-clog/internal/config"
	"github.com/erhathaway/ocean-clog/internal/cron"
	"github.com/erhathaway/ocean-clog/internal/ohttp"
	"github.com/erhathaway/ocean-clog/internal/olog"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command>

  migrate    apply the schema and exit
  serve      start the HTTP poke surface and background ticker

`, os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, levelVar, closer, err := olog.New(cfg.HomeDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	switch strings.ToLower(args[0]) {
	case "migrate":
		os.Exit(runMigrate(cfg, logger))
	case "serve":
		os.Exit(runServe(cfg, logger, levelVar))
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func openOcean(cfg config.Config, logger *slog.Logger) (*ocean.Ocean, error) {
	o, err := ocean.Open(ocean.Options{
		DBPath:       cfg.DBPath,
		InstanceID:   cfg.InstanceID,
		LockMs:       cfg.LockMs,
		MaxPeerDepth: cfg.MaxPeerDepth,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	o.RegisterClog(echoclog.New())
	return o, nil
}

func runMigrate(cfg config.Config, logger *slog.Logger) int {
	o, err := openOcean(cfg, logger)
	if err != nil {
		logger.Error("migrate failed", "error", err)
		return 1
	}
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.Migrate(ctx); err != nil {
		logger.Error("migrate failed", "error", err)
		return 1
	}
	logger.Info("migrate complete", "db_path", cfg.DBPath)
	return 0
}

func runServe(cfg config.Config, logger *slog.Logger, levelVar *slog.LevelVar) int {
	o, err := openOcean(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer o.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := o.Migrate(migrateCtx); err != nil {
		cancel()
		logger.Error("startup failed", "reason", "migrate", "error", err)
		return 1
	}
	cancel()

	srv := ohttp.New(ohttp.Config{Ocean: o, Logger: logger})
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("startup failed", "reason", "listener_bind", "error", err, "hint", "another process may already be bound to this address")
		} else {
			logger.Error("startup failed", "reason", "listener_bind", "error", err)
		}
		return 1
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("poke surface listening", "addr", cfg.BindAddr)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ticker, err := newTicker(o, logger, cfg)
	if err != nil {
		logger.Error("startup failed", "reason", "poke_schedule", "error", err)
		return 1
	}
	ticker.Start(ctx)
	holder := newTickerHolder(ticker)
	defer holder.current().Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watch failed to start", "error", err)
	} else {
		go watchConfig(ctx, watcher, o, logger, levelVar, holder, cfg)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("poke surface error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return 0
}

func newTicker(o *ocean.Ocean, logger *slog.Logger, cfg config.Config) (*cron.Scheduler, error) {
	return cron.NewScheduler(cron.Config{
		Ocean:    o,
		Logger:   logger,
		Interval: time.Duration(cfg.PokeIntervalMs) * time.Millisecond,
		Expr:     cfg.PokeCronExpr,
	})
}

// tickerHolder lets watchConfig swap in a freshly scheduled ticker after a
// config reload while runServe's shutdown path still stops whichever one is
// current.
type tickerHolder struct {
	mu sync.Mutex
	t  *cron.Scheduler
}

func newTickerHolder(t *cron.Scheduler) *tickerHolder {
	return &tickerHolder{t: t}
}

func (h *tickerHolder) current() *cron.Scheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t
}

func (h *tickerHolder) replace(t *cron.Scheduler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.t = t
}

// watchConfig applies config.yaml reloads without a restart: log level
// always takes effect immediately via levelVar, and the poke ticker is
// swapped for a freshly scheduled one whenever its interval or cron
// expression changed. DBPath, BindAddr, and InstanceID are fixed for the
// life of the process and a reload cannot change them.
func watchConfig(ctx context.Context, watcher *config.Watcher, o *ocean.Ocean, logger *slog.Logger, levelVar *slog.LevelVar, holder *tickerHolder, initial config.Config) {
	prevIntervalMs := initial.PokeIntervalMs
	prevExpr := initial.PokeCronExpr
	for ev := range watcher.Events() {
		if ev.Err != nil {
			continue
		}
		levelVar.Set(olog.ParseLevel(ev.Config.LogLevel))

		if ev.Config.PokeIntervalMs == prevIntervalMs && ev.Config.PokeCronExpr == prevExpr {
			continue
		}
		prevIntervalMs, prevExpr = ev.Config.PokeIntervalMs, ev.Config.PokeCronExpr

		next, err := newTicker(o, logger, ev.Config)
		if err != nil {
			logger.Error("config reload: new poke schedule rejected, keeping previous", "error", err)
			continue
		}
		old := holder.current()
		holder.replace(next)
		next.Start(ctx)
		old.Stop()
		logger.Info("poke schedule reloaded", "interval_ms", ev.Config.PokeIntervalMs, "cron_expr", ev.Config.PokeCronExpr)
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return strings.Contains(err.Error(), "address already in use")
}
