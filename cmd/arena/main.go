package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alejandrodnm/arena/config"
	"github.com/alejandrodnm/arena/internal/adapters/notify"
	"github.com/alejandrodnm/arena/internal/adapters/transport"
	"github.com/alejandrodnm/arena/internal/application/scheduler"
	"github.com/alejandrodnm/arena/internal/domain"
)

const (
	startRetryWait    = time.Second
	maxStartRetryWait = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "exit when every configured match is terminal")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full leaderboard tables instead of one line per tick")
	fast := flag.Bool("fast", false, "fast-forward ticks instead of waiting the tick interval")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *table {
		cfg.Broadcast.ConsoleTable = true
	}
	if *fast {
		cfg.Scheduler.FastForward = true
	}
	closeLog := setupLogger(cfg.Log)
	defer closeLog()

	slog.Info("arena starting",
		"config", *configPath,
		"feed", cfg.Feed.Kind,
		"venue", cfg.Gateway.Venue,
		"max_running", cfg.Scheduler.MaxRunning,
		"matches", len(cfg.Matches),
		"once", *once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *once); err != nil {
		slog.Error("arena exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("arena stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config, once bool) error {
	app, err := build(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	var bg conc.WaitGroup
	bgCtx, stopBG := context.WithCancel(context.Background())
	bg.Go(func() { app.gateway.Run(bgCtx) })
	if app.poller != nil {
		bg.Go(func() { app.poller.Run(bgCtx) })
	}

	var servers []*http.Server
	if cfg.Server.ListenAddr != "" {
		api := transport.NewServer(app.scheduler, cfg.Broadcast.Buffer)
		servers = append(servers, serve("api", cfg.Server.ListenAddr, api.Routes()))
	}
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.metrics.Handler())
		servers = append(servers, serve("metrics", cfg.Server.MetricsAddr, mux))
	}

	console := notify.NewConsole(cfg.Broadcast.ConsoleTable, cfg.Broadcast.ConsoleEvery)
	ids, err := launch(ctx, app.scheduler, cfg.Matches, func(id string) {
		sub, err := app.scheduler.Subscribe(id, cfg.Broadcast.Buffer)
		if err != nil {
			slog.Warn("console: cannot follow match", "match_id", id, "err", err)
			return
		}
		bg.Go(func() {
			defer app.scheduler.Unsubscribe(sub)
			console.Follow(bgCtx, sub.C())
		})
	})
	if err != nil {
		stopBG()
		bg.Wait()
		return err
	}

	if once {
		waitAll(ctx, app.scheduler, ids)
	} else {
		<-ctx.Done()
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout()+5*time.Second)
	defer cancelDrain()
	if err := app.scheduler.Shutdown(drainCtx); err != nil {
		slog.Warn("scheduler shutdown incomplete", "err", err)
		if errors.Is(err, scheduler.ErrDrainIncomplete) {
			// Stuck workers may still write; the process exit releases the database instead.
			app.keepStore = true
		}
	}
	for _, srv := range servers {
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Warn("server shutdown", "addr", srv.Addr, "err", err)
		}
	}
	app.gateway.Close()
	stopBG()
	bg.Wait()

	if err := app.saveRecording(); err != nil {
		slog.Warn("feed recording not saved", "err", err)
	}
	return nil
}

// launch creates, joins and starts the configured matches. follow is called for each match
// before it starts so the console sees its first tick.
func launch(ctx context.Context, sched *scheduler.Scheduler, matches []config.MatchConfig, follow func(id string)) ([]string, error) {
	ids := make([]string, 0, len(matches))
	for _, mc := range matches {
		m, err := sched.Create(ctx, matchConfig(mc))
		if err != nil {
			return ids, err
		}
		for _, p := range mc.Participants {
			part, err := sched.Join(ctx, m.ID, scheduler.ParticipantSpec{AgentID: p.Agent, AccountID: p.Account})
			if err != nil {
				slog.Warn("join rejected", "match_id", m.ID, "agent", p.Agent, "err", err)
				continue
			}
			slog.Info("participant joined", "match_id", m.ID, "participant_id", part.ID, "agent", p.Agent)
		}
		follow(m.ID)
		ids = append(ids, m.ID)

		id, delay := m.ID, mc.StartDelay()
		go func() {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			start(ctx, sched, id)
		}()
	}
	return ids, nil
}

// start retries while the scheduler is at capacity and cancels the match on any other failure,
// so every configured match ends terminal.
func start(ctx context.Context, sched *scheduler.Scheduler, id string) {
	for wait := startRetryWait; ; wait = min(2*wait, maxStartRetryWait) {
		err := sched.Start(ctx, id)
		if err == nil || errors.Is(err, domain.ErrAlreadyStarted) {
			return
		}
		if !domain.IsRetriable(err) {
			slog.Error("match not started", "match_id", id, "err", err)
			break
		}
		slog.Info("match waiting for a slot", "match_id", id, "retry_in", wait)
		if !sleep(ctx, wait) {
			break
		}
	}
	if err := sched.Cancel(context.Background(), id, domain.ReasonCancelled); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		slog.Warn("cancel after failed start", "match_id", id, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func waitAll(ctx context.Context, sched *scheduler.Scheduler, ids []string) {
	for _, id := range ids {
		done, err := sched.Done(id)
		if err != nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func serve(name, addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("http: listening", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http: server failed", "server", name, "addr", addr, "err", err)
		}
	}()
	return srv
}

func setupLogger(cfg config.LogConfig) func() {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closer := func() {}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = func() { _ = file.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer
}
