package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/arena/config"
	"github.com/alejandrodnm/arena/internal/adapters/agentstore"
	"github.com/alejandrodnm/arena/internal/adapters/execution"
	"github.com/alejandrodnm/arena/internal/adapters/marketdata"
	"github.com/alejandrodnm/arena/internal/adapters/metrics"
	"github.com/alejandrodnm/arena/internal/adapters/risk"
	"github.com/alejandrodnm/arena/internal/adapters/storage"
	"github.com/alejandrodnm/arena/internal/application/broadcast"
	"github.com/alejandrodnm/arena/internal/application/gateway"
	"github.com/alejandrodnm/arena/internal/application/match"
	"github.com/alejandrodnm/arena/internal/application/matching"
	"github.com/alejandrodnm/arena/internal/application/sandbox"
	"github.com/alejandrodnm/arena/internal/application/scheduler"
	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
	"github.com/alejandrodnm/arena/internal/strategy"
)

// app holds every long-lived component built from the config.
type app struct {
	scheduler *scheduler.Scheduler
	gateway   *gateway.Gateway
	metrics   *metrics.Prometheus
	store     *storage.SQLiteStorage
	paper     *execution.Paper
	poller    *execution.HTTPClient
	recorder  *marketdata.Recorder
	record    string
	keepStore bool // set when match workers outlived the drain
}

func build(cfg *config.Config) (*app, error) {
	a := &app{metrics: metrics.NewPrometheus(), record: cfg.Feed.RecordPath}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	a.store = store

	feed, err := buildFeed(cfg.Feed)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.Feed.RecordPath != "" {
		a.recorder = marketdata.NewRecorder(feed)
		feed = a.recorder
	}

	submitter, err := a.buildSubmitter(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	accounts := make([]risk.Account, 0, len(cfg.Accounts))
	for _, ac := range cfg.Accounts {
		accounts = append(accounts, riskAccount(ac))
	}
	riskSvc := risk.NewStatic(accounts...)

	agents := agentstore.NewMemory()
	for _, ac := range cfg.Agents {
		if err := agents.Put(agentHandle(ac)); err != nil {
			store.Close()
			return nil, fmt.Errorf("register agent %s: %w", ac.ID, err)
		}
	}

	builtin := sandbox.NewBuiltinRuntime()
	strategy.Register(builtin)
	process := sandbox.NewProcessRuntime(cfg.Sandbox.ScratchDir)
	process.MemoryLimit = int64(cfg.Sandbox.MemoryLimitMB) << 20
	process.RootDir = cfg.Sandbox.RootDir
	process.RequireIsolation = cfg.Sandbox.RequireIsolation
	box := sandbox.New(sandbox.Config{
		Deadline:          cfg.SandboxDeadline(),
		MaxIntents:        cfg.Sandbox.MaxIntents,
		MaxIntentSize:     decimal.NewFromFloat(cfg.Sandbox.MaxIntentSize),
		VerifyDeterminism: cfg.Sandbox.VerifyDeterminism,
	}, map[domain.RuntimeKind]sandbox.Runtime{
		domain.RuntimeBuiltin: builtin,
		domain.RuntimeProcess: process,
	}, a.metrics)

	a.gateway = gateway.New(gateway.Config{
		Workers:       cfg.Gateway.Workers,
		QueueSize:     cfg.Gateway.QueueSize,
		SubmitRate:    cfg.Gateway.SubmitRate,
		SubmitBurst:   cfg.Gateway.SubmitBurst,
		SubmitTimeout: cfg.SubmitTimeout(),
	}, riskSvc, submitter, store, a.metrics)

	a.scheduler = scheduler.New(scheduler.Config{
		MaxRunning:   cfg.Scheduler.MaxRunning,
		DrainTimeout: cfg.DrainTimeout(),
		Match: match.Config{
			FeedTimeout:        cfg.FeedTimeout(),
			FeedFaultThreshold: cfg.Scheduler.FeedFaultThreshold,
			FeedBackoffBase:    cfg.FeedBackoffBase(),
			FeedBackoffMax:     cfg.FeedBackoffMax(),
			SandboxDeadline:    cfg.SandboxDeadline(),
			FaultRateThreshold: cfg.Scheduler.FaultRateThreshold,
			MinFaultSamples:    cfg.Scheduler.MinFaultSamples,
			HistoryWindow:      cfg.Scheduler.HistoryWindow,
			Concurrency:        cfg.Scheduler.Concurrency,
			Pace:               !cfg.Scheduler.FastForward,
		},
	}, scheduler.Deps{
		Agents:      agents,
		Risk:        riskSvc,
		History:     store,
		Broadcaster: broadcast.New(a.metrics),
		Machine: match.Deps{
			Feed:    feed,
			Sandbox: box,
			Matcher: matching.New(matcherConfig(cfg.Matching)),
			Gateway: a.gateway,
			Sink:    store,
			Metrics: a.metrics,
		},
	})
	a.gateway.OnReconciliation(a.scheduler.PublishReconciliation)

	return a, nil
}

func buildFeed(cfg config.FeedConfig) (ports.MarketDataAdapter, error) {
	switch cfg.Kind {
	case config.FeedBinance:
		b := marketdata.NewBinance(marketdata.BinanceConfig{
			BaseURL:       cfg.BinanceBase,
			VolumeDivisor: cfg.VolumeDivisor,
			Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
		slog.Info("feed: binance", "base", cfg.BinanceBase)
		return b, nil
	case config.FeedReplay:
		r, err := marketdata.LoadReplay(cfg.ReplayPath)
		if err != nil {
			return nil, fmt.Errorf("load replay: %w", err)
		}
		slog.Info("feed: replay", "path", cfg.ReplayPath, "snapshots", r.Remaining())
		return r, nil
	}
	slog.Info("feed: synthetic", "seed", cfg.Seed)
	return marketdata.NewSynthetic(marketdata.SyntheticConfig{
		Seed:       cfg.Seed,
		Volatility: decimal.NewFromFloat(cfg.Volatility),
		FailEvery:  cfg.FailEvery,
	}), nil
}

func (a *app) buildSubmitter(cfg *config.Config) (ports.ExecutionSubmitter, error) {
	if cfg.Gateway.Venue == config.VenueHTTP {
		c, err := execution.NewHTTPClient(execution.HTTPConfig{
			BaseURL:       cfg.Gateway.BaseURL,
			PrivateKeyHex: cfg.Gateway.PrivateKey,
			PollInterval:  cfg.PollInterval(),
			Timeout:       cfg.SubmitTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("execution client: %w", err)
		}
		slog.Info("gateway: http venue", "base", cfg.Gateway.BaseURL, "address", c.Address())
		a.poller = c
		return c, nil
	}
	a.paper = execution.NewPaper(execution.PaperConfig{
		ConfirmDelay: cfg.ConfirmDelay(),
		MaxNotional:  decimal.NewFromFloat(cfg.Gateway.MaxNotional),
	})
	slog.Info("gateway: paper venue", "confirm_delay", cfg.ConfirmDelay())
	return a.paper, nil
}

func (a *app) saveRecording() error {
	if a.recorder == nil {
		return nil
	}
	if err := a.recorder.Save(a.record); err != nil {
		return err
	}
	slog.Info("feed: recording saved", "path", a.record)
	return nil
}

func (a *app) close() {
	if a.paper != nil {
		a.paper.Close()
	}
	if a.keepStore {
		return
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("storage close", "err", err)
	}
}

func matchConfig(mc config.MatchConfig) domain.MatchConfig {
	return domain.MatchConfig{
		Name:            mc.Name,
		Mode:            domain.Mode(mc.Mode),
		Duration:        mc.Duration(),
		TickInterval:    mc.TickInterval(),
		MaxParticipants: mc.MaxParticipants,
		InitialBalance:  decimal.NewFromFloat(mc.InitialBalance),
		Instruments:     mc.Instruments,
	}
}

func agentHandle(ac config.AgentConfig) domain.AgentHandle {
	return domain.AgentHandle{
		ID:        ac.ID,
		Version:   ac.Version,
		AccountID: ac.Account,
		Runtime:   domain.RuntimeKind(ac.Runtime),
		Entry:     ac.Entry,
		Args:      ac.Args,
		Params:    ac.Params,
	}
}

func riskAccount(ac config.AccountConfig) risk.Account {
	return risk.Account{
		ID:    ac.ID,
		Grant: domain.Grant(ac.Grant),
		Limits: domain.RiskLimits{
			MaxPositionSize:    decimal.NewFromFloat(ac.MaxPositionSize),
			MaxDailyLoss:       decimal.NewFromFloat(ac.MaxDailyLoss),
			RiskScore:          decimal.NewFromFloat(ac.RiskScore),
			RiskScoreThreshold: decimal.NewFromFloat(ac.RiskScoreThreshold),
		},
	}
}

// matcherConfig overlays the configured values on the matcher defaults.
func matcherConfig(mc config.MatchingConfig) matching.Config {
	out := matching.DefaultConfig()
	if mc.MaxVolumeFraction > 0 {
		out.MaxVolumeFraction = decimal.NewFromFloat(mc.MaxVolumeFraction)
	}
	if mc.SlippageCoefficient > 0 {
		out.SlippageCoefficient = decimal.NewFromFloat(mc.SlippageCoefficient)
	}
	if mc.MaxSlippage > 0 {
		out.MaxSlippage = decimal.NewFromFloat(mc.MaxSlippage)
	}
	if mc.FeeRate > 0 {
		out.FeeRate = decimal.NewFromFloat(mc.FeeRate)
	}
	return out
}
