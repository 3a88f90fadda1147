package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Matching  MatchingConfig  `yaml:"matching"`
	Feed      FeedConfig      `yaml:"feed"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Agents    []AgentConfig   `yaml:"agents"`
	Matches   []MatchConfig   `yaml:"matches"`
}

// SchedulerConfig bounds concurrency and tunes every match state machine.
type SchedulerConfig struct {
	MaxRunning            int     `yaml:"max_running"`
	DrainTimeoutSeconds   int     `yaml:"drain_timeout_seconds"`
	FeedTimeoutMillis     int     `yaml:"feed_timeout_millis"`
	FeedFaultThreshold    int     `yaml:"feed_fault_threshold"`
	FeedBackoffBaseMillis int     `yaml:"feed_backoff_base_millis"`
	FeedBackoffMaxMillis  int     `yaml:"feed_backoff_max_millis"`
	FaultRateThreshold    float64 `yaml:"fault_rate_threshold"`
	MinFaultSamples       int     `yaml:"min_fault_samples"`
	HistoryWindow         int     `yaml:"history_window"`
	Concurrency           int     `yaml:"concurrency"` // evaluations in flight per tick
	FastForward           bool    `yaml:"fast_forward"`
}

// SandboxConfig limits agent evaluations.
type SandboxConfig struct {
	DeadlineMillis    int     `yaml:"deadline_millis"`
	MaxIntents        int     `yaml:"max_intents"`
	MaxIntentSize     float64 `yaml:"max_intent_size"` // 0 = unbounded
	VerifyDeterminism bool    `yaml:"verify_determinism"`
	ScratchDir        string  `yaml:"scratch_dir"` // parent of per-evaluation working dirs for process agents
	MemoryLimitMB     int     `yaml:"memory_limit_mb"`
	RootDir           string  `yaml:"root_dir"`          // chroot for process agents (Linux)
	RequireIsolation  bool    `yaml:"require_isolation"` // refuse to run process agents without namespaces
}

// MatchingConfig holds the simulated market microstructure. Zero values take the matcher defaults.
type MatchingConfig struct {
	MaxVolumeFraction   float64 `yaml:"max_volume_fraction"`
	SlippageCoefficient float64 `yaml:"slippage_coefficient"`
	MaxSlippage         float64 `yaml:"max_slippage"`
	FeeRate             float64 `yaml:"fee_rate"`
}

// Feed kinds.
const (
	FeedSynthetic = "synthetic"
	FeedBinance   = "binance"
	FeedReplay    = "replay"
)

// FeedConfig selects and configures the market data source.
type FeedConfig struct {
	Kind           string  `yaml:"kind"` // synthetic | binance | replay
	Seed           uint64  `yaml:"seed"`
	Volatility     float64 `yaml:"volatility"`
	FailEvery      int     `yaml:"fail_every"`
	BinanceBase    string  `yaml:"binance_base"`
	VolumeDivisor  int64   `yaml:"volume_divisor"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	ReplayPath     string  `yaml:"replay_path"`
	RecordPath     string  `yaml:"record_path"` // when set, every fetched snapshot is saved here on exit
}

// Execution venues.
const (
	VenuePaper = "paper"
	VenueHTTP  = "http"
)

// GatewayConfig configures the Execution Power gateway and the venue it submits to.
type GatewayConfig struct {
	Workers              int     `yaml:"workers"`
	QueueSize            int     `yaml:"queue_size"`
	SubmitRate           float64 `yaml:"submit_rate"`
	SubmitBurst          int     `yaml:"submit_burst"`
	SubmitTimeoutSeconds int     `yaml:"submit_timeout_seconds"`

	Venue              string  `yaml:"venue"` // paper | http
	ConfirmDelayMillis int     `yaml:"confirm_delay_millis"`
	MaxNotional        float64 `yaml:"max_notional"`
	BaseURL            string  `yaml:"base_url"`
	PrivateKey         string  `yaml:"-"` // only from ARENA_EXECUTION_KEY
	PollIntervalMillis int     `yaml:"poll_interval_millis"`
}

// BroadcastConfig controls subscriber queues and the console follower.
type BroadcastConfig struct {
	Buffer       int   `yaml:"buffer"`
	ConsoleTable bool  `yaml:"console_table"`
	ConsoleEvery int64 `yaml:"console_every"` // print a full table every N ticks
}

// StorageConfig controls where the audit trail is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// LogConfig controls logging format, level and the optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ServerConfig holds listen addresses. An empty address disables that listener.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// AccountConfig is one account's risk profile and grant.
type AccountConfig struct {
	ID                 string  `yaml:"id"`
	Grant              string  `yaml:"grant"` // active | revoked
	MaxPositionSize    float64 `yaml:"max_position_size"`
	MaxDailyLoss       float64 `yaml:"max_daily_loss"`
	RiskScore          float64 `yaml:"risk_score"`
	RiskScoreThreshold float64 `yaml:"risk_score_threshold"`
}

// AgentConfig registers one agent version.
type AgentConfig struct {
	ID      string            `yaml:"id"`
	Version string            `yaml:"version"`
	Account string            `yaml:"account"`
	Runtime string            `yaml:"runtime"` // builtin | process
	Entry   string            `yaml:"entry"`
	Args    []string          `yaml:"args"`
	Params  map[string]string `yaml:"params"`
}

// MatchConfig is a match created at startup.
type MatchConfig struct {
	Name               string              `yaml:"name"`
	Mode               string              `yaml:"mode"`
	DurationSeconds    int                 `yaml:"duration_seconds"`
	TickIntervalMillis int                 `yaml:"tick_interval_millis"`
	MaxParticipants    int                 `yaml:"max_participants"`
	InitialBalance     float64             `yaml:"initial_balance"`
	Instruments        []string            `yaml:"instruments"`
	Participants       []ParticipantConfig `yaml:"participants"`
	StartDelaySeconds  int                 `yaml:"start_delay_seconds"`
}

// ParticipantConfig joins an agent to a startup match.
type ParticipantConfig struct {
	Agent   string `yaml:"agent"`
	Account string `yaml:"account"` // overrides the agent's account when set
}

// Load reads the YAML file at path and the .env file if present.
// Environment variables override the YAML for the keys they cover.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes, applying env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	return &cfg, nil
}

// DrainTimeout is how long shutdown waits for running matches.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Scheduler.DrainTimeoutSeconds) * time.Second
}

// SandboxDeadline is the per-evaluation deadline.
func (c *Config) SandboxDeadline() time.Duration {
	return time.Duration(c.Sandbox.DeadlineMillis) * time.Millisecond
}

// FeedTimeout bounds one fetch attempt.
func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.Scheduler.FeedTimeoutMillis) * time.Millisecond
}

func (c *Config) FeedBackoffBase() time.Duration {
	return time.Duration(c.Scheduler.FeedBackoffBaseMillis) * time.Millisecond
}

func (c *Config) FeedBackoffMax() time.Duration {
	return time.Duration(c.Scheduler.FeedBackoffMaxMillis) * time.Millisecond
}

func (c *Config) SubmitTimeout() time.Duration {
	return time.Duration(c.Gateway.SubmitTimeoutSeconds) * time.Second
}

func (c *Config) ConfirmDelay() time.Duration {
	return time.Duration(c.Gateway.ConfirmDelayMillis) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Gateway.PollIntervalMillis) * time.Millisecond
}

// Duration of a startup match.
func (m MatchConfig) Duration() time.Duration {
	return time.Duration(m.DurationSeconds) * time.Second
}

// TickInterval of a startup match.
func (m MatchConfig) TickInterval() time.Duration {
	return time.Duration(m.TickIntervalMillis) * time.Millisecond
}

// StartDelay is how long after creation a startup match is started.
func (m MatchConfig) StartDelay() time.Duration {
	return time.Duration(m.StartDelaySeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ARENA_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("ARENA_EXECUTION_KEY"); v != "" {
		cfg.Gateway.PrivateKey = v
	}
	if v := os.Getenv("ARENA_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Scheduler.MaxRunning <= 0 {
		cfg.Scheduler.MaxRunning = 8
	}
	if cfg.Scheduler.DrainTimeoutSeconds <= 0 {
		cfg.Scheduler.DrainTimeoutSeconds = 10
	}
	if cfg.Sandbox.DeadlineMillis <= 0 {
		cfg.Sandbox.DeadlineMillis = 1000
	}
	if cfg.Sandbox.MemoryLimitMB <= 0 {
		cfg.Sandbox.MemoryLimitMB = 512
	}
	if cfg.Feed.Kind == "" {
		cfg.Feed.Kind = FeedSynthetic
	}
	if cfg.Feed.TimeoutSeconds <= 0 {
		cfg.Feed.TimeoutSeconds = 5
	}
	if cfg.Gateway.Venue == "" {
		cfg.Gateway.Venue = VenuePaper
	}
	if cfg.Gateway.SubmitTimeoutSeconds <= 0 {
		cfg.Gateway.SubmitTimeoutSeconds = 10
	}
	if cfg.Gateway.ConfirmDelayMillis <= 0 {
		cfg.Gateway.ConfirmDelayMillis = 200
	}
	if cfg.Gateway.PollIntervalMillis <= 0 {
		cfg.Gateway.PollIntervalMillis = 1000
	}
	if cfg.Broadcast.Buffer <= 0 {
		cfg.Broadcast.Buffer = 64
	}
	if cfg.Broadcast.ConsoleEvery <= 0 {
		cfg.Broadcast.ConsoleEvery = 10
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "arena.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 14
	}
	for i := range cfg.Agents {
		if cfg.Agents[i].Version == "" {
			cfg.Agents[i].Version = "v1"
		}
		if cfg.Agents[i].Runtime == "" {
			cfg.Agents[i].Runtime = "builtin"
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Feed.Kind {
	case FeedSynthetic, FeedBinance:
	case FeedReplay:
		if cfg.Feed.ReplayPath == "" {
			return fmt.Errorf("feed: replay_path required for kind %q", FeedReplay)
		}
	default:
		return fmt.Errorf("feed: unknown kind %q", cfg.Feed.Kind)
	}

	switch cfg.Gateway.Venue {
	case VenuePaper:
	case VenueHTTP:
		if cfg.Gateway.BaseURL == "" {
			return fmt.Errorf("gateway: base_url required for venue %q", VenueHTTP)
		}
		if cfg.Gateway.PrivateKey == "" {
			return fmt.Errorf("gateway: ARENA_EXECUTION_KEY required for venue %q", VenueHTTP)
		}
	default:
		return fmt.Errorf("gateway: unknown venue %q", cfg.Gateway.Venue)
	}

	for _, a := range cfg.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts: entry without id")
		}
		if a.Grant != "" && a.Grant != "active" && a.Grant != "revoked" {
			return fmt.Errorf("accounts: %s: unknown grant %q", a.ID, a.Grant)
		}
	}

	agents := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.ID == "" || a.Entry == "" {
			return fmt.Errorf("agents: id and entry are required")
		}
		if a.Runtime != "builtin" && a.Runtime != "process" {
			return fmt.Errorf("agents: %s: unknown runtime %q", a.ID, a.Runtime)
		}
		agents[a.ID] = true
	}

	for _, m := range cfg.Matches {
		for _, p := range m.Participants {
			if !agents[p.Agent] {
				return fmt.Errorf("matches: %s: unknown agent %q", m.Name, p.Agent)
			}
		}
	}
	return nil
}
