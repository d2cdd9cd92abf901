package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Fundarb     AppConfig         `yaml:"fundarb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Ops         OpsConfig         `yaml:"ops"`
	Venues      []VenueConfig     `yaml:"venues"`
	Gate        GateConfig        `yaml:"gate"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Rollback    RollbackConfig    `yaml:"rollback"`
	GhostFill   GhostFillConfig   `yaml:"ghost_fill"`
	Accounting  AccountingConfig  `yaml:"accounting"`
	Exit        ExitConfig        `yaml:"exit"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Paper       PaperConfig       `yaml:"paper"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	DryRun  bool   `yaml:"dry_run"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Region        string        `yaml:"region"`
	Namespace     string        `yaml:"namespace"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type OpsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	LogBuffer  int    `yaml:"log_buffer"`
	// AllowOrigins enables CORS for the listed browser origins.
	AllowOrigins   []string      `yaml:"allow_origins"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// Venue roles.
const (
	RoleMaker = "maker"
	RoleHedge = "hedge"
)

type VenueConfig struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
	// FundingSign maps the venue's reported funding field to "received is
	// positive": +1 keeps the sign, -1 inverts it. It has no default.
	FundingSign     int                        `yaml:"funding_sign"`
	Capabilities    CapabilitiesConfig         `yaml:"capabilities"`
	RateLimits      map[string]RateLimitConfig `yaml:"rate_limits"`
	Stream          StreamConfig               `yaml:"stream"`
	IlliquidSymbols []string                   `yaml:"illiquid_symbols"`
}

type CapabilitiesConfig struct {
	PostOnly     bool `yaml:"post_only"`
	ReduceOnly   bool `yaml:"reduce_only"`
	FillHistory  bool `yaml:"fill_history"`
	MarkPrice    bool `yaml:"mark_price"`
	BatchFunding bool `yaml:"batch_funding"`
	CancelAll    bool `yaml:"cancel_all"`
}

type StreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
	MaxInFlight       int64   `yaml:"max_in_flight"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type GateConfig struct {
	DefaultLimit RateLimitConfig `yaml:"default_limit"`
	DedupTTL     time.Duration   `yaml:"dedup_ttl"`
	PenaltyBase  time.Duration   `yaml:"penalty_base"`
	PenaltyCap   time.Duration   `yaml:"penalty_cap"`
	Retry        RetryConfig     `yaml:"retry"`
}

// RegimeProfile tunes the maker leg for one volatility regime.
type RegimeProfile struct {
	MakerTimeout  time.Duration   `yaml:"maker_timeout"`
	MaxSpreadBps  decimal.Decimal `yaml:"max_spread_bps"`
	HedgeSlippage decimal.Decimal `yaml:"hedge_slippage"`
}

type RegimeProfiles struct {
	Low     RegimeProfile `yaml:"low"`
	Normal  RegimeProfile `yaml:"normal"`
	High    RegimeProfile `yaml:"high"`
	HardCap RegimeProfile `yaml:"hard_cap"`
}

type ExecutionConfig struct {
	Regimes            RegimeProfiles `yaml:"regimes"`
	HedgeTimeout       time.Duration  `yaml:"hedge_timeout"`
	HedgeAttempts      int            `yaml:"hedge_attempts"`
	UnhedgedWindowMax  time.Duration  `yaml:"unhedged_window_max"`
	StatusPollInterval time.Duration  `yaml:"status_poll_interval"`
	PriceFreshness     time.Duration  `yaml:"price_freshness"`
	MaxSourceSkew      time.Duration  `yaml:"max_source_skew"`
	LockTimeout        time.Duration  `yaml:"lock_timeout"`
}

type RollbackConfig struct {
	NormalLadder      []decimal.Decimal `yaml:"normal_ladder"`
	ShutdownLadder    []decimal.Decimal `yaml:"shutdown_ladder"`
	AttemptTimeout    time.Duration     `yaml:"attempt_timeout"`
	QueueSize         int               `yaml:"queue_size"`
	Workers           int               `yaml:"workers"`
	IlliquidSpreadBps decimal.Decimal   `yaml:"illiquid_spread_bps"`
}

type GhostFillConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AccountingConfig struct {
	CycleInterval        time.Duration   `yaml:"cycle_interval"`
	FundingLookback      time.Duration   `yaml:"funding_lookback"`
	ReadbackToleranceBps decimal.Decimal `yaml:"readback_tolerance_bps"`
	ReadbackToleranceUSD decimal.Decimal `yaml:"readback_tolerance_usd"`
	TakerFeeRate         decimal.Decimal `yaml:"taker_fee_rate"`
}

type ExitConfig struct {
	MinHold               time.Duration   `yaml:"min_hold"`
	MinFundingUSD         decimal.Decimal `yaml:"min_funding_usd"`
	MinFundingWaiver      time.Duration   `yaml:"min_funding_waiver"`
	MaxHold               time.Duration   `yaml:"max_hold"`
	LiquidationMinDist    decimal.Decimal `yaml:"liquidation_min_distance"`
	DeltaBoundMax         decimal.Decimal `yaml:"delta_bound_max"`
	CatastrophicAPY       decimal.Decimal `yaml:"catastrophic_apy"`
	FundingFlipSustain    time.Duration   `yaml:"funding_flip_sustain"`
	NetEVHorizonHours     int             `yaml:"net_ev_horizon_hours"`
	NetEVExitCostMultiple decimal.Decimal `yaml:"net_ev_exit_cost_multiple"`
	YieldCostMaxHours     int             `yaml:"yield_cost_max_hours"`
	OpportunityAPYDelta   decimal.Decimal `yaml:"opportunity_apy_delta"`
	TakeProfitUSD         decimal.Decimal `yaml:"take_profit_usd"`
	VelocityLookback      int             `yaml:"velocity_lookback"`
	VelocityThreshold     decimal.Decimal `yaml:"velocity_threshold"`
	AccelerationThreshold decimal.Decimal `yaml:"acceleration_threshold"`
	ZScoreMinSamples      int             `yaml:"z_score_min_samples"`
	ZScoreThreshold       decimal.Decimal `yaml:"z_score_threshold"`
	ZScoreEmergency       decimal.Decimal `yaml:"z_score_emergency"`
	FarmMode              bool            `yaml:"farm_mode"`
	FarmDuration          time.Duration   `yaml:"farm_duration"`
}

type SupervisorConfig struct {
	TickInterval             time.Duration `yaml:"tick_interval"`
	MaxConcurrentEvaluations int           `yaml:"max_concurrent_evaluations"`
	MaxConcurrentRefresh     int           `yaml:"max_concurrent_refresh"`
	HistorySamples           int           `yaml:"history_samples"`
}

type PersistenceConfig struct {
	Dir           string        `yaml:"dir"`
	QueueSize     int           `yaml:"queue_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	FlushWindow   time.Duration `yaml:"flush_window"`
	FundingLog    string        `yaml:"funding_log"`
	Kafka         KafkaConfig   `yaml:"kafka"`
	Archive       ArchiveConfig `yaml:"archive"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Compression     string `yaml:"compression"`
}

// PaperConfig seeds the in-memory venues used in dry-run mode.
type PaperConfig struct {
	Markets []PaperMarket `yaml:"markets"`
}

type PaperMarket struct {
	Venue         string          `yaml:"venue"`
	Symbol        string          `yaml:"symbol"`
	Bid           decimal.Decimal `yaml:"bid"`
	Ask           decimal.Decimal `yaml:"ask"`
	FundingHourly decimal.Decimal `yaml:"funding_hourly"`
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Fundarb: AppConfig{Name: "fundarb", Version: "dev", DryRun: true},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
		Ops:     OpsConfig{ListenAddr: "127.0.0.1:8089", LogBuffer: 200, SampleInterval: 5 * time.Second},
		Metrics: MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "FundArb", FlushInterval: time.Minute}},
		Gate: GateConfig{
			DefaultLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5, MaxInFlight: 4},
			DedupTTL:     5 * time.Second,
			PenaltyBase:  60 * time.Second,
			PenaltyCap:   600 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         200 * time.Millisecond,
				MaxDelay:          2 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Execution: ExecutionConfig{
			Regimes: RegimeProfiles{
				Low:     RegimeProfile{MakerTimeout: 20 * time.Second, MaxSpreadBps: pct("5"), HedgeSlippage: pct("0.001")},
				Normal:  RegimeProfile{MakerTimeout: 30 * time.Second, MaxSpreadBps: pct("10"), HedgeSlippage: pct("0.002")},
				High:    RegimeProfile{MakerTimeout: 45 * time.Second, MaxSpreadBps: pct("20"), HedgeSlippage: pct("0.004")},
				HardCap: RegimeProfile{MakerTimeout: 60 * time.Second, MaxSpreadBps: pct("40"), HedgeSlippage: pct("0.008")},
			},
			HedgeTimeout:       5 * time.Second,
			HedgeAttempts:      2,
			UnhedgedWindowMax:  20 * time.Second,
			StatusPollInterval: 250 * time.Millisecond,
			PriceFreshness:     5 * time.Second,
			MaxSourceSkew:      2 * time.Second,
			LockTimeout:        10 * time.Second,
		},
		Rollback: RollbackConfig{
			NormalLadder:      []decimal.Decimal{pct("0.002"), pct("0.005"), pct("0.01"), pct("0.02"), pct("0.03")},
			ShutdownLadder:    []decimal.Decimal{pct("0.02"), pct("0.05"), pct("0.08"), pct("0.10"), pct("0.15")},
			AttemptTimeout:    3 * time.Second,
			QueueSize:         64,
			Workers:           4,
			IlliquidSpreadBps: pct("50"),
		},
		GhostFill: GhostFillConfig{PollInterval: 500 * time.Millisecond, Timeout: 5 * time.Second},
		Accounting: AccountingConfig{
			CycleInterval:        5 * time.Minute,
			FundingLookback:      24 * time.Hour,
			ReadbackToleranceBps: pct("3"),
			ReadbackToleranceUSD: pct("0.30"),
			TakerFeeRate:         pct("0.0005"),
		},
		Exit: ExitConfig{
			MinHold:               120 * time.Minute,
			MinFundingUSD:         pct("0.50"),
			MinFundingWaiver:      24 * time.Hour,
			MaxHold:               240 * time.Hour,
			LiquidationMinDist:    pct("0.10"),
			DeltaBoundMax:         pct("0.03"),
			CatastrophicAPY:       pct("-2.00"),
			FundingFlipSustain:    2 * time.Hour,
			NetEVHorizonHours:     12,
			NetEVExitCostMultiple: pct("1.4"),
			YieldCostMaxHours:     24,
			OpportunityAPYDelta:   pct("0.50"),
			TakeProfitUSD:         pct("5"),
			VelocityLookback:      6,
			VelocityThreshold:     pct("-0.0015"),
			AccelerationThreshold: pct("-0.0008"),
			ZScoreMinSamples:      6,
			ZScoreThreshold:       pct("-2"),
			ZScoreEmergency:       pct("-3"),
			FarmDuration:          8 * time.Hour,
		},
		Supervisor: SupervisorConfig{
			TickInterval:             15 * time.Second,
			MaxConcurrentEvaluations: 4,
			MaxConcurrentRefresh:     4,
			HistorySamples:           48,
		},
		Persistence: PersistenceConfig{
			Dir:           "data/trades",
			QueueSize:     256,
			BatchInterval: 250 * time.Millisecond,
			FlushWindow:   10 * time.Second,
			FundingLog:    "data/funding.jsonl",
			Kafka:         KafkaConfig{Topic: "fundarb.events", Buffer: 1024},
			Archive:       ArchiveConfig{Prefix: "trades", Compression: "snappy"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config, AppEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if config.Persistence.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Persistence.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Persistence.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Persistence.Archive.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("ARCHIVE_BUCKET"); v != "" {
			config.Persistence.Archive.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		config.Persistence.Kafka.Brokers = brokers
	}
	if v := os.Getenv("PERSISTENCE_DIR"); v != "" {
		config.Persistence.Dir = strings.TrimSpace(v)
	}
	config.Persistence.Archive.Bucket = strings.TrimSpace(config.Persistence.Archive.Bucket)
}

// Venue returns the venue configured for role.
func (c *Config) Venue(role string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if strings.EqualFold(v.Role, role) {
			return v, true
		}
	}
	return VenueConfig{}, false
}

func validateConfig(cfg *Config, env Environment) error {
	if cfg.Fundarb.Name == "" {
		return fmt.Errorf("fundarb.name is required")
	}
	if cfg.Fundarb.Version == "" {
		return fmt.Errorf("fundarb.version is required")
	}

	if len(cfg.Venues) != 2 {
		return fmt.Errorf("venues must list exactly 2 venues, got %d", len(cfg.Venues))
	}
	roles := map[string]bool{}
	for i, v := range cfg.Venues {
		if v.Name == "" {
			return fmt.Errorf("venues[%d].name is required", i)
		}
		role := strings.ToLower(v.Role)
		if role != RoleMaker && role != RoleHedge {
			return fmt.Errorf("venues[%d].role must be %q or %q", i, RoleMaker, RoleHedge)
		}
		if roles[role] {
			return fmt.Errorf("venues[%d].role %q assigned twice", i, role)
		}
		roles[role] = true
		if v.FundingSign != 1 && v.FundingSign != -1 {
			return fmt.Errorf("venues[%d].funding_sign must be 1 or -1", i)
		}
		for class, rl := range v.RateLimits {
			if rl.RequestsPerSecond <= 0 {
				return fmt.Errorf("venues[%d].rate_limits.%s.requests_per_second must be greater than 0", i, class)
			}
		}
		if v.Stream.Enabled && v.Stream.URL == "" {
			return fmt.Errorf("venues[%d].stream.url is required when stream is enabled", i)
		}
	}

	if cfg.Gate.DefaultLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("gate.default_limit.requests_per_second must be greater than 0")
	}
	if cfg.Gate.PenaltyBase <= 0 || cfg.Gate.PenaltyCap < cfg.Gate.PenaltyBase {
		return fmt.Errorf("gate.penalty_cap must be at least gate.penalty_base and both greater than 0")
	}
	if cfg.Gate.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("gate.retry.max_attempts must be greater than 0")
	}

	for name, p := range map[string]RegimeProfile{
		"low": cfg.Execution.Regimes.Low, "normal": cfg.Execution.Regimes.Normal,
		"high": cfg.Execution.Regimes.High, "hard_cap": cfg.Execution.Regimes.HardCap,
	} {
		if p.MakerTimeout <= 0 {
			return fmt.Errorf("execution.regimes.%s.maker_timeout must be greater than 0", name)
		}
	}
	if cfg.Execution.HedgeAttempts <= 0 {
		return fmt.Errorf("execution.hedge_attempts must be greater than 0")
	}
	if cfg.Execution.UnhedgedWindowMax <= 0 {
		return fmt.Errorf("execution.unhedged_window_max must be greater than 0")
	}
	if cfg.Execution.HedgeTimeout <= 0 || cfg.Execution.HedgeTimeout > cfg.Execution.UnhedgedWindowMax {
		return fmt.Errorf("execution.hedge_timeout must be greater than 0 and within execution.unhedged_window_max")
	}
	if cfg.Execution.StatusPollInterval <= 0 {
		return fmt.Errorf("execution.status_poll_interval must be greater than 0")
	}

	if err := validateLadder("rollback.normal_ladder", cfg.Rollback.NormalLadder); err != nil {
		return err
	}
	if err := validateLadder("rollback.shutdown_ladder", cfg.Rollback.ShutdownLadder); err != nil {
		return err
	}
	if cfg.Rollback.AttemptTimeout <= 0 {
		return fmt.Errorf("rollback.attempt_timeout must be greater than 0")
	}

	if cfg.GhostFill.PollInterval <= 0 || cfg.GhostFill.Timeout <= 0 {
		return fmt.Errorf("ghost_fill.poll_interval and ghost_fill.timeout must be greater than 0")
	}
	if cfg.GhostFill.Timeout >= cfg.Execution.UnhedgedWindowMax {
		return fmt.Errorf("ghost_fill.timeout must be shorter than execution.unhedged_window_max")
	}

	if cfg.Accounting.CycleInterval <= 0 {
		return fmt.Errorf("accounting.cycle_interval must be greater than 0")
	}
	if !cfg.Accounting.ReadbackToleranceBps.IsPositive() || !cfg.Accounting.ReadbackToleranceUSD.IsPositive() {
		return fmt.Errorf("accounting readback tolerances must be greater than 0")
	}

	if cfg.Supervisor.TickInterval <= 0 {
		return fmt.Errorf("supervisor.tick_interval must be greater than 0")
	}
	if cfg.Supervisor.MaxConcurrentEvaluations <= 0 {
		return fmt.Errorf("supervisor.max_concurrent_evaluations must be greater than 0")
	}

	if cfg.Persistence.FlushWindow <= 0 {
		return fmt.Errorf("persistence.flush_window must be greater than 0")
	}
	if env.TradesRealFunds() && cfg.Persistence.Dir == "" {
		return fmt.Errorf("persistence.dir is required in %s", env)
	}
	if env.TradesRealFunds() && cfg.Fundarb.DryRun {
		return fmt.Errorf("fundarb.dry_run cannot be enabled in %s", env)
	}
	if env == EnvironmentPaper && !cfg.Fundarb.DryRun {
		return fmt.Errorf("fundarb.dry_run is required in %s", env)
	}
	if cfg.Persistence.Kafka.Enabled && len(cfg.Persistence.Kafka.Brokers) == 0 {
		return fmt.Errorf("persistence.kafka.brokers is required when kafka is enabled")
	}

	if cfg.Persistence.Archive.Enabled {
		a := cfg.Persistence.Archive
		if a.Bucket == "" {
			return fmt.Errorf("persistence.archive.bucket is required when archive is enabled")
		}
		if a.Region == "" {
			return fmt.Errorf("persistence.archive.region is required when archive is enabled")
		}
		if !isValidS3Bucket(a.Bucket) {
			return fmt.Errorf("persistence.archive.bucket '%s' is invalid", a.Bucket)
		}
	}

	return nil
}

func validateLadder(key string, ladder []decimal.Decimal) error {
	if len(ladder) == 0 {
		return fmt.Errorf("%s must not be empty", key)
	}
	prev := decimal.Zero
	for i, step := range ladder {
		if !step.IsPositive() || step.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s[%d] must be between 0 and 1", key, i)
		}
		if step.LessThan(prev) {
			return fmt.Errorf("%s must be non-decreasing", key)
		}
		prev = step
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
