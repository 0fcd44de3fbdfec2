package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Khala Runtime Core - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Topics    TopicsConfig    `yaml:"topics"`
	Auth      AuthConfig      `yaml:"auth"`
	Liquidity LiquidityConfig `yaml:"liquidity"`
	Credit    CreditConfig    `yaml:"credit_policy"`
	Authority AuthorityConfig `yaml:"authority"`
	AuditLog  AuditLogConfig  `yaml:"audit_ledger"`
	Catalog   CatalogConfig   `yaml:"provider_catalog"`
	Router    RouterConfig    `yaml:"router"`
}

type ServerConfig struct {
	Port            string   `yaml:"port"`
	Env             string   `yaml:"env"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int      `yaml:"idle_timeout_sec"`
	ShutdownSec     int      `yaml:"shutdown_timeout_sec"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	EnforceOrigin   bool     `yaml:"enforce_origin"`
}

// FanoutConfig holds the hub-wide knobs from spec.md §6.
type FanoutConfig struct {
	QueueCapacity            int `yaml:"fanout_queue_capacity"`
	PollDefaultLimit         int `yaml:"poll_default_limit"`
	PollMaxLimit             int `yaml:"poll_max_limit"`
	OutboundQueueLimit       int `yaml:"outbound_queue_limit"`
	FairTopicSliceLimit      int `yaml:"fair_topic_slice_limit"`
	PollMinIntervalMs        int `yaml:"poll_min_interval_ms"`
	SlowConsumerLagThreshold int `yaml:"slow_consumer_lag_threshold"`
	SlowConsumerMaxStrikes   int `yaml:"slow_consumer_max_strikes"`
	ConsumerRegistryCapacity int `yaml:"consumer_registry_capacity"`
}

// TopicClassConfig holds the per-class publish/replay/payload knobs. Topic
// classes are run_events, worker_lifecycle, codex_worker_events, fallback.
type TopicClassConfig struct {
	PublishRatePerSecond float64 `yaml:"publish_rate_per_second"`
	ReplayBudgetEvents   int64   `yaml:"replay_budget_events"`
	MaxPayloadBytes      int     `yaml:"max_payload_bytes"`
}

type TopicsConfig struct {
	RunEvents         TopicClassConfig `yaml:"run_events"`
	WorkerLifecycle   TopicClassConfig `yaml:"worker_lifecycle"`
	CodexWorkerEvents TopicClassConfig `yaml:"codex_worker_events"`
	Fallback          TopicClassConfig `yaml:"fallback"`
}

// ClassFor resolves the TopicClassConfig for a topic class name, falling
// back to Fallback for anything unrecognized.
func (t TopicsConfig) ClassFor(class string) TopicClassConfig {
	switch class {
	case "run_events":
		return t.RunEvents
	case "worker_lifecycle":
		return t.WorkerLifecycle
	case "codex_worker_events":
		return t.CodexWorkerEvents
	default:
		return t.Fallback
	}
}

type AuthConfig struct {
	SigningKey      string   `yaml:"sync_token_signing_key"`
	Issuer          string   `yaml:"sync_token_issuer"`
	Audience        string   `yaml:"sync_token_audience"`
	RequireJTI      bool     `yaml:"sync_token_require_jti"`
	MaxAgeSeconds   int64    `yaml:"sync_token_max_age_seconds"`
	RevokedJTIs     []string `yaml:"sync_revoked_jtis"`
}

type LiquidityConfig struct {
	WalletExecutorBaseURL    string `yaml:"liquidity_wallet_executor_base_url"`
	WalletExecutorAuthToken  string `yaml:"liquidity_wallet_executor_auth_token"`
	WalletExecutorTimeoutMs  int    `yaml:"liquidity_wallet_executor_timeout_ms"`
	QuoteTTLSeconds          int64  `yaml:"liquidity_quote_ttl_seconds"`
}

type CreditConfig struct {
	MaxSatsPerEnvelope            int64   `yaml:"max_sats_per_envelope"`
	MaxOutstandingEnvelopesPerAgent int   `yaml:"max_outstanding_envelopes_per_agent"`
	MaxOfferTTLSeconds             int64  `yaml:"max_offer_ttl_seconds"`
	CircuitBreakerMinSample        int    `yaml:"circuit_breaker_min_sample"`
	LossRateHaltThreshold          float64 `yaml:"loss_rate_halt_threshold"`
	LNFailureRateHaltThreshold     float64 `yaml:"ln_failure_rate_halt_threshold"`
	LNFailureLargeSettlementCapSats int64  `yaml:"ln_failure_large_settlement_cap_sats"`
	ReceiptSignerKeyHex             string `yaml:"receipt_signer_key_hex"`
}

// AuthorityConfig carries the write-mode switch from spec.md §6 — RustActive
// is the normal operating mode name carried over from the source system;
// ReadOnly freezes every append operation.
type AuthorityConfig struct {
	WriteMode string `yaml:"authority_write_mode"`
}

func (a AuthorityConfig) ReadOnly() bool {
	return a.WriteMode == "ReadOnly"
}

type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	GRPCTarget string `yaml:"grpc_target"`
}

// CatalogConfig carries the provider-registry recovery knob from §4.11.
type CatalogConfig struct {
	MinRecoveryStakeSats int64 `yaml:"min_recovery_stake_sats"`
}

// RouterConfig selects the candidate-scoring policy for §4.10's decision
// core and the strictness of its verifier gate.
type RouterConfig struct {
	DefaultPolicy  string `yaml:"default_policy"`
	VerifierStrict bool   `yaml:"verifier_strict"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// Defaulted returns a Config with every default applied and no file or
// environment overrides — used by components and tests that need a
// ready-to-use config without touching the process environment or
// the package-level singleton.
func Defaulted() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("KHALA_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	c.Server.EnforceOrigin = getEnvBool("KHALA_ENFORCE_ORIGIN", c.Server.EnforceOrigin)
	if origins := getEnv("KHALA_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}

	if v := getEnvInt("FANOUT_QUEUE_CAPACITY", 0); v > 0 {
		c.Fanout.QueueCapacity = v
	}
	if v := getEnvInt("KHALA_POLL_DEFAULT_LIMIT", 0); v > 0 {
		c.Fanout.PollDefaultLimit = v
	}
	if v := getEnvInt("KHALA_POLL_MAX_LIMIT", 0); v > 0 {
		c.Fanout.PollMaxLimit = v
	}
	if v := getEnvInt("KHALA_OUTBOUND_QUEUE_LIMIT", 0); v > 0 {
		c.Fanout.OutboundQueueLimit = v
	}
	if v := getEnvInt("KHALA_FAIR_TOPIC_SLICE_LIMIT", 0); v > 0 {
		c.Fanout.FairTopicSliceLimit = v
	}
	if v := getEnvInt("KHALA_POLL_MIN_INTERVAL_MS", 0); v > 0 {
		c.Fanout.PollMinIntervalMs = v
	}
	if v := getEnvInt("KHALA_SLOW_CONSUMER_LAG_THRESHOLD", 0); v > 0 {
		c.Fanout.SlowConsumerLagThreshold = v
	}
	if v := getEnvInt("KHALA_SLOW_CONSUMER_MAX_STRIKES", 0); v > 0 {
		c.Fanout.SlowConsumerMaxStrikes = v
	}
	if v := getEnvInt("KHALA_CONSUMER_REGISTRY_CAPACITY", 0); v > 0 {
		c.Fanout.ConsumerRegistryCapacity = v
	}

	applyTopicClassEnv("RUN_EVENTS", &c.Topics.RunEvents)
	applyTopicClassEnv("WORKER_LIFECYCLE", &c.Topics.WorkerLifecycle)
	applyTopicClassEnv("CODEX_WORKER_EVENTS", &c.Topics.CodexWorkerEvents)
	applyTopicClassEnv("FALLBACK", &c.Topics.Fallback)

	c.Auth.SigningKey = getEnv("SYNC_TOKEN_SIGNING_KEY", c.Auth.SigningKey)
	c.Auth.Issuer = getEnv("SYNC_TOKEN_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getEnv("SYNC_TOKEN_AUDIENCE", c.Auth.Audience)
	c.Auth.RequireJTI = getEnvBool("SYNC_TOKEN_REQUIRE_JTI", c.Auth.RequireJTI)
	if v := getEnvInt("SYNC_TOKEN_MAX_AGE_SECONDS", 0); v > 0 {
		c.Auth.MaxAgeSeconds = int64(v)
	}
	if revoked := getEnv("SYNC_REVOKED_JTIS", ""); revoked != "" {
		c.Auth.RevokedJTIs = splitCSV(revoked)
	}

	c.Liquidity.WalletExecutorBaseURL = getEnv("LIQUIDITY_WALLET_EXECUTOR_BASE_URL", c.Liquidity.WalletExecutorBaseURL)
	c.Liquidity.WalletExecutorAuthToken = getEnv("LIQUIDITY_WALLET_EXECUTOR_AUTH_TOKEN", c.Liquidity.WalletExecutorAuthToken)
	if v := getEnvInt("LIQUIDITY_WALLET_EXECUTOR_TIMEOUT_MS", 0); v > 0 {
		c.Liquidity.WalletExecutorTimeoutMs = v
	}
	if v := getEnvInt("LIQUIDITY_QUOTE_TTL_SECONDS", 0); v > 0 {
		c.Liquidity.QuoteTTLSeconds = int64(v)
	}

	if v := getEnvInt("CREDIT_MAX_SATS_PER_ENVELOPE", 0); v > 0 {
		c.Credit.MaxSatsPerEnvelope = int64(v)
	}
	if v := getEnvInt("CREDIT_MAX_OUTSTANDING_ENVELOPES_PER_AGENT", 0); v > 0 {
		c.Credit.MaxOutstandingEnvelopesPerAgent = v
	}
	if v := getEnvInt("CREDIT_MAX_OFFER_TTL_SECONDS", 0); v > 0 {
		c.Credit.MaxOfferTTLSeconds = int64(v)
	}
	if v := getEnvInt("CREDIT_CIRCUIT_BREAKER_MIN_SAMPLE", 0); v > 0 {
		c.Credit.CircuitBreakerMinSample = v
	}
	if v := getEnvFloat("CREDIT_LOSS_RATE_HALT_THRESHOLD", 0); v > 0 {
		c.Credit.LossRateHaltThreshold = v
	}
	if v := getEnvFloat("CREDIT_LN_FAILURE_RATE_HALT_THRESHOLD", 0); v > 0 {
		c.Credit.LNFailureRateHaltThreshold = v
	}
	if v := getEnvInt("CREDIT_LN_FAILURE_LARGE_SETTLEMENT_CAP_SATS", 0); v > 0 {
		c.Credit.LNFailureLargeSettlementCapSats = int64(v)
	}
	c.Credit.ReceiptSignerKeyHex = getEnv("CREDIT_RECEIPT_SIGNER_KEY_HEX", c.Credit.ReceiptSignerKeyHex)

	c.Authority.WriteMode = getEnv("AUTHORITY_WRITE_MODE", c.Authority.WriteMode)

	c.AuditLog.Enabled = getEnvBool("AUDIT_LEDGER_ENABLED", c.AuditLog.Enabled)
	c.AuditLog.GRPCTarget = getEnv("AUDIT_LEDGER_GRPC_TARGET", c.AuditLog.GRPCTarget)

	if v := getEnvInt("CATALOG_MIN_RECOVERY_STAKE_SATS", 0); v > 0 {
		c.Catalog.MinRecoveryStakeSats = int64(v)
	}

	c.Router.DefaultPolicy = getEnv("ROUTER_DEFAULT_POLICY", c.Router.DefaultPolicy)
	c.Router.VerifierStrict = getEnvBool("ROUTER_VERIFIER_STRICT", c.Router.VerifierStrict)

	c.applyDefaults()
}

func applyTopicClassEnv(prefix string, dst *TopicClassConfig) {
	if v := getEnvFloat("KHALA_"+prefix+"_PUBLISH_RATE_PER_SECOND", 0); v > 0 {
		dst.PublishRatePerSecond = v
	}
	if v := getEnvInt("KHALA_"+prefix+"_REPLAY_BUDGET_EVENTS", 0); v > 0 {
		dst.ReplayBudgetEvents = int64(v)
	}
	if v := getEnvInt("KHALA_"+prefix+"_MAX_PAYLOAD_BYTES", 0); v > 0 {
		dst.MaxPayloadBytes = v
	}
}

// applyDefaults sets sensible defaults for zero-valued config fields,
// matching the literal values named across spec.md's scenarios.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 30
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{}
	}

	if c.Fanout.QueueCapacity == 0 {
		c.Fanout.QueueCapacity = 64
	}
	if c.Fanout.PollDefaultLimit == 0 {
		c.Fanout.PollDefaultLimit = 50
	}
	if c.Fanout.PollMaxLimit == 0 {
		c.Fanout.PollMaxLimit = 500
	}
	if c.Fanout.OutboundQueueLimit == 0 {
		c.Fanout.OutboundQueueLimit = 500
	}
	if c.Fanout.FairTopicSliceLimit == 0 {
		c.Fanout.FairTopicSliceLimit = 100
	}
	if c.Fanout.PollMinIntervalMs == 0 {
		c.Fanout.PollMinIntervalMs = 200
	}
	if c.Fanout.SlowConsumerLagThreshold == 0 {
		c.Fanout.SlowConsumerLagThreshold = 5000
	}
	if c.Fanout.SlowConsumerMaxStrikes == 0 {
		c.Fanout.SlowConsumerMaxStrikes = 3
	}
	if c.Fanout.ConsumerRegistryCapacity == 0 {
		c.Fanout.ConsumerRegistryCapacity = 10000
	}

	applyTopicClassDefaults(&c.Topics.RunEvents, 20, 20000, 65536)
	applyTopicClassDefaults(&c.Topics.WorkerLifecycle, 10, 5000, 32768)
	applyTopicClassDefaults(&c.Topics.CodexWorkerEvents, 10, 5000, 32768)
	applyTopicClassDefaults(&c.Topics.Fallback, 5, 1000, 16384)

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "khala"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "khala-runtime"
	}
	if c.Auth.MaxAgeSeconds == 0 {
		c.Auth.MaxAgeSeconds = 86400
	}

	if c.Liquidity.WalletExecutorTimeoutMs == 0 {
		c.Liquidity.WalletExecutorTimeoutMs = 8000
	}
	if c.Liquidity.QuoteTTLSeconds == 0 {
		c.Liquidity.QuoteTTLSeconds = 60
	}

	if c.Credit.MaxSatsPerEnvelope == 0 {
		c.Credit.MaxSatsPerEnvelope = 100000
	}
	if c.Credit.MaxOutstandingEnvelopesPerAgent == 0 {
		c.Credit.MaxOutstandingEnvelopesPerAgent = 25
	}
	if c.Credit.MaxOfferTTLSeconds == 0 {
		c.Credit.MaxOfferTTLSeconds = 300
	}
	if c.Credit.CircuitBreakerMinSample == 0 {
		c.Credit.CircuitBreakerMinSample = 10
	}
	if c.Credit.LossRateHaltThreshold == 0 {
		c.Credit.LossRateHaltThreshold = 0.2
	}
	if c.Credit.LNFailureRateHaltThreshold == 0 {
		c.Credit.LNFailureRateHaltThreshold = 0.3
	}
	if c.Credit.LNFailureLargeSettlementCapSats == 0 {
		c.Credit.LNFailureLargeSettlementCapSats = 50000
	}

	if c.Authority.WriteMode == "" {
		c.Authority.WriteMode = "RustActive"
	}

	if c.Catalog.MinRecoveryStakeSats == 0 {
		c.Catalog.MinRecoveryStakeSats = 5000
	}

	if c.Router.DefaultPolicy == "" {
		c.Router.DefaultPolicy = "lowest_total_cost_v1"
	}
}

func applyTopicClassDefaults(t *TopicClassConfig, ratePerSec float64, replayBudget int64, maxPayload int) {
	if t.PublishRatePerSecond == 0 {
		t.PublishRatePerSecond = ratePerSec
	}
	if t.ReplayBudgetEvents == 0 {
		t.ReplayBudgetEvents = replayBudget
	}
	if t.MaxPayloadBytes == 0 {
		t.MaxPayloadBytes = maxPayload
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
