// Package config holds operator-level configuration for a sentinel
// installation: scheduler and executor bounds, defender thresholds, pattern
// overrides, and storage paths. Values come from env vars (SENTINEL_*) or
// sentinel.config.yaml, with defaults tuned for low-resource hosts.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the SENTINEL_ prefix
// (e.g. "block_threshold" → SENTINEL_BLOCK_THRESHOLD) and to a YAML field in
// sentinel.config.yaml.
const (
	KeyDataDir               = "data_dir"
	KeyWorkerConcurrency     = "worker_concurrency"
	KeyMaxQueue              = "max_queue"
	KeySessionQueueMode      = "session_queue_mode"
	KeySessionQueueCap       = "session_queue_cap"
	KeyGroupActivationMode   = "group_activation_mode"
	KeyEvalTimeoutMS         = "eval_timeout_ms"
	KeyIdempotencyTTLSecs    = "idempotency_ttl_secs"
	KeyIdempotencyMaxEntries = "idempotency_max_entries"
	KeyAuditOnly             = "audit_only"
	KeyReviewThreshold       = "review_threshold"
	KeyBlockThreshold        = "block_threshold"
	KeySigningKey            = "signing_key"
	KeyPolicyBundlePath      = "policy_bundle_path"
	KeyPolicyBundleKey       = "policy_bundle_key"
	KeyReputationAPIKey      = "reputation_api_key"
	KeyReputationBaseURL     = "reputation_base_url"
	KeyReputationTimeoutMS   = "reputation_timeout_ms"
	KeyGlobalRPM             = "global_rpm"
	KeyPerChannelRPM         = "per_channel_rpm"
	KeyServerBind            = "server_bind"
	KeyAPIKey                = "api_key"
)

// Defaults are tuned for a single-host deployment.
const (
	DefaultWorkerConcurrency     = 4
	DefaultMaxQueue              = 256
	DefaultSessionQueueCap       = 16
	DefaultEvalTimeoutMS         = 2500
	DefaultIdempotencyTTLSecs    = 300
	DefaultIdempotencyMaxEntries = 5000
	DefaultReviewThreshold       = 35
	DefaultBlockThreshold        = 65
	DefaultReputationTimeoutMS   = 1400
	DefaultGlobalRPM             = 600
	DefaultPerChannelRPM         = 120
	DefaultServerBind            = "127.0.0.1:18789"
)

// ToolRuntimeRule is one allow/deny override, either global or per provider.
type ToolRuntimeRule struct {
	Profile string   `mapstructure:"profile" yaml:"profile,omitempty" json:"profile,omitempty"`
	Allow   []string `mapstructure:"allow" yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny    []string `mapstructure:"deny" yaml:"deny,omitempty" json:"deny,omitempty"`
}

// ToolRuntimePolicy configures which tools the execution backend may be asked
// to run. ByProvider keys are "provider" or "provider/model".
type ToolRuntimePolicy struct {
	Profile    string                     `mapstructure:"profile" yaml:"profile,omitempty" json:"profile,omitempty"`
	Allow      []string                   `mapstructure:"allow" yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny       []string                   `mapstructure:"deny" yaml:"deny,omitempty" json:"deny,omitempty"`
	ByProvider map[string]ToolRuntimeRule `mapstructure:"by_provider" yaml:"by_provider,omitempty" json:"byProvider,omitempty"`
}

// LoopDetection configures the tool-loop detector.
type LoopDetection struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	HistorySize       int  `mapstructure:"history_size" yaml:"history_size" json:"history_size"`
	WarningThreshold  int  `mapstructure:"warning_threshold" yaml:"warning_threshold" json:"warning_threshold"`
	CriticalThreshold int  `mapstructure:"critical_threshold" yaml:"critical_threshold" json:"critical_threshold"`
}

// CronJob is one scheduled synthetic action.
type CronJob struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
	Prompt   string `mapstructure:"prompt" yaml:"prompt"`
}

// Config holds resolved operator configuration for a sentinel process.
type Config struct {
	DataDir    string
	ServerBind string

	// Scheduler and executor bounds.
	WorkerConcurrency   int
	MaxQueue            int
	SessionQueueMode    string // followup | steer | collect
	SessionQueueCap     int
	GroupActivationMode string // mention | always
	EvalTimeoutMS       int

	// Idempotency cache bounds.
	IdempotencyTTLSecs    int
	IdempotencyMaxEntries int

	// Defender policy base values.
	AuditOnly               bool
	ReviewThreshold         int
	BlockThreshold          int
	ToolPolicies            map[string]string
	ToolRiskBonus           map[string]int
	ChannelRiskBonus        map[string]int
	ToolRuntimePolicy       ToolRuntimePolicy
	LoopDetection           LoopDetection
	ProtectPaths            []string
	AllowedCommandPrefixes  []string
	BlockedCommandPatterns  []string
	PromptInjectionPatterns []string
	ControlCommandPrefixes  []string

	// Signed policy bundle.
	PolicyBundlePath string
	PolicyBundleKey  string
	PolicyBundleKeys map[string]string

	// Quarantine record signing (HMAC-SHA256, ≥32 bytes or 64+ hex chars).
	SigningKey string

	// External reputation lookup. Empty API key disables the evaluator.
	ReputationAPIKey    string
	ReputationBaseURL   string
	ReputationTimeoutMS int

	// Ingestion rate limits (requests per minute).
	GlobalRPM     int
	PerChannelRPM int

	// API key for the operator HTTP surface. Empty disables auth, which is
	// acceptable only on a loopback bind.
	APIKey string

	// Cron trigger schedules.
	Cron []CronJob

	usingDefaultSigningKey bool
}

// QuarantineDBPath returns the path of the quarantine SQLite database.
func (c *Config) QuarantineDBPath() string {
	return filepath.Join(c.DataDir, "quarantine.db")
}

// SessionDBPath returns the path of the session-state SQLite database.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// UsingDefaultSigningKey reports whether the signing key was derived rather
// than set explicitly.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// WarnIfDefaultKeys logs a warning when the signing key fell back to the
// derived per-machine default.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default SENTINEL_SIGNING_KEY; set via env var or config file for production")
	}
}

func init() {
	viper.SetEnvPrefix("SENTINEL")
	viper.AutomaticEnv()
	viper.SetDefault(KeyWorkerConcurrency, DefaultWorkerConcurrency)
	viper.SetDefault(KeyMaxQueue, DefaultMaxQueue)
	viper.SetDefault(KeySessionQueueMode, "followup")
	viper.SetDefault(KeySessionQueueCap, DefaultSessionQueueCap)
	viper.SetDefault(KeyGroupActivationMode, "mention")
	viper.SetDefault(KeyEvalTimeoutMS, DefaultEvalTimeoutMS)
	viper.SetDefault(KeyIdempotencyTTLSecs, DefaultIdempotencyTTLSecs)
	viper.SetDefault(KeyIdempotencyMaxEntries, DefaultIdempotencyMaxEntries)
	viper.SetDefault(KeyReviewThreshold, DefaultReviewThreshold)
	viper.SetDefault(KeyBlockThreshold, DefaultBlockThreshold)
	viper.SetDefault(KeyReputationTimeoutMS, DefaultReputationTimeoutMS)
	viper.SetDefault(KeyGlobalRPM, DefaultGlobalRPM)
	viper.SetDefault(KeyPerChannelRPM, DefaultPerChannelRPM)
	viper.SetDefault(KeyServerBind, DefaultServerBind)
}

// Load reads configuration from Viper (env vars, config file, defaults) and
// returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:                 resolveDataDir(),
		ServerBind:              viper.GetString(KeyServerBind),
		WorkerConcurrency:       viper.GetInt(KeyWorkerConcurrency),
		MaxQueue:                viper.GetInt(KeyMaxQueue),
		SessionQueueMode:        viper.GetString(KeySessionQueueMode),
		SessionQueueCap:         viper.GetInt(KeySessionQueueCap),
		GroupActivationMode:     viper.GetString(KeyGroupActivationMode),
		EvalTimeoutMS:           viper.GetInt(KeyEvalTimeoutMS),
		IdempotencyTTLSecs:      viper.GetInt(KeyIdempotencyTTLSecs),
		IdempotencyMaxEntries:   viper.GetInt(KeyIdempotencyMaxEntries),
		AuditOnly:               viper.GetBool(KeyAuditOnly),
		ReviewThreshold:         viper.GetInt(KeyReviewThreshold),
		BlockThreshold:          viper.GetInt(KeyBlockThreshold),
		ToolPolicies:            viper.GetStringMapString("tool_policies"),
		ToolRiskBonus:           stringMapInt("tool_risk_bonus"),
		ChannelRiskBonus:        stringMapInt("channel_risk_bonus"),
		ProtectPaths:            viper.GetStringSlice("protect_paths"),
		AllowedCommandPrefixes:  viper.GetStringSlice("allowed_command_prefixes"),
		BlockedCommandPatterns:  viper.GetStringSlice("blocked_command_patterns"),
		PromptInjectionPatterns: viper.GetStringSlice("prompt_injection_patterns"),
		ControlCommandPrefixes:  viper.GetStringSlice("control_command_prefixes"),
		PolicyBundlePath:        viper.GetString(KeyPolicyBundlePath),
		PolicyBundleKey:         viper.GetString(KeyPolicyBundleKey),
		PolicyBundleKeys:        viper.GetStringMapString("policy_bundle_keys"),
		SigningKey:              viper.GetString(KeySigningKey),
		ReputationAPIKey:        viper.GetString(KeyReputationAPIKey),
		ReputationBaseURL:       viper.GetString(KeyReputationBaseURL),
		ReputationTimeoutMS:     viper.GetInt(KeyReputationTimeoutMS),
		APIKey:                  viper.GetString(KeyAPIKey),
		GlobalRPM:               viper.GetInt(KeyGlobalRPM),
		PerChannelRPM:           viper.GetInt(KeyPerChannelRPM),
	}

	if err := viper.UnmarshalKey("tool_runtime_policy", &cfg.ToolRuntimePolicy); err != nil {
		return nil, fmt.Errorf("parsing tool_runtime_policy: %w", err)
	}
	cfg.LoopDetection = LoopDetection{
		Enabled:           true,
		HistorySize:       30,
		WarningThreshold:  10,
		CriticalThreshold: 20,
	}
	if viper.IsSet("loop_detection") {
		if err := viper.UnmarshalKey("loop_detection", &cfg.LoopDetection); err != nil {
			return nil, fmt.Errorf("parsing loop_detection: %w", err)
		}
	}
	if err := viper.UnmarshalKey("cron", &cfg.Cron); err != nil {
		return nil, fmt.Errorf("parsing cron schedules: %w", err)
	}

	if len(cfg.ToolRiskBonus) == 0 {
		cfg.ToolRiskBonus = DefaultToolRiskBonus()
	}
	if len(cfg.ChannelRiskBonus) == 0 {
		cfg.ChannelRiskBonus = DefaultChannelRiskBonus()
	}
	if len(cfg.ControlCommandPrefixes) == 0 {
		cfg.ControlCommandPrefixes = []string{"/"}
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "quarantine-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultToolRiskBonus is the shipped additive risk bonus per tool.
func DefaultToolRiskBonus() map[string]int {
	return map[string]int{
		"exec":        20,
		"bash":        20,
		"process":     10,
		"apply_patch": 12,
		"browser":     8,
		"gateway":     20,
		"nodes":       20,
	}
}

// DefaultChannelRiskBonus is the shipped additive risk bonus per channel.
func DefaultChannelRiskBonus() map[string]int {
	return map[string]int{
		"discord":  10,
		"slack":    8,
		"telegram": 6,
		"whatsapp": 6,
		"webchat":  8,
	}
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sentinel"
	}
	return filepath.Join(home, ".sentinel")
}

// stringMapInt reads a map key whose values may arrive as strings (env) or
// numbers (YAML).
func stringMapInt(key string) map[string]int {
	out := make(map[string]int)
	for k, v := range viper.GetStringMap(key) {
		switch n := v.(type) {
		case int:
			out[k] = n
		case int64:
			out[k] = int(n)
		case float64:
			out[k] = int(n)
		}
	}
	return out
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. Not cryptographically strong; it exists so
// a fresh install works out of the box with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("sentinel:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be positive")
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("max_queue must be positive")
	}
	if c.SessionQueueCap <= 0 {
		return fmt.Errorf("session_queue_cap must be positive")
	}
	if c.EvalTimeoutMS <= 0 {
		return fmt.Errorf("eval_timeout_ms must be positive")
	}
	switch c.SessionQueueMode {
	case "followup", "steer", "collect":
	default:
		return fmt.Errorf("session_queue_mode must be followup, steer, or collect (got %q)", c.SessionQueueMode)
	}
	switch c.GroupActivationMode {
	case "mention", "always":
	default:
		return fmt.Errorf("group_activation_mode must be mention or always (got %q)", c.GroupActivationMode)
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 100 {
		return fmt.Errorf("review_threshold must be 0..100")
	}
	if c.BlockThreshold < 0 || c.BlockThreshold > 100 {
		return fmt.Errorf("block_threshold must be 0..100")
	}
	if c.ReviewThreshold >= c.BlockThreshold {
		return fmt.Errorf("review_threshold (%d) must be lower than block_threshold (%d)", c.ReviewThreshold, c.BlockThreshold)
	}
	if c.LoopDetection.Enabled {
		if c.LoopDetection.HistorySize <= 0 {
			return fmt.Errorf("loop_detection.history_size must be positive")
		}
		if c.LoopDetection.WarningThreshold <= 0 || c.LoopDetection.CriticalThreshold <= c.LoopDetection.WarningThreshold {
			return fmt.Errorf("loop_detection thresholds must satisfy 0 < warning < critical")
		}
	}
	return nil
}
