package settlementd

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"coopledger/services/settlementd/recon"
	"coopledger/services/settlementd/webhook"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	Database      DatabaseConfig  `yaml:"database"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Custody       CustodyConfig   `yaml:"custody"`
	Onramp        OnrampConfig    `yaml:"onramp"`
	Processors    ProcessorConfig `yaml:"processors"`
	Webhook       WebhookConfig   `yaml:"webhook"`
	Recon         ReconConfig     `yaml:"recon"`
	Alerts        AlertsConfig    `yaml:"alerts"`
	Auth          AuthConfig      `yaml:"auth"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// LedgerConfig points at the chain node and the token contract.
type LedgerConfig struct {
	RPCURL              string   `yaml:"rpc_url"`
	ChainID             int64    `yaml:"chain_id"`
	TokenAddress        string   `yaml:"token_address"`
	UCID                int64    `yaml:"uc_id"`
	SCID                int64    `yaml:"sc_id"`
	Decimals            int32    `yaml:"decimals"`
	Confirmations       uint64   `yaml:"confirmations"`
	PollInterval        Duration `yaml:"poll_interval"`
	ConfirmationTimeout Duration `yaml:"confirmation_timeout"`
	MaxLogRange         uint64   `yaml:"max_log_range"`
}

// CustodyConfig controls the custodial signer.
type CustodyConfig struct {
	MasterKey        string `yaml:"master_key"`
	MasterKeyEnv     string `yaml:"master_key_env"`
	MinterPrincipal  string `yaml:"minter_principal"`
	GasBufferPercent uint64 `yaml:"gas_buffer_percent"`
}

// OnrampConfig bounds purchases and sets the fiat to token rate.
type OnrampConfig struct {
	MinFiat   string `yaml:"min_fiat"`
	MaxFiat   string `yaml:"max_fiat"`
	TokenRate string `yaml:"token_rate"`
	Currency  string `yaml:"currency"`

	minFiat, maxFiat, tokenRate decimal.Decimal
}

// ProcessorConfig configures the payment processor API clients.
type ProcessorConfig struct {
	Stripe      StripeConfig      `yaml:"stripe"`
	NOWPayments NOWPaymentsConfig `yaml:"nowpayments"`
}

// StripeConfig configures the Stripe client and its webhook secret.
type StripeConfig struct {
	Enabled          bool   `yaml:"enabled"`
	APIBase          string `yaml:"api_base"`
	SecretKeyEnv     string `yaml:"secret_key_env"`
	WebhookSecretEnv string `yaml:"webhook_secret_env"`

	secretKey, webhookSecret string
}

// NOWPaymentsConfig configures the NOWPayments client and its IPN secret.
type NOWPaymentsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	APIBase      string `yaml:"api_base"`
	APIKeyEnv    string `yaml:"api_key_env"`
	IPNSecretEnv string `yaml:"ipn_secret_env"`
	CallbackURL  string `yaml:"callback_url"`

	apiKey, ipnSecret string
}

// WebhookConfig controls the ingress trust model and replay protection.
type WebhookConfig struct {
	TrustModel          string          `yaml:"trust_model"`
	RelaySecretEnv      string          `yaml:"relay_secret_env"`
	RelayHeader         string          `yaml:"relay_header"`
	Tolerance           Duration        `yaml:"tolerance"`
	ReplayStore         string          `yaml:"replay_store"`
	ReplayTTL           Duration        `yaml:"replay_ttl"`
	ReplaySweepInterval Duration        `yaml:"replay_sweep_interval"`
	MaxBodyBytes        int64           `yaml:"max_body_bytes"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`

	relaySecret string
}

// RateLimitConfig is a per-processor token bucket.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ReconConfig controls scheduled reconciliation.
type ReconConfig struct {
	Hourly         *bool            `yaml:"hourly"`
	Daily          *bool            `yaml:"daily"`
	DailyHour      uint             `yaml:"daily_hour"`
	DailyMinute    uint             `yaml:"daily_minute"`
	Timezone       string           `yaml:"timezone"`
	Budget         Duration         `yaml:"budget"`
	RepairLookback Duration         `yaml:"repair_lookback"`
	OutputDir      string           `yaml:"output_dir"`
	SaveHistory    bool             `yaml:"save_history"`
	Thresholds     ThresholdsConfig `yaml:"thresholds"`

	location *time.Location
}

// ThresholdsConfig overrides the default check tolerances.
type ThresholdsConfig struct {
	PurchaseCountDriftPct  float64  `yaml:"purchase_count_drift_pct"`
	ExecutionWarnPct       float64  `yaml:"execution_warn_pct"`
	ExecutionFailPct       float64  `yaml:"execution_fail_pct"`
	StaleAfter             Duration `yaml:"stale_after"`
	CriticalStaleThreshold int64    `yaml:"critical_stale_threshold"`
	AmountDriftPct         float64  `yaml:"amount_drift_pct"`
}

// AlertsConfig routes alerts to an operator webhook in addition to the log.
type AlertsConfig struct {
	WebhookURL      string   `yaml:"webhook_url"`
	WebhookTokenEnv string   `yaml:"webhook_token_env"`
	Timeout         Duration `yaml:"timeout"`

	webhookToken string
}

// AuthConfig controls bearer token verification on the API.
type AuthConfig struct {
	JWTSecretEnv string   `yaml:"jwt_secret_env"`
	Issuer       string   `yaml:"issuer"`
	Audience     string   `yaml:"audience"`
	Leeway       Duration `yaml:"leeway"`

	jwtSecret string
}

// LoggingConfig controls log level and optional file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// ConfigPath returns the configuration path from the flag value or the
// SETTLEMENTD_CONFIG environment variable.
func ConfigPath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv("SETTLEMENTD_CONFIG")); path != "" {
		return path
	}
	return "services/settlementd/config.yaml"
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Ledger.Decimals == 0 {
		cfg.Ledger.Decimals = 18
	}
	if cfg.Ledger.UCID == 0 && cfg.Ledger.SCID == 0 {
		cfg.Ledger.UCID, cfg.Ledger.SCID = 1, 2
	}
	if cfg.Ledger.PollInterval.Duration == 0 {
		cfg.Ledger.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Ledger.ConfirmationTimeout.Duration == 0 {
		cfg.Ledger.ConfirmationTimeout.Duration = 2 * time.Minute
	}
	if cfg.Custody.MinterPrincipal == "" {
		cfg.Custody.MinterPrincipal = "service:minter"
	}
	if cfg.Custody.GasBufferPercent == 0 {
		cfg.Custody.GasBufferPercent = 20
	}
	if cfg.Onramp.MinFiat == "" {
		cfg.Onramp.MinFiat = "1.00"
	}
	if cfg.Onramp.MaxFiat == "" {
		cfg.Onramp.MaxFiat = "10000.00"
	}
	if cfg.Onramp.TokenRate == "" {
		cfg.Onramp.TokenRate = "1"
	}
	if cfg.Onramp.Currency == "" {
		cfg.Onramp.Currency = "USD"
	}
	if cfg.Processors.Stripe.APIBase == "" {
		cfg.Processors.Stripe.APIBase = "https://api.stripe.com"
	}
	if cfg.Processors.NOWPayments.APIBase == "" {
		cfg.Processors.NOWPayments.APIBase = "https://api.nowpayments.io"
	}
	if cfg.Webhook.TrustModel == "" {
		cfg.Webhook.TrustModel = webhook.TrustDirect
	}
	if cfg.Webhook.Tolerance.Duration == 0 {
		cfg.Webhook.Tolerance.Duration = 5 * time.Minute
	}
	if cfg.Webhook.ReplayStore == "" {
		cfg.Webhook.ReplayStore = "settlementd-replay.db"
	}
	if cfg.Webhook.ReplayTTL.Duration == 0 {
		cfg.Webhook.ReplayTTL.Duration = 72 * time.Hour
	}
	if cfg.Webhook.ReplaySweepInterval.Duration == 0 {
		cfg.Webhook.ReplaySweepInterval.Duration = 10 * time.Minute
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = 256 << 10
	}
	if cfg.Recon.Timezone == "" {
		cfg.Recon.Timezone = "UTC"
	}
	if cfg.Recon.Hourly == nil {
		enabled := true
		cfg.Recon.Hourly = &enabled
	}
	if cfg.Recon.Daily == nil {
		enabled := true
		cfg.Recon.Daily = &enabled
	}
	if cfg.Recon.DailyHour == 0 && cfg.Recon.DailyMinute == 0 {
		cfg.Recon.DailyMinute = 15
	}
	if cfg.Alerts.Timeout.Duration == 0 {
		cfg.Alerts.Timeout.Duration = 5 * time.Second
	}
	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = "SETTLEMENTD_JWT_SECRET"
	}
	if cfg.Custody.MasterKeyEnv == "" {
		cfg.Custody.MasterKeyEnv = "SETTLEMENTD_MASTER_KEY"
	}
}

func (cfg *Config) resolveSecrets() error {
	if cfg.Database.DSN == "" && cfg.Database.DSNEnv != "" {
		cfg.Database.DSN = lookupEnv(cfg.Database.DSNEnv)
	}
	if strings.TrimSpace(cfg.Custody.MasterKey) == "" {
		cfg.Custody.MasterKey = lookupEnv(cfg.Custody.MasterKeyEnv)
	}
	cfg.Auth.jwtSecret = lookupEnv(cfg.Auth.JWTSecretEnv)
	cfg.Alerts.webhookToken = lookupEnv(cfg.Alerts.WebhookTokenEnv)
	cfg.Webhook.relaySecret = lookupEnv(cfg.Webhook.RelaySecretEnv)

	stripe := &cfg.Processors.Stripe
	if stripe.Enabled {
		stripe.secretKey = lookupEnv(stripe.SecretKeyEnv)
		stripe.webhookSecret = lookupEnv(stripe.WebhookSecretEnv)
		if stripe.secretKey == "" {
			return fmt.Errorf("processors.stripe.secret_key_env %q is empty", stripe.SecretKeyEnv)
		}
	}
	np := &cfg.Processors.NOWPayments
	if np.Enabled {
		np.apiKey = lookupEnv(np.APIKeyEnv)
		np.ipnSecret = lookupEnv(np.IPNSecretEnv)
		if np.apiKey == "" {
			return fmt.Errorf("processors.nowpayments.api_key_env %q is empty", np.APIKeyEnv)
		}
	}
	return nil
}

func lookupEnv(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

func validateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
		return fmt.Errorf("ledger rpc_url must be configured")
	}
	if cfg.Ledger.ChainID <= 0 {
		return fmt.Errorf("ledger chain_id must be positive")
	}
	if !common.IsHexAddress(cfg.Ledger.TokenAddress) {
		return fmt.Errorf("ledger token_address %q is not a hex address", cfg.Ledger.TokenAddress)
	}
	if cfg.Ledger.UCID == cfg.Ledger.SCID {
		return fmt.Errorf("ledger uc_id and sc_id must differ")
	}
	if cfg.Custody.MasterKey == "" {
		return fmt.Errorf("custody master key must be configured")
	}
	if !strings.HasPrefix(cfg.Custody.MinterPrincipal, "service:") {
		return fmt.Errorf("custody minter_principal must be a service principal")
	}

	var err error
	if cfg.Onramp.minFiat, err = decimal.NewFromString(cfg.Onramp.MinFiat); err != nil {
		return fmt.Errorf("onramp min_fiat: %w", err)
	}
	if cfg.Onramp.maxFiat, err = decimal.NewFromString(cfg.Onramp.MaxFiat); err != nil {
		return fmt.Errorf("onramp max_fiat: %w", err)
	}
	if cfg.Onramp.tokenRate, err = decimal.NewFromString(cfg.Onramp.TokenRate); err != nil {
		return fmt.Errorf("onramp token_rate: %w", err)
	}
	if !cfg.Onramp.minFiat.IsPositive() || cfg.Onramp.maxFiat.LessThan(cfg.Onramp.minFiat) {
		return fmt.Errorf("onramp bounds must satisfy 0 < min_fiat <= max_fiat")
	}
	if !cfg.Onramp.tokenRate.IsPositive() {
		return fmt.Errorf("onramp token_rate must be positive")
	}

	if !cfg.Processors.Stripe.Enabled && !cfg.Processors.NOWPayments.Enabled {
		return fmt.Errorf("at least one payment processor must be enabled")
	}
	switch cfg.Webhook.TrustModel {
	case webhook.TrustDirect:
		if cfg.Processors.Stripe.Enabled && cfg.Processors.Stripe.webhookSecret == "" {
			return fmt.Errorf("processors.stripe.webhook_secret_env is required for the direct trust model")
		}
		if cfg.Processors.NOWPayments.Enabled && cfg.Processors.NOWPayments.ipnSecret == "" {
			return fmt.Errorf("processors.nowpayments.ipn_secret_env is required for the direct trust model")
		}
	case webhook.TrustRelay:
		if cfg.Webhook.relaySecret == "" {
			return fmt.Errorf("webhook relay_secret_env is required for the relay trust model")
		}
	default:
		return fmt.Errorf("webhook trust_model must be %q or %q", webhook.TrustDirect, webhook.TrustRelay)
	}

	if len(cfg.Auth.jwtSecret) < 16 {
		return fmt.Errorf("auth jwt secret (%s) must be at least 16 bytes", cfg.Auth.JWTSecretEnv)
	}
	if cfg.Recon.DailyHour > 23 || cfg.Recon.DailyMinute > 59 {
		return fmt.Errorf("recon daily_hour/daily_minute out of range")
	}
	loc, err := time.LoadLocation(cfg.Recon.Timezone)
	if err != nil {
		return fmt.Errorf("recon timezone: %w", err)
	}
	cfg.Recon.location = loc
	return nil
}

// Location returns the reconciliation time zone.
func (c ReconConfig) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// ThresholdValues merges the configured overrides onto the defaults.
func (c ReconConfig) ThresholdValues() recon.Thresholds {
	th := recon.DefaultThresholds()
	o := c.Thresholds
	if o.PurchaseCountDriftPct > 0 {
		th.PurchaseCountDriftPct = o.PurchaseCountDriftPct
	}
	if o.ExecutionWarnPct > 0 {
		th.ExecutionWarnPct = o.ExecutionWarnPct
	}
	if o.ExecutionFailPct > 0 {
		th.ExecutionFailPct = o.ExecutionFailPct
	}
	if o.StaleAfter.Duration > 0 {
		th.StaleAfter = o.StaleAfter.Duration
	}
	if o.CriticalStaleThreshold > 0 {
		th.CriticalStaleThreshold = o.CriticalStaleThreshold
	}
	if o.AmountDriftPct > 0 {
		th.AmountDriftPct = o.AmountDriftPct
	}
	return th
}

// TokenIDs returns the spendable and reward token ids.
func (c LedgerConfig) TokenIDs() (*big.Int, *big.Int) {
	return big.NewInt(c.UCID), big.NewInt(c.SCID)
}
