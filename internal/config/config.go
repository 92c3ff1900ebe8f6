// Package config manages router configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/conduitnetwork/conduit/internal/schema"
)

// Environment identifies the runtime environment the router operates in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BusConfig sizes the in-memory event bus.
type BusConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// TelemetryConfig controls the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// ForwardingConfig bounds the receiver-update retry queue.
type ForwardingConfig struct {
	RetryAttempts int           `yaml:"retryAttempts"`
	RetryBackoff  time.Duration `yaml:"retryBackoff"`
	QueueSize     int           `yaml:"queueSize"`
}

// CheckInConfig times the periodic channel check-in sweep.
type CheckInConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// WithdrawConfig tunes the withdrawal resubmission task.
type WithdrawConfig struct {
	Interval        time.Duration   `yaml:"interval"`
	StalenessWindow time.Duration   `yaml:"stalenessWindow"`
	GasPriceCeiling decimal.Decimal `yaml:"gasPriceCeiling"`
	SubmitsPerSec   float64         `yaml:"submitsPerSecond"`
	MaxParallel     int             `yaml:"maxParallel"`
}

// RebalanceTarget configures the auto-rebalance monitor for one pair. Spender
// is the bridge contract to approve before execution; leave empty for assets
// that need no approval.
type RebalanceTarget struct {
	ChainID     int64           `yaml:"chainId"`
	AssetID     string          `yaml:"assetId"`
	Target      decimal.Decimal `yaml:"target"`
	BandPercent decimal.Decimal `yaml:"bandPercent"`
	Spender     string          `yaml:"spender"`
}

// RebalanceConfig times the auto-rebalance monitor.
type RebalanceConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Interval time.Duration     `yaml:"interval"`
	Targets  []RebalanceTarget `yaml:"targets"`
}

// AllowedSwap declares one permitted (asset, chain) -> (asset, chain)
// conversion together with its pricing rule.
type AllowedSwap struct {
	FromAssetID   string          `yaml:"fromAssetId"`
	FromChainID   int64           `yaml:"fromChainId"`
	ToAssetID     string          `yaml:"toAssetId"`
	ToChainID     int64           `yaml:"toChainId"`
	PriceType     string          `yaml:"priceType"`
	HardcodedRate decimal.Decimal `yaml:"hardcodedRate"`
	FeePercentage decimal.Decimal `yaml:"feePercentage"`
	FlatFee       decimal.Decimal `yaml:"flatFee"`
	GasSubsidized bool            `yaml:"gasSubsidized"`
}

// PriceTypeHardcoded is the only supported cross-pair pricing rule.
const PriceTypeHardcoded = "hardcoded"

// QuoteConfig tunes quote issuance.
type QuoteConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	SigningKey string        `yaml:"signingKey"`
}

// Config is the router configuration tree loaded from yaml and env overrides.
type Config struct {
	Environment      Environment               `yaml:"environment"`
	PublicIdentifier string                    `yaml:"publicIdentifier"`
	SignerAddress    string                    `yaml:"signerAddress"`
	EngineURL        string                    `yaml:"engineUrl"`
	ChainServiceURL  string                    `yaml:"chainServiceUrl"`
	DatabaseURL      string                    `yaml:"databaseUrl"`
	AdminAddr        string                    `yaml:"adminAddr"`
	AdminToken       string                    `yaml:"adminToken"`
	LogLevel         string                    `yaml:"logLevel"`
	Bus              BusConfig                 `yaml:"bus"`
	Telemetry        TelemetryConfig           `yaml:"telemetry"`
	Forwarding       ForwardingConfig          `yaml:"forwarding"`
	CheckIn          CheckInConfig             `yaml:"checkIn"`
	Withdraw         WithdrawConfig            `yaml:"withdraw"`
	Rebalance        RebalanceConfig           `yaml:"rebalance"`
	Quote            QuoteConfig               `yaml:"quote"`
	Profiles         []schema.RebalanceProfile `yaml:"rebalanceProfiles"`
	AllowedSwaps     []AllowedSwap             `yaml:"allowedSwaps"`
}

// Default returns the default router configuration.
func Default() Config {
	return Config{
		Environment: EnvProd,
		AdminAddr:   ":8009",
		LogLevel:    "info",
		Bus: BusConfig{
			BufferSize:    64,
			FanoutWorkers: 4,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "",
			OTLPInsecure: false,
			ServiceName:  "conduit-router",
		},
		Forwarding: ForwardingConfig{
			RetryAttempts: 5,
			RetryBackoff:  time.Second,
			QueueSize:     256,
		},
		CheckIn: CheckInConfig{Interval: 5 * time.Minute},
		Withdraw: WithdrawConfig{
			Interval:        10 * time.Minute,
			StalenessWindow: 7 * 24 * time.Hour,
			GasPriceCeiling: decimal.Zero,
			SubmitsPerSec:   2,
			MaxParallel:     8,
		},
		Rebalance: RebalanceConfig{
			Enabled:  false,
			Interval: 30 * time.Minute,
			Targets:  nil,
		},
		Quote: QuoteConfig{
			TTL:        2 * time.Minute,
			SigningKey: "",
		},
		Profiles:     nil,
		AllowedSwaps: nil,
	}
}

// LoadOrDefault loads configuration from path, falling back to defaults when
// the file does not exist. Environment variables override either source. The
// second return reports whether a file was read.
func LoadOrDefault(ctx context.Context, path string) (Config, bool, error) {
	cfg := Default()
	loaded := false

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case os.IsNotExist(err):
		default:
			return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, loaded, err
	}
	_ = ctx
	return cfg, loaded, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CONDUIT_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_ENGINE_URL")); v != "" {
		cfg.EngineURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_CHAIN_SERVICE_URL")); v != "" {
		cfg.ChainServiceURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_ADMIN_ADDR")); v != "" {
		cfg.AdminAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_ADMIN_TOKEN")); v != "" {
		cfg.AdminToken = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_QUOTE_SIGNING_KEY")); v != "" {
		cfg.Quote.SigningKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks structural configuration problems that should stop startup.
// Profile threshold violations are deliberately not checked here: they are
// surfaced at lookup time so a single bad profile blocks only its own pair.
func (c Config) Validate() error {
	if strings.TrimSpace(c.PublicIdentifier) == "" {
		return fmt.Errorf("config: publicIdentifier required")
	}
	if c.Forwarding.RetryAttempts < 0 {
		return fmt.Errorf("config: forwarding.retryAttempts must be >= 0")
	}
	if c.Forwarding.RetryBackoff < 0 {
		return fmt.Errorf("config: forwarding.retryBackoff must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.AllowedSwaps))
	for _, swap := range c.AllowedSwaps {
		key := swapKey(swap.FromAssetID, swap.FromChainID, swap.ToAssetID, swap.ToChainID)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: duplicate allowed swap %s", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func swapKey(fromAsset string, fromChain int64, toAsset string, toChain int64) string {
	return fmt.Sprintf("%s/%d->%s/%d", fromAsset, fromChain, toAsset, toChain)
}
