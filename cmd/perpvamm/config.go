package main

import (
	"fmt"
	"os"
	"time"

	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/market"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/vamm"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// Config holds all application configuration, loaded from the environment.
// Empty PostgresURL, NATSURL or RedisURL disables the matching backend.
type Config struct {
	// Backends
	PostgresURL string
	NATSURL     string
	RedisURL    string

	// Markets and roles
	MarketsFile       string
	Liquidators       string
	Admins            string
	TreasuryAccount   string
	InsuranceShareBps uint64

	// Oracle
	OracleMaxAge       time.Duration
	OracleRevealWindow time.Duration
	TwapWindow         time.Duration

	// Channels
	PersistChanSize    int
	ProjectionChanSize int

	// Persistence worker
	PersistBatchSize    int
	PersistFlushTimeout time.Duration

	// HTTP / metrics
	HTTPAddr    string
	MetricsAddr string

	IdempotencyLRUCapacity int
	RedisHistoryCap        int
	MigrationsDir          string

	// Zero disables the periodic funding poke
	FundingPokeInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		PostgresURL:            os.Getenv("PERP_POSTGRES_DSN"),
		NATSURL:                os.Getenv("PERP_NATS_URL"),
		RedisURL:               os.Getenv("PERP_REDIS_URL"),
		MarketsFile:            envOrDefault("PERP_MARKETS_FILE", "configs/markets.yaml"),
		Liquidators:            os.Getenv("PERP_LIQUIDATORS"),
		Admins:                 os.Getenv("PERP_ADMINS"),
		TreasuryAccount:        os.Getenv("PERP_TREASURY_ACCOUNT"),
		InsuranceShareBps:      uint64(envIntOrDefault("PERP_INSURANCE_SHARE_BPS", 3_000)),
		OracleMaxAge:           envDurationOrDefault("PERP_ORACLE_MAX_AGE", 5*time.Minute),
		OracleRevealWindow:     envDurationOrDefault("PERP_ORACLE_REVEAL_WINDOW", 5*time.Minute),
		TwapWindow:             envDurationOrDefault("PERP_TWAP_WINDOW", 15*time.Minute),
		PersistChanSize:        envIntOrDefault("PERP_PERSIST_CHAN_SIZE", 1024),
		ProjectionChanSize:     envIntOrDefault("PERP_PROJECTION_CHAN_SIZE", 2048),
		PersistBatchSize:       envIntOrDefault("PERP_PERSIST_BATCH_SIZE", 50),
		PersistFlushTimeout:    envDurationOrDefault("PERP_PERSIST_FLUSH_TIMEOUT", 10*time.Millisecond),
		HTTPAddr:               envOrDefault("PERP_HTTP_ADDR", ":8080"),
		MetricsAddr:            envOrDefault("PERP_METRICS_ADDR", ":9091"),
		IdempotencyLRUCapacity: envIntOrDefault("PERP_IDEMPOTENCY_LRU_CAPACITY", 1_000_000),
		RedisHistoryCap:        envIntOrDefault("PERP_REDIS_HISTORY_CAP", 500),
		MigrationsDir:          envOrDefault("PERP_MIGRATIONS_DIR", "migrations"),
		FundingPokeInterval:    envDurationOrDefault("PERP_FUNDING_POKE_INTERVAL", time.Minute),
	}
}

// --- Markets file ---

// MarketsFile is the YAML document listing the markets to register.
// Quantities are decimal strings in human units.
type MarketsFile struct {
	Markets []MarketConfig `yaml:"markets"`
}

type MarketConfig struct {
	ID                   string     `yaml:"id"`
	Token                string     `yaml:"token"`
	FeedAsset            string     `yaml:"feed_asset"`
	FeeBps               uint64     `yaml:"fee_bps"`
	Paused               bool       `yaml:"paused"`
	BaseReserve          string     `yaml:"base_reserve"`
	QuoteReserve         string     `yaml:"quote_reserve"`
	KFunding             string     `yaml:"k_funding"`
	MaxFundingBpsPerHour uint64     `yaml:"max_funding_bps_per_hour"`
	Risk                 RiskConfig `yaml:"risk"`
}

type RiskConfig struct {
	IMRBps     uint64 `yaml:"imr_bps"`
	MMRBps     uint64 `yaml:"mmr_bps"`
	PenaltyBps uint64 `yaml:"penalty_bps"`
	PenaltyCap string `yaml:"penalty_cap"`
	MinSize    string `yaml:"min_size"`
	MaxSize    string `yaml:"max_size"`
}

// ParseMarketsFile decodes a markets document
func ParseMarketsFile(data []byte) (*MarketsFile, error) {
	var f MarketsFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parse markets file: %w", err)
	}
	if len(f.Markets) == 0 {
		return nil, fmt.Errorf("markets file lists no markets")
	}
	return &f, nil
}

// LoadMarketsFile reads and decodes the markets document at path
func LoadMarketsFile(path string) (*MarketsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	return ParseMarketsFile(data)
}

// Build creates the market and its pool, starting funding at start. A
// feed asset defaults to the market id.
func (mc MarketConfig) Build(start time.Time) (*market.Market, error) {
	if _, ok := ledger.GetAssetID(mc.Token); !ok {
		return nil, fmt.Errorf("market %s: unknown collateral token %q", mc.ID, mc.Token)
	}
	base, err := amount(mc.ID, "base_reserve", mc.BaseReserve)
	if err != nil {
		return nil, err
	}
	quote, err := amount(mc.ID, "quote_reserve", mc.QuoteReserve)
	if err != nil {
		return nil, err
	}
	var kFunding *uint256.Int // nil keeps the pool default of 1.0
	if mc.KFunding != "" {
		if kFunding, err = amount(mc.ID, "k_funding", mc.KFunding); err != nil {
			return nil, err
		}
	}
	risk := state.RiskParams{
		IMRBps:     mc.Risk.IMRBps,
		MMRBps:     mc.Risk.MMRBps,
		PenaltyBps: mc.Risk.PenaltyBps,
	}
	if risk.PenaltyCap, err = amount(mc.ID, "risk.penalty_cap", mc.Risk.PenaltyCap); err != nil {
		return nil, err
	}
	if risk.MinSize, err = amount(mc.ID, "risk.min_size", mc.Risk.MinSize); err != nil {
		return nil, err
	}
	if risk.MaxSize, err = amount(mc.ID, "risk.max_size", mc.Risk.MaxSize); err != nil {
		return nil, err
	}

	pool, err := vamm.NewPool(vamm.Config{
		BaseReserve:          base,
		QuoteReserve:         quote,
		KFunding:             kFunding,
		MaxFundingBpsPerHour: mc.MaxFundingBpsPerHour,
		StartTime:            start,
	})
	if err != nil {
		return nil, fmt.Errorf("market %s pool: %w", mc.ID, err)
	}

	feedAsset := mc.FeedAsset
	if feedAsset == "" {
		feedAsset = mc.ID
	}
	return &market.Market{
		ID:        mc.ID,
		Token:     mc.Token,
		FeedAsset: feedAsset,
		FeeBps:    mc.FeeBps,
		Paused:    mc.Paused,
		Risk:      risk,
		Pool:      pool,
	}, nil
}

// amount parses a non-negative decimal string into WAD. Empty means zero.
func amount(marketID, field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("market %s %s: %w", marketID, field, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("market %s %s: %s is negative", marketID, field, s)
	}
	v, err := fpmath.FromDecimal(d)
	if err != nil {
		return nil, fmt.Errorf("market %s %s: %w", marketID, field, err)
	}
	return v, nil
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
