// Package config loads the engine configuration from a YAML file, with
// credentials and secrets taken from the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trading-engine/internal/errs"
	"trading-engine/internal/symbol"
	"trading-engine/pkg/logger"
	"trading-engine/pkg/secret"
)

const wildcard = "*"

// Config is the whole configuration file.
type Config struct {
	CryptoCurrencies map[string]CryptoCurrency `yaml:"crypto-currencies"`
	Exchanges        map[string]Exchange       `yaml:"exchanges"`
	Trader           Trader                    `yaml:"trader"`
	TraderSimulator  TraderSimulator           `yaml:"trader-simulator"`
	Trading          Trading                   `yaml:"trading"`
	TimeFrames       TimeFrames                `yaml:"time-frame"`
	Storage          Storage                   `yaml:"storage"`
	Logging          logger.Config             `yaml:"logging"`
	API              API                       `yaml:"api"`
	Backtesting      Backtesting               `yaml:"backtesting"`
}

// CryptoCurrency lists the pairs traded for one currency.
type CryptoCurrency struct {
	Pairs   []string `yaml:"pairs"`
	Quote   string   `yaml:"quote"`
	Add     []string `yaml:"add"`
	Enabled *bool    `yaml:"enabled"`
}

// HasWildcard reports whether pairs expand to every listed symbol of Quote.
func (c CryptoCurrency) HasWildcard() bool {
	for _, p := range c.Pairs {
		if p == wildcard {
			return true
		}
	}
	return false
}

// Exchange configures one exchange connection.
type Exchange struct {
	Enabled *bool  `yaml:"enabled"`
	Type    string `yaml:"type"`
	// Mode is spot, futures or options.
	Mode        string   `yaml:"mode"`
	APIKey      string   `yaml:"api-key"`
	APISecret   string   `yaml:"api-secret"`
	APIPassword string   `yaml:"api-password"`
	Watched     []string `yaml:"watched"`
	// Markets lists the symbols a simulated exchange serves. Empty means
	// every configured pair.
	Markets     []string      `yaml:"markets"`
	LatencyMin  time.Duration `yaml:"latency-min"`
	LatencyMax  time.Duration `yaml:"latency-max"`
	SlippageBps float64       `yaml:"slippage-bps"`
	Stream      *Stream       `yaml:"stream"`
}

// IsEnabled defaults to true.
func (e Exchange) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }

// Stream enables the websocket feed of an exchange.
type Stream struct {
	URL            string        `yaml:"url"`
	Channels       []string      `yaml:"channels"`
	ReconnectDelay time.Duration `yaml:"reconnect-delay"`
}

type Trader struct {
	Enabled bool `yaml:"enabled"`
}

// TraderSimulator seeds the simulated account.
type TraderSimulator struct {
	Enabled           bool               `yaml:"enabled"`
	Fees              Fees               `yaml:"fees"`
	StartingPortfolio map[string]float64 `yaml:"starting-portfolio"`
}

// Fees are rates, 0.001 meaning 0.1%.
type Fees struct {
	Maker float64 `yaml:"maker"`
	Taker float64 `yaml:"taker"`
}

type Trading struct {
	ReferenceMarket             string  `yaml:"reference-market"`
	Risk                        float64 `yaml:"risk"`
	SaveCancelledOrdersAsTrades bool    `yaml:"save-cancelled-orders-as-trades"`
}

// TimeFrames lists the tracked time frames, e.g. 1m or 4h.
type TimeFrames []string

// Parse returns the time frames sorted from the finest.
func (t TimeFrames) Parse() ([]symbol.TimeFrame, error) {
	out := make([]symbol.TimeFrame, 0, len(t))
	for _, raw := range t {
		tf, err := symbol.ParseTimeFrame(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return symbol.Sort(out), nil
}

type Storage struct {
	Path  string `yaml:"path"`
	BotID string `yaml:"bot-id"`
	// SnapshotInterval paces portfolio history snapshots.
	SnapshotInterval time.Duration `yaml:"snapshot-interval"`
}

type API struct {
	Enabled   bool          `yaml:"enabled"`
	Address   string        `yaml:"address"`
	JWTSecret string        `yaml:"jwt-secret"`
	TokenTTL  time.Duration `yaml:"token-ttl"`
}

// Backtesting runs the simulated exchanges over generated history.
type Backtesting struct {
	Enabled    bool      `yaml:"enabled"`
	Start      time.Time `yaml:"start"`
	Candles    int       `yaml:"candles"`
	StartPrice float64   `yaml:"start-price"`
	Step       float64   `yaml:"step"`
	Seed       int64     `yaml:"seed"`
}

// Default returns the values used for keys the file leaves out.
func Default() Config {
	return Config{
		Trading: Trading{
			ReferenceMarket:             "USDT",
			Risk:                        0.5,
			SaveCancelledOrdersAsTrades: true,
		},
		TimeFrames: TimeFrames{"1h"},
		Storage: Storage{
			Path:             "./data/trading.db",
			SnapshotInterval: time.Minute,
		},
		Logging: logger.Config{Level: "info", Encoding: "json"},
		API: API{
			Address:  ":8080",
			TokenTTL: 24 * time.Hour,
		},
		Backtesting: Backtesting{
			Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Candles:    1440,
			StartPrice: 100,
			Step:       0.5,
		},
	}
}

// Load reads path, overlays environment secrets and validates the result.
// envFiles are loaded with godotenv first; missing files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	loadEnvFiles(envFiles...)
	return Parse(f)
}

// Parse decodes r and applies the environment overlay.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Wrap(errs.InvalidArgument, err, "decode config")
	}
	cfg.applyEnv()
	if err := cfg.openSecrets(os.Getenv(SealingKeyEnv)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles(files ...string) {
	for _, f := range files {
		// Ignore error so the engine still starts when a .env is missing.
		_ = godotenv.Load(f)
	}
}

// EnvName maps an exchange name to its environment prefix:
// "binance-us" becomes "EXCHANGE_BINANCE_US".
func EnvName(exchange string) string {
	var b strings.Builder
	b.WriteString("EXCHANGE_")
	for _, r := range strings.ToUpper(exchange) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (c *Config) applyEnv() {
	for name, ex := range c.Exchanges {
		prefix := EnvName(name)
		ex.APIKey = getEnv(prefix+"_API_KEY", ex.APIKey)
		ex.APISecret = getEnv(prefix+"_API_SECRET", ex.APISecret)
		ex.APIPassword = getEnv(prefix+"_API_PASSWORD", ex.APIPassword)
		c.Exchanges[name] = ex
	}
	c.API.JWTSecret = getEnv("TRADING_ENGINE_JWT_SECRET", c.API.JWTSecret)
	c.Storage.Path = getEnv("TRADING_ENGINE_DB_PATH", c.Storage.Path)
}

// SealingKeyEnv holds the base64 key opening sealed credentials.
const SealingKeyEnv = "TRADING_ENGINE_SEALING_KEY"

// openSecrets decrypts the exchange credentials sealed with pkg/secret.
func (c *Config) openSecrets(key string) error {
	var sealer *secret.Sealer
	open := func(name, field string, v *string) error {
		if !secret.IsSealed(*v) {
			return nil
		}
		if sealer == nil {
			if key == "" {
				return errs.New(errs.InvalidArgument, "exchanges.%s.%s is sealed but %s is not set", name, field, SealingKeyEnv)
			}
			s, err := secret.NewSealerFromBase64(key, secret.Version(*v))
			if err != nil {
				return errs.Wrap(errs.InvalidArgument, err, "sealing key")
			}
			sealer = s
		}
		plain, err := sealer.Open(*v)
		if err != nil {
			return errs.Wrap(errs.InvalidArgument, err, "exchanges.%s.%s", name, field)
		}
		*v = plain
		return nil
	}

	for name, ex := range c.Exchanges {
		if err := open(name, "api-key", &ex.APIKey); err != nil {
			return err
		}
		if err := open(name, "api-secret", &ex.APISecret); err != nil {
			return err
		}
		if err := open(name, "api-password", &ex.APIPassword); err != nil {
			return err
		}
		c.Exchanges[name] = ex
	}
	return nil
}

// Validate checks the values the engine cannot start with.
func (c *Config) Validate() error {
	if c.Trading.Risk < 0 || c.Trading.Risk > 1 {
		return errs.New(errs.InvalidArgument, "trading.risk must be within [0, 1], got %v", c.Trading.Risk)
	}
	if c.TraderSimulator.Fees.Maker < 0 || c.TraderSimulator.Fees.Taker < 0 {
		return errs.New(errs.InvalidArgument, "trader-simulator.fees must not be negative")
	}
	for name, cur := range c.CryptoCurrencies {
		if cur.HasWildcard() && cur.Quote == "" {
			return errs.New(errs.InvalidArgument, "crypto-currencies.%s: wildcard pairs require a quote", name)
		}
	}
	if _, err := c.TimeFrames.Parse(); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "time-frame")
	}
	for name, ex := range c.Exchanges {
		switch ex.Mode {
		case "", "spot", "futures", "options":
		default:
			return errs.New(errs.InvalidArgument, "exchanges.%s.mode: unknown mode %q", name, ex.Mode)
		}
	}
	if c.Backtesting.Enabled && c.Backtesting.Candles <= 0 {
		return errs.New(errs.InvalidArgument, "backtesting.candles must be positive")
	}
	if c.API.Enabled && c.API.JWTSecret == "" {
		return errs.New(errs.InvalidArgument, "api.jwt-secret is required when the api is enabled")
	}
	return nil
}

// TradingEnabled reports whether any trader, real or simulated, runs. A real
// trader takes precedence when both are set.
func (c *Config) TradingEnabled() bool {
	return c.Trader.Enabled || c.TraderSimulator.Enabled
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
