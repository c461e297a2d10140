package infra

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"trading_bot/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	ExecutionModePaper = "paper"
	ExecutionModeREST  = "rest"
)

// Amount is a decimal that can be written in YAML either as a number or a string.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps a decimal.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// UnmarshalYAML parses the scalar without going through float64.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid amount %q: %w", value.Line, raw, err)
	}
	a.Decimal = d
	return nil
}

// RiskConfig is the reloadable part of the configuration.
type RiskConfig struct {
	MaxPositionPerInstrument Amount `yaml:"max_position_per_instrument" mapstructure:"max_position_per_instrument"`
	MaxOrderNotional         Amount `yaml:"max_order_notional" mapstructure:"max_order_notional"`
	MaxOpenOrders            int    `yaml:"max_open_orders" mapstructure:"max_open_orders"`
}

// Limits converts the section into domain limits.
func (r RiskConfig) Limits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxPositionPerInstrument: r.MaxPositionPerInstrument.Decimal,
		MaxOrderNotional:         r.MaxOrderNotional.Decimal,
		MaxOpenOrders:            r.MaxOpenOrders,
	}
}

// StrategyConfig selects one strategy variant.
type StrategyConfig struct {
	Kind        string             `yaml:"kind"`
	Name        string             `yaml:"name"`
	Instruments []string           `yaml:"instruments"` // empty: all feed instruments
	Quantity    Amount             `yaml:"quantity"`
	Params      map[string]float64 `yaml:"params"`
}

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		URL                  string        `yaml:"url"`
		Token                string        `yaml:"token"`
		Instruments          []string      `yaml:"instruments"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
		ReconnectBackoffBase time.Duration `yaml:"reconnect_backoff_base"`
		ReconnectBackoffCap  time.Duration `yaml:"reconnect_backoff_cap"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	} `yaml:"feed"`

	Risk RiskConfig `yaml:"risk"`

	Sequencer struct {
		BackpressureThreshold int           `yaml:"backpressure_threshold"`
		BackpressureWait      time.Duration `yaml:"backpressure_wait"`
		SequenceGapTolerance  uint64        `yaml:"sequence_gap_tolerance"`
	} `yaml:"sequencer"`

	Execution struct {
		Mode             string        `yaml:"mode"` // "paper" or "rest"
		RestURL          string        `yaml:"rest_url"`
		APIKey           string        `yaml:"api_key"`
		APISecret        string        `yaml:"api_secret"`
		Passphrase       string        `yaml:"passphrase"`
		Workers          int           `yaml:"workers"`
		SubmitRetries    int           `yaml:"submit_retries"`
		RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
		RetryBackoffCap  time.Duration `yaml:"retry_backoff_cap"`
		DrainTimeout     time.Duration `yaml:"drain_timeout"`
		PaperFillDelay   time.Duration `yaml:"paper_fill_delay"`
	} `yaml:"execution"`

	Strategies []StrategyConfig `yaml:"strategies"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	HTTP struct {
		Addr string `yaml:"addr"` // empty disables the operator endpoint
	} `yaml:"http"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.ConfigError{Field: "path", Err: fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)}
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes, applies env overrides and defaults, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &domain.ConfigError{Field: "yaml", Err: err}
	}

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.HeartbeatInterval <= 0 {
		c.Feed.HeartbeatInterval = 5 * time.Second
	}
	if c.Feed.HeartbeatTimeout <= 0 {
		c.Feed.HeartbeatTimeout = 15 * time.Second
	}
	if c.Feed.ReconnectBackoffBase <= 0 {
		c.Feed.ReconnectBackoffBase = 500 * time.Millisecond
	}
	if c.Feed.ReconnectBackoffCap <= 0 {
		c.Feed.ReconnectBackoffCap = 30 * time.Second
	}
	if c.Feed.MaxReconnectAttempts <= 0 {
		c.Feed.MaxReconnectAttempts = 10
	}
	if c.Sequencer.BackpressureThreshold <= 0 {
		c.Sequencer.BackpressureThreshold = 1024
	}
	if c.Sequencer.BackpressureWait < 0 {
		c.Sequencer.BackpressureWait = 0
	}
	if c.Sequencer.SequenceGapTolerance == 0 {
		c.Sequencer.SequenceGapTolerance = 8
	}
	if c.Execution.Mode == "" {
		c.Execution.Mode = ExecutionModePaper
	}
	if c.Execution.Workers <= 0 {
		c.Execution.Workers = 4
	}
	if c.Execution.SubmitRetries <= 0 {
		c.Execution.SubmitRetries = 3
	}
	if c.Execution.RetryBackoffBase <= 0 {
		c.Execution.RetryBackoffBase = 100 * time.Millisecond
	}
	if c.Execution.RetryBackoffCap <= 0 {
		c.Execution.RetryBackoffCap = 2 * time.Second
	}
	if c.Execution.DrainTimeout <= 0 {
		c.Execution.DrainTimeout = 5 * time.Second
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/trading.db"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 28
	}
	for i, inst := range c.Feed.Instruments {
		c.Feed.Instruments[i] = NormalizeInstrument(inst)
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.Feed.URL, "ws://") && !hasPrefix(c.Feed.URL, "wss://") {
		return &domain.ConfigError{Field: "feed.url", Err: fmt.Errorf("must start with ws:// or wss://, got %q", c.Feed.URL)}
	}
	if strings.TrimSpace(c.Feed.Token) == "" {
		return &domain.ConfigError{Field: "feed.token", Err: errors.New("missing credentials")}
	}
	if len(c.Feed.Instruments) == 0 {
		return &domain.ConfigError{Field: "feed.instruments", Err: errors.New("at least one instrument is required")}
	}
	for _, inst := range c.Feed.Instruments {
		if inst == "" {
			return &domain.ConfigError{Field: "feed.instruments", Err: domain.ErrInvalidInstrument}
		}
	}
	if c.Feed.ReconnectBackoffCap < c.Feed.ReconnectBackoffBase {
		return &domain.ConfigError{Field: "feed.reconnect_backoff_cap", Err: errors.New("must be >= reconnect_backoff_base")}
	}
	if c.Feed.HeartbeatTimeout <= c.Feed.HeartbeatInterval {
		return &domain.ConfigError{Field: "feed.heartbeat_timeout", Err: errors.New("must exceed heartbeat_interval")}
	}

	if err := c.Risk.Limits().Validate(); err != nil {
		return err
	}

	switch c.Execution.Mode {
	case ExecutionModePaper:
	case ExecutionModeREST:
		if !hasPrefix(c.Execution.RestURL, "http://") && !hasPrefix(c.Execution.RestURL, "https://") {
			return &domain.ConfigError{Field: "execution.rest_url", Err: fmt.Errorf("invalid URL %q", c.Execution.RestURL)}
		}
		if c.Execution.APIKey == "" || c.Execution.APISecret == "" {
			return &domain.ConfigError{Field: "execution.api_key", Err: errors.New("missing credentials")}
		}
	default:
		return &domain.ConfigError{Field: "execution.mode", Err: fmt.Errorf("unknown mode %q", c.Execution.Mode)}
	}

	for i, s := range c.Strategies {
		if strings.TrimSpace(s.Kind) == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("strategies[%d].kind", i), Err: errors.New("required")}
		}
	}
	return nil
}

// NormalizeInstrument trims and upper-cases an instrument id.
func NormalizeInstrument(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if token := os.Getenv("TRADING_FEED_TOKEN"); token != "" {
		cfg.Feed.Token = token
	}
	if key := os.Getenv("TRADING_API_KEY"); key != "" {
		cfg.Execution.APIKey = key
	}
	if secret := os.Getenv("TRADING_API_SECRET"); secret != "" {
		cfg.Execution.APISecret = secret
	}
	if pass := os.Getenv("TRADING_API_PASSPHRASE"); pass != "" {
		cfg.Execution.Passphrase = pass
	}
}
