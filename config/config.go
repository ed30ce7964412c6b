/*
config.go - Runtime configuration

PURPOSE:
  Resolves the engine's configuration in priority order:
    defaults -> YAML file -> .env -> process environment

  The .env file only seeds variables that are not already set, so real
  environment variables always win.

ENVIRONMENT OVERRIDES:
  ESCROW_PORT, ESCROW_DB_PATH, ESCROW_LOG_LEVEL, ESCROW_LOG_FORMAT,
  ESCROW_TRANSFER_KIND, ESCROW_TRANSFER_URL, ESCROW_TRANSFER_API_KEY,
  ESCROW_COMMISSION_SINK, ESCROW_ADMINS (comma separated)

VALIDATION:
  Commission rates are checked here, once, at startup. A rate outside
  [0, 10000] never reaches the settlement engine.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/warp/escrow-engine/commission"
	"github.com/warp/escrow-engine/escrow"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Commission CommissionConfig `yaml:"commission"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`

	// ReclaimPeriod is how long contributors may still refund after the
	// creator initiates closure.
	ReclaimPeriod time.Duration `yaml:"reclaim_period"`
	Assets        []string      `yaml:"assets"`
	Admins        []string      `yaml:"admins"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CommissionConfig struct {
	DonationBps int64  `yaml:"donation_bps"`
	SuccessBps  int64  `yaml:"success_bps"`
	RefundBps   int64  `yaml:"refund_bps"`
	Sink        string `yaml:"sink"`
}

// TransferConfig selects the value transfer adapter. Kind "memory" keeps
// balances in process; "http" talks to a payment gateway.
type TransferConfig struct {
	Kind          string        `yaml:"kind"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	MaxTries      uint          `yaml:"max_tries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// SchedulerConfig holds cron specs. An empty spec disables the job.
type SchedulerConfig struct {
	FeeSweep         string        `yaml:"fee_sweep"`
	PendingAudit     string        `yaml:"pending_audit"`
	StatusSnapshot   string        `yaml:"status_snapshot"`
	PendingThreshold time.Duration `yaml:"pending_threshold"`
}

// envOverrides is decoded from the process environment after the file.
type envOverrides struct {
	Port           int      `env:"ESCROW_PORT"`
	DBPath         string   `env:"ESCROW_DB_PATH"`
	LogLevel       string   `env:"ESCROW_LOG_LEVEL"`
	LogFormat      string   `env:"ESCROW_LOG_FORMAT"`
	TransferKind   string   `env:"ESCROW_TRANSFER_KIND"`
	TransferURL    string   `env:"ESCROW_TRANSFER_URL"`
	TransferAPIKey string   `env:"ESCROW_TRANSFER_API_KEY"`
	CommissionSink string   `env:"ESCROW_COMMISSION_SINK"`
	Admins         []string `env:"ESCROW_ADMINS"`
}

// Default returns a configuration that runs a self-contained engine.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			AllowedOrigins: []string{"*"},
			RateLimit:      20,
			RateBurst:      40,
		},
		Database: DatabaseConfig{Path: "escrow.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Commission: CommissionConfig{
			Sink: "treasury",
		},
		Transfer: TransferConfig{
			Kind:          "memory",
			MaxTries:      4,
			RetryInterval: 200 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			FeeSweep:         "@every 1m",
			PendingAudit:     "@every 5m",
			StatusSnapshot:   "@every 30s",
			PendingThreshold: 10 * time.Minute,
		},
		ReclaimPeriod: 14 * 24 * time.Hour,
		Assets:        []string{"USDC"},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load resolves the configuration. A missing file at path is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	return load(path, ".env")
}

func load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.apply(env)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) apply(env envOverrides) {
	if env.Port > 0 {
		c.Server.Port = env.Port
	}
	if env.DBPath != "" {
		c.Database.Path = env.DBPath
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Log.Format = env.LogFormat
	}
	if env.TransferKind != "" {
		c.Transfer.Kind = env.TransferKind
	}
	if env.TransferURL != "" {
		c.Transfer.BaseURL = env.TransferURL
	}
	if env.TransferAPIKey != "" {
		c.Transfer.APIKey = env.TransferAPIKey
	}
	if env.CommissionSink != "" {
		c.Commission.Sink = env.CommissionSink
	}
	if len(env.Admins) > 0 {
		c.Admins = env.Admins
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if err := commission.ValidateConfig(c.CommissionSettings()); err != nil {
		errs = append(errs, fmt.Errorf("commission: %w", err))
	}
	if c.ReclaimPeriod <= 0 {
		errs = append(errs, errors.New("reclaim_period must be positive"))
	}
	switch c.Transfer.Kind {
	case "memory":
	case "http":
		if c.Transfer.BaseURL == "" || c.Transfer.APIKey == "" {
			errs = append(errs, errors.New("transfer: http adapter needs base_url and api_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("transfer.kind %q must be memory or http", c.Transfer.Kind))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// CommissionSettings returns the commission section in engine form.
func (c Config) CommissionSettings() escrow.CommissionConfig {
	return escrow.CommissionConfig{
		DonationBps: c.Commission.DonationBps,
		SuccessBps:  c.Commission.SuccessBps,
		RefundBps:   c.Commission.RefundBps,
		Sink:        escrow.Identity(strings.TrimSpace(c.Commission.Sink)),
	}
}

func (c Config) AssetIDs() []escrow.AssetID {
	out := make([]escrow.AssetID, 0, len(c.Assets))
	for _, a := range c.Assets {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, escrow.AssetID(a))
		}
	}
	return out
}

func (c Config) AdminIDs() []escrow.Identity {
	out := make([]escrow.Identity, 0, len(c.Admins))
	for _, a := range c.Admins {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, escrow.Identity(a))
		}
	}
	return out
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
