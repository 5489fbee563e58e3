// Package config loads the hyperforge configuration using Viper. Values come
// from a YAML file, overridden by HYPERFORGE_* environment variables. A .env
// file is loaded into the environment first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/raykavin/hyperforge/pkg/combo"
	"github.com/raykavin/hyperforge/pkg/requirements"
	"github.com/raykavin/hyperforge/pkg/runner"
	"github.com/raykavin/hyperforge/pkg/stats"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
)

// Constants for configuration
const (
	EnvPrefix          = "HYPERFORGE"
	DefaultConfigName  = "hyperforge"
	DefaultStoragePath = "./hyperforge.db"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the application configuration
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Freqtrade    FreqtradeConfig    `mapstructure:"freqtrade"`
	Hyperopt     HyperoptConfig     `mapstructure:"hyperopt"`
	Backtest     BacktestConfig     `mapstructure:"backtest"`
	Optimizer    OptimizerConfig    `mapstructure:"optimizer"`
	Requirements RequirementsConfig `mapstructure:"requirements"`
	Notification NotificationConfig `mapstructure:"notification"`
	Stats        StatsConfig        `mapstructure:"stats"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	TimeLayout string `mapstructure:"time_layout"`
	Colored    bool   `mapstructure:"colored"`
	JSON       bool   `mapstructure:"json"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	LogDir string `mapstructure:"log_dir"`
}

// FreqtradeConfig describes the external framework installation and the
// market every run uses.
type FreqtradeConfig struct {
	Binary      string   `mapstructure:"binary"`
	WorkDir     string   `mapstructure:"work_dir"`
	UserDir     string   `mapstructure:"user_dir"`
	ConfigFiles []string `mapstructure:"config_files"`
	Exchange    string   `mapstructure:"exchange"`
	Timeframe   string   `mapstructure:"timeframe"`
	Timerange   string   `mapstructure:"timerange"`
	Pairs       []string `mapstructure:"pairs"`
}

type HyperoptConfig struct {
	Epochs      int    `mapstructure:"epochs"`
	Loss        string `mapstructure:"loss"`
	Jobs        int    `mapstructure:"jobs"`
	MinTrades   int    `mapstructure:"min_trades"`
	MaxTrades   int    `mapstructure:"max_trades"`
	RandomState *int   `mapstructure:"random_state"`
}

type BacktestConfig struct {
	Timerange     string   `mapstructure:"timerange"`
	MaxOpenTrades int      `mapstructure:"max_open_trades"`
	StakeAmount   string   `mapstructure:"stake_amount"`
	Ensemble      []string `mapstructure:"ensemble"`
}

type OptimizerConfig struct {
	Strategy    string   `mapstructure:"strategy"`
	Trials      int      `mapstructure:"trials"`
	MaxCombo    int      `mapstructure:"max_combo"`
	Candidates  int      `mapstructure:"candidates"`
	Shuffle     bool     `mapstructure:"shuffle"`
	ExtraSpaces []string `mapstructure:"extra_spaces"`
	ExportCSV   string   `mapstructure:"export_csv"`
}

// RequirementsConfig keeps the raw threshold maps so that a missing key is
// reported instead of silently defaulting to zero.
type RequirementsConfig struct {
	Backtest map[string]float64 `mapstructure:"backtest"`
	Hyperopt map[string]float64 `mapstructure:"hyperopt"`
}

type TelegramConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Token   string  `mapstructure:"token"`
	Users   []int64 `mapstructure:"users"`
}

type MailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	Password string `mapstructure:"password"`
}

type NotificationConfig struct {
	Telegram   TelegramConfig `mapstructure:"telegram"`
	Mail       MailConfig     `mapstructure:"mail"`
	Retries    int            `mapstructure:"retries"`
	RetryDelay string         `mapstructure:"retry_delay"`
}

type StatsConfig struct {
	NotifyEvery int   `mapstructure:"notify_every"`
	Windows     []int `mapstructure:"windows"`
	Capacity    int   `mapstructure:"capacity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.time_layout", time.DateTime)
	v.SetDefault("log.colored", true)
	v.SetDefault("log.json", false)

	v.SetDefault("storage.driver", "bunt")
	v.SetDefault("storage.path", DefaultStoragePath)
	v.SetDefault("storage.log_dir", "./logs")

	v.SetDefault("freqtrade.binary", "freqtrade")
	v.SetDefault("freqtrade.work_dir", ".")
	v.SetDefault("freqtrade.user_dir", "user_data")
	v.SetDefault("freqtrade.config_files", []string{"config.json"})
	v.SetDefault("freqtrade.exchange", "")
	v.SetDefault("freqtrade.timeframe", "")
	v.SetDefault("freqtrade.timerange", "")
	v.SetDefault("freqtrade.pairs", []string{})

	v.SetDefault("hyperopt.epochs", 100)
	v.SetDefault("hyperopt.loss", "SharpeHyperOptLossDaily")
	v.SetDefault("hyperopt.jobs", -1)
	v.SetDefault("hyperopt.min_trades", 1)
	v.SetDefault("hyperopt.max_trades", 0)

	v.SetDefault("backtest.timerange", "")
	v.SetDefault("backtest.max_open_trades", 0)
	v.SetDefault("backtest.stake_amount", "")
	v.SetDefault("backtest.ensemble", []string{})

	v.SetDefault("optimizer.strategy", "")
	v.SetDefault("optimizer.trials", 10)
	v.SetDefault("optimizer.max_combo", combo.DefaultMaxCombo)
	v.SetDefault("optimizer.candidates", combo.DefaultCandidates)
	v.SetDefault("optimizer.shuffle", false)
	v.SetDefault("optimizer.extra_spaces", []string{})
	v.SetDefault("optimizer.export_csv", "")

	v.SetDefault("notification.telegram.enabled", false)
	v.SetDefault("notification.telegram.token", "")
	v.SetDefault("notification.telegram.users", []int64{})
	v.SetDefault("notification.mail.enabled", false)
	v.SetDefault("notification.mail.server", "")
	v.SetDefault("notification.mail.port", 587)
	v.SetDefault("notification.mail.from", "")
	v.SetDefault("notification.mail.to", "")
	v.SetDefault("notification.mail.password", "")
	v.SetDefault("notification.retries", 3)
	v.SetDefault("notification.retry_delay", "1s")

	v.SetDefault("stats.notify_every", stats.DefaultNotifyEvery)
	v.SetDefault("stats.windows", []int{5, 20})
	v.SetDefault("stats.capacity", stats.DefaultCapacity)
}

// Load reads the configuration. An empty path searches for hyperforge.yaml in
// the working directory; a missing file is not an error in that case. envFile
// names a dotenv file to preload, ignored when absent.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects values that cannot work before anything is opened.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "bunt", "buntdb", "sqlite":
	default:
		errs = append(errs, invalid("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Optimizer.MaxCombo <= 0 {
		errs = append(errs, invalid("optimizer.max_combo must be positive, got %d", c.Optimizer.MaxCombo))
	}
	if c.Notification.Telegram.Enabled && (c.Notification.Telegram.Token == "" || len(c.Notification.Telegram.Users) == 0) {
		errs = append(errs, invalid("notification.telegram needs a token and at least one user"))
	}
	if _, err := c.RetryDelay(); err != nil {
		errs = append(errs, invalid("notification.retry_delay: %v", err))
	}
	return errors.Join(errs...)
}

// ValidateOptimize adds the checks a search session needs, before any
// external process is started.
func (c *Config) ValidateOptimize() error {
	errs := []error{c.Validate()}

	if c.Optimizer.Strategy == "" {
		errs = append(errs, invalid("optimizer.strategy is empty"))
	}
	if c.Optimizer.Trials <= 0 {
		errs = append(errs, invalid("optimizer.trials must be positive, got %d", c.Optimizer.Trials))
	}
	if c.Optimizer.Candidates <= 0 {
		errs = append(errs, invalid("optimizer.candidates must be positive, got %d", c.Optimizer.Candidates))
	}
	if c.Hyperopt.Epochs <= 0 {
		errs = append(errs, invalid("hyperopt.epochs must be positive, got %d", c.Hyperopt.Epochs))
	}
	if _, err := c.BacktestRequirements(); err != nil {
		errs = append(errs, fmt.Errorf("requirements.backtest: %w", err))
	}
	if _, err := c.HyperoptRequirements(); err != nil {
		errs = append(errs, fmt.Errorf("requirements.hyperopt: %w", err))
	}
	return errors.Join(errs...)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (c *Config) BacktestRequirements() (requirements.Set, error) {
	return requirements.FromMap(c.Requirements.Backtest)
}

func (c *Config) HyperoptRequirements() (requirements.Set, error) {
	return requirements.FromMap(c.Requirements.Hyperopt)
}

// RetryDelay parses the notification retry delay, e.g. "500ms" or "2s".
func (c *Config) RetryDelay() (time.Duration, error) {
	return ParseDuration(c.Notification.RetryDelay)
}

// ParseDuration accepts day and week units on top of the usual ones ("7d").
func ParseDuration(s string) (time.Duration, error) {
	return str2duration.ParseDuration(s)
}

// Runner returns the process settings shared by both runners.
func (c *Config) Runner() runner.Config {
	return runner.Config{
		Binary:      c.Freqtrade.Binary,
		WorkDir:     c.Freqtrade.WorkDir,
		UserDir:     c.Freqtrade.UserDir,
		ConfigFiles: c.Freqtrade.ConfigFiles,
		LogDir:      c.Storage.LogDir,
	}
}

// HyperoptBase returns the parameters every generated combination starts from.
// Config files are passed by the runner, so none are added per run.
func (c *Config) HyperoptBase() combo.HyperoptParameters {
	return combo.HyperoptParameters{
		Strategy:    c.Optimizer.Strategy,
		Epochs:      c.Hyperopt.Epochs,
		Loss:        c.Hyperopt.Loss,
		Timeframe:   c.Freqtrade.Timeframe,
		Timerange:   c.Freqtrade.Timerange,
		Exchange:    c.Freqtrade.Exchange,
		Pairs:       c.Freqtrade.Pairs,
		Jobs:        c.Hyperopt.Jobs,
		MinTrades:   c.Hyperopt.MinTrades,
		MaxTrades:   c.Hyperopt.MaxTrades,
		RandomState: c.Hyperopt.RandomState,
	}
}

// BacktestBase returns the validation backtest configuration. The backtest
// timerange falls back to the hyperopt one.
func (c *Config) BacktestBase() combo.BacktestParameters {
	timerange := c.Backtest.Timerange
	if timerange == "" {
		timerange = c.Freqtrade.Timerange
	}
	return combo.BacktestParameters{
		Strategy:      c.Optimizer.Strategy,
		Timeframe:     c.Freqtrade.Timeframe,
		Timerange:     timerange,
		Exchange:      c.Freqtrade.Exchange,
		Pairs:         c.Freqtrade.Pairs,
		Ensemble:      c.Backtest.Ensemble,
		MaxOpenTrades: c.Backtest.MaxOpenTrades,
		StakeAmount:   c.Backtest.StakeAmount,
	}
}
