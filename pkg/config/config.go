// Package config loads the demeter configuration from defaults, an optional
// config file, a .env file and DEMETER_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/demeter-mobility/demeter/pkg/persephone"
	"github.com/demeter-mobility/demeter/pkg/persephone/evaluator"
)

const EnvPrefix = "DEMETER"

type DataConfig struct {
	SeriesPath string `mapstructure:"series_path" validate:"required"`
	RawDir     string `mapstructure:"raw_dir" validate:"required"`
	CacheDir   string `mapstructure:"cache_dir" validate:"required"`
	Years      []int  `mapstructure:"years" validate:"required,min=1,dive,gte=2010,lte=2100"`
	Source     string `mapstructure:"source" validate:"oneof=csv redis local"`
	HistoryDir string `mapstructure:"history_dir"`
}

type SplitConfig struct {
	TrainEnd string `mapstructure:"train_end" validate:"required"`
	ValEnd   string `mapstructure:"val_end" validate:"required"`
}

type NaiveConfig struct {
	Seasonality int `mapstructure:"seasonality" validate:"gt=0"`
}

type EvaluationConfig struct {
	WorstK     int                   `mapstructure:"worst_k" validate:"gt=0"`
	Conditions []evaluator.Condition `mapstructure:"conditions" validate:"dive"`
}

type ResultsConfig struct {
	Dir       string `mapstructure:"dir" validate:"required"`
	Format    string `mapstructure:"format" validate:"oneof=json yaml"`
	SaveModel bool   `mapstructure:"save_model"`
}

type FetchConfig struct {
	Backend     string  `mapstructure:"backend" validate:"oneof=s3 http"`
	Bucket      string  `mapstructure:"bucket"`
	Region      string  `mapstructure:"region"`
	Endpoint    string  `mapstructure:"endpoint"`
	BaseURL     string  `mapstructure:"base_url" validate:"omitempty,url"`
	Concurrency int     `mapstructure:"concurrency" validate:"gt=0"`
	RatePerSec  float64 `mapstructure:"rate_per_sec" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Password string `mapstructure:"password"`
}

type PrometheusConfig struct {
	Address string `mapstructure:"address" validate:"omitempty,url"`
	Query   string `mapstructure:"query"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=auto json text"`
}

type Config struct {
	Data        DataConfig             `mapstructure:"data"`
	Split       SplitConfig            `mapstructure:"split"`
	Naive       NaiveConfig            `mapstructure:"naive"`
	Boost       persephone.BoostConfig `mapstructure:"boost"`
	Evaluation  EvaluationConfig       `mapstructure:"evaluation"`
	Results     ResultsConfig          `mapstructure:"results"`
	Fetch       FetchConfig            `mapstructure:"fetch"`
	Redis       RedisConfig            `mapstructure:"redis"`
	Prometheus  PrometheusConfig       `mapstructure:"prometheus"`
	Log         LogConfig              `mapstructure:"log"`
	MetricsFile string                 `mapstructure:"metrics_file"`

	settings map[string]any
}

// ConfigError reports which loading stage failed.
type ConfigError struct {
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.series_path", "data/processed/bikeshare_aggregated.csv")
	v.SetDefault("data.raw_dir", "data/raw/csv")
	v.SetDefault("data.cache_dir", "data/raw/zips")
	v.SetDefault("data.years", []int{2024, 2025})
	v.SetDefault("data.source", "csv")
	v.SetDefault("data.history_dir", "data/history")

	v.SetDefault("split.train_end", persephone.DefaultTrainEnd)
	v.SetDefault("split.val_end", persephone.DefaultValEnd)
	v.SetDefault("naive.seasonality", persephone.DefaultSeasonality)

	boost := persephone.DefaultBoostConfig()
	v.SetDefault("boost.learning_rate", boost.Params.LearningRate)
	v.SetDefault("boost.num_leaves", boost.Params.NumLeaves)
	v.SetDefault("boost.max_bin", boost.Params.MaxBin)
	v.SetDefault("boost.min_data_in_leaf", boost.Params.MinDataInLeaf)
	v.SetDefault("boost.min_sum_hessian", boost.Params.MinSumHessian)
	v.SetDefault("boost.lambda", boost.Params.Lambda)
	v.SetDefault("boost.feature_fraction", boost.Params.FeatureFraction)
	v.SetDefault("boost.bagging_fraction", boost.Params.BaggingFraction)
	v.SetDefault("boost.bagging_freq", boost.Params.BaggingFreq)
	v.SetDefault("boost.seed", boost.Params.Seed)
	v.SetDefault("boost.workers", 0)
	v.SetDefault("boost.max_rounds", boost.MaxRounds)
	v.SetDefault("boost.patience", boost.Patience)
	v.SetDefault("boost.fallback_rounds", boost.FallbackRounds)
	v.SetDefault("boost.target", boost.Target)

	conds := make([]map[string]any, 0, 3)
	for _, c := range evaluator.DefaultConditions() {
		conds = append(conds, map[string]any{"name": c.Name, "expr": c.Expr})
	}
	v.SetDefault("evaluation.worst_k", evaluator.DefaultWorstK)
	v.SetDefault("evaluation.conditions", conds)

	v.SetDefault("results.dir", "results")
	v.SetDefault("results.format", "json")
	v.SetDefault("results.save_model", true)

	v.SetDefault("fetch.backend", "http")
	v.SetDefault("fetch.bucket", "capitalbikeshare-data")
	v.SetDefault("fetch.region", "us-east-1")
	v.SetDefault("fetch.endpoint", "")
	v.SetDefault("fetch.base_url", "https://s3.amazonaws.com/capitalbikeshare-data")
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.rate_per_sec", 2.0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")

	v.SetDefault("prometheus.address", "")
	v.SetDefault("prometheus.query", persephone.DefaultDemandQuery)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("metrics_file", "")
}

// Load reads the configuration. An empty path searches ./demeter.{yaml,toml,json}
// and $HOME/.demeter/ and tolerates a missing file; an explicit path must exist.
func Load(path string) (*Config, error) {
	// a missing .env is fine; it never overrides the real environment
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Stage: "read", Err: err}
		}
	} else {
		v.SetConfigName("demeter")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.demeter")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, &ConfigError{Stage: "read", Err: err}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Stage: "decode", Err: err}
	}
	cfg.settings = v.AllSettings()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file or environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	cfg.settings = v.AllSettings()
	return &cfg
}

// Settings returns the merged key/value view the configuration was decoded
// from, nested by key segment.
func (c *Config) Settings() map[string]any {
	return c.settings
}

// Lookup returns the value of a dotted key such as "boost.patience".
func (c *Config) Lookup(key string) (any, bool) {
	var cur any = c.settings
	for _, part := range strings.Split(strings.ToLower(key), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Validate checks field ranges, the split cutoffs and the condition expressions.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &ConfigError{Stage: "validate", Err: err}
	}
	if _, _, err := c.SplitBounds(); err != nil {
		return &ConfigError{Stage: "validate", Err: err}
	}
	if err := c.Boost.Params.Validate(); err != nil {
		return &ConfigError{Stage: "validate", Err: err}
	}
	if _, err := c.ConditionSet(); err != nil {
		return &ConfigError{Stage: "validate", Err: err}
	}
	return nil
}

// SplitBounds parses the train and validation cutoffs. Their order is checked
// by persephone.Split.
func (c *Config) SplitBounds() (trainEnd, valEnd time.Time, err error) {
	if trainEnd, err = persephone.ParseCutoff(c.Split.TrainEnd); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("split.train_end: %w", err)
	}
	if valEnd, err = persephone.ParseCutoff(c.Split.ValEnd); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("split.val_end: %w", err)
	}
	return trainEnd, valEnd, nil
}

// ConditionSet compiles the configured robustness conditions, falling back to
// the defaults when none are configured.
func (c *Config) ConditionSet() (*evaluator.ConditionSet, error) {
	if len(c.Evaluation.Conditions) == 0 {
		return evaluator.NewConditionSet(evaluator.DefaultConditions())
	}
	return evaluator.NewConditionSet(c.Evaluation.Conditions)
}

// ResultPath is where the metrics of the named run are written.
func (c *Config) ResultPath(name string) string {
	return filepath.Join(c.Results.Dir, name+"_metrics."+c.Results.Format)
}
