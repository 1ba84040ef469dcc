package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/robust-eval/go-controller/internal/report"
	"github.com/danielpatrickdp/robust-eval/go-controller/internal/state"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROBUST_EVAL_"

// #region config
// Config describes one evaluation run.
type Config struct {
	// Attacks are run in this order; duplicates are ignored.
	Attacks        []string      `yaml:"attacks"`
	CheckpointPath string        `yaml:"checkpoint_path"`
	SaveTimeout    time.Duration `yaml:"save_timeout"`

	AttackAddr    string        `yaml:"attack_addr"`
	AttackTimeout time.Duration `yaml:"attack_timeout"`
	MaxRetries    int           `yaml:"max_retries"`

	HistoryDriver string `yaml:"history_driver"` // "sqlite" | "postgres" | "" (disabled)
	HistoryDSN    string `yaml:"history_dsn"`

	StatusAddr string `yaml:"status_addr"`

	Thresholds report.Thresholds `yaml:"thresholds"`
}

// Default returns the configuration used when a field is not set.
func Default() Config {
	return Config{
		Attacks:        []string{"apgd-ce", "apgd-t", "fab-t", "square"},
		CheckpointPath: "evaluation_state.json",
		SaveTimeout:    state.DefaultSaveTimeout,
		AttackAddr:     "localhost:50061",
		AttackTimeout:  30 * time.Minute,
		MaxRetries:     2,
		HistoryDriver:  "sqlite",
		HistoryDSN:     "evaluation_history.db",
		StatusAddr:     "localhost:8088",
		Thresholds:     report.DefaultThresholds(),
	}
}

// #endregion config

// #region load
// Load reads a YAML run file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ROBUST_EVAL_* variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("ATTACKS"); ok {
		c.Attacks = splitList(v)
	}
	if v, ok := get("CHECKPOINT_PATH"); ok {
		c.CheckpointPath = v
	}
	if v, ok := get("ATTACK_ADDR"); ok {
		c.AttackAddr = v
	}
	if v, ok := get("HISTORY_DRIVER"); ok {
		c.HistoryDriver = v
	}
	if v, ok := get("HISTORY_DSN"); ok {
		c.HistoryDSN = v
	}
	if v, ok := get("STATUS_ADDR"); ok {
		c.StatusAddr = v
	}
	if v, ok := get("SAVE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSAVE_TIMEOUT: %w", EnvPrefix, err)
		}
		c.SaveTimeout = d
	}
	if v, ok := get("ATTACK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sATTACK_TIMEOUT: %w", EnvPrefix, err)
		}
		c.AttackTimeout = d
	}
	if v, ok := get("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_RETRIES: %w", EnvPrefix, err)
		}
		c.MaxRetries = n
	}
	return nil
}

// #endregion load

// #region validate
// Validate checks the configuration for values the runner cannot use.
func (c Config) Validate() error {
	var errs []error
	if len(c.Attacks) == 0 {
		errs = append(errs, errors.New("at least one attack is required"))
	}
	for _, a := range c.Attacks {
		if strings.TrimSpace(a) == "" {
			errs = append(errs, errors.New("attack names must not be empty"))
			break
		}
	}
	if c.SaveTimeout < 0 {
		errs = append(errs, errors.New("save_timeout must not be negative"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	switch c.HistoryDriver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported history_driver %q", c.HistoryDriver))
	}
	if c.HistoryDriver != "" && c.HistoryDSN == "" {
		errs = append(errs, errors.New("history_dsn is required when history_driver is set"))
	}
	if c.Thresholds.MinCleanAccuracy < 0 || c.Thresholds.MinCleanAccuracy > 1 ||
		c.Thresholds.MinRobustAccuracy < 0 || c.Thresholds.MinRobustAccuracy > 1 {
		errs = append(errs, errors.New("thresholds must lie in [0, 1]"))
	}
	return errors.Join(errs...)
}

// AttackSet returns the configured attacks as a set.
func (c Config) AttackSet() state.AttackSet {
	return state.NewAttackSet(c.Attacks...)
}

// #endregion validate

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
