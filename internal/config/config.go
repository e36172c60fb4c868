package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/srvo/dewey/pkg/config"
)

// AccountConfig is one Gmail mailbox to sync.
type AccountConfig struct {
	ID              string `yaml:"id"`
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
}

type GmailConfig struct {
	PageSize int64 `yaml:"page_size"`
	// MirrorLabels pushes rule label changes back to Gmail.
	MirrorLabels bool            `yaml:"mirror_labels"`
	Breaker      BreakerConfig   `yaml:"breaker"`
	Accounts     []AccountConfig `yaml:"accounts"`
}

// BreakerConfig guards provider calls per account.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	FetchInterval time.Duration `yaml:"fetch_interval"`
	CheckInterval time.Duration `yaml:"check_interval"`
	// FailureThreshold is the number of consecutive failed cycles before an
	// account raises an alert; 0 disables alerting.
	FailureThreshold int `yaml:"failure_threshold"`
	// TriageBatch is the page size of a triage pass; a pass drains the queue.
	TriageBatch int `yaml:"triage_batch"`
	// TriageMaxAttempts parks a message after this many failed evaluations;
	// 0 retries forever.
	TriageMaxAttempts int `yaml:"triage_max_attempts"`
	// LockTTL is the Redis sync lease TTL. The lease is renewed while a sync
	// runs.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type RulesConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	DB        config.DBConfig     `yaml:"db"`
	MQ        config.MQConfig     `yaml:"mq"`
	Redis     config.RedisConfig  `yaml:"redis"`
	Server    config.ServerConfig `yaml:"server"`
	Log       config.LogConfig    `yaml:"log"`
	Scheduler SchedulerConfig     `yaml:"scheduler"`
	Gmail     GmailConfig         `yaml:"gmail"`
	Rules     RulesConfig         `yaml:"rules"`
	Outbox    OutboxConfig        `yaml:"outbox"`
}

// Load reads CONFIG_DIR (default "config") for the CONFIG_ENV environment.
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

// LoadFrom 加载 base.yaml + <env>.yaml，环境变量优先级最高
func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := config.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideLogFromEnv(&cfg.Log)
	if v := os.Getenv("FETCH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("FETCH_INTERVAL: %w", err)
		}
		cfg.Scheduler.FetchInterval = d
	}
	if v := os.Getenv("FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("FAILURE_THRESHOLD: %w", err)
		}
		cfg.Scheduler.FailureThreshold = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the values used for keys the yaml files leave out.
func Defaults() *Config {
	return &Config{
		DB:     config.DBConfig{Driver: "sqlite", Path: "dewey.db", SlowQueryMS: 200},
		Server: config.ServerConfig{Port: "8080"},
		Log:    config.LogConfig{Level: "info"},
		Scheduler: SchedulerConfig{
			FetchInterval:     15 * time.Minute,
			CheckInterval:     30 * time.Second,
			FailureThreshold:  5,
			TriageBatch:       100,
			TriageMaxAttempts: 5,
			LockTTL:           10 * time.Minute,
		},
		Gmail: GmailConfig{
			PageSize: 100,
			Breaker:  BreakerConfig{FailureThreshold: 5, Timeout: 5 * time.Minute},
		},
		Rules:  RulesConfig{File: "config/rules.yaml"},
		Outbox: OutboxConfig{Interval: 2 * time.Second, BatchSize: 50, MaxRetries: 5},
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case "postgres", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("db.driver: unknown driver %q", c.DB.Driver))
	}
	if c.Scheduler.FetchInterval <= 0 {
		errs = append(errs, errors.New("scheduler.fetch_interval must be positive"))
	}
	if c.Scheduler.CheckInterval <= 0 {
		errs = append(errs, errors.New("scheduler.check_interval must be positive"))
	}
	if c.Scheduler.FailureThreshold < 0 {
		errs = append(errs, errors.New("scheduler.failure_threshold must not be negative"))
	}
	if c.Scheduler.TriageMaxAttempts < 0 {
		errs = append(errs, errors.New("scheduler.triage_max_attempts must not be negative"))
	}
	seen := make(map[string]bool, len(c.Gmail.Accounts))
	for i, a := range c.Gmail.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("gmail.accounts[%d]: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("gmail.accounts[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}

// AccountIDs lists the configured account IDs in file order.
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.Gmail.Accounts))
	for _, a := range c.Gmail.Accounts {
		ids = append(ids, a.ID)
	}
	return ids
}
