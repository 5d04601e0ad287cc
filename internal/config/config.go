package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Source    S3Config  `yaml:"source"`
	Target    S3Config  `yaml:"target"`
	Migration Migration `yaml:"migration"`
	Core      Core      `yaml:"core"`
	LogLevel  string    `yaml:"log_level"`
}

// S3Config represents S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// Migration represents migration-specific configuration.
type Migration struct {
	ID                 string `yaml:"id"`
	Bucket             string `yaml:"bucket"`
	Prefix             string `yaml:"prefix"`
	TargetBucket       string `yaml:"target_bucket"`
	Concurrency        int    `yaml:"concurrency"`
	MultipartThreshold int64  `yaml:"multipart_threshold"`
	PartSize           int64  `yaml:"part_size"`
	DryRun             bool   `yaml:"dry_run"`
	SkipExisting       bool   `yaml:"skip_existing"`
	Resume             bool   `yaml:"resume"`
	ShowProgress       bool   `yaml:"show_progress"`
}

// Core holds the coordination-layer settings: lock, checkpoint, change log
// and retry behavior.
type Core struct {
	StateDB                  string `yaml:"state_db"`
	ChangelogDir             string `yaml:"changelog_dir"`
	BackupDir                string `yaml:"backup_dir"`
	MaxRetries               int    `yaml:"max_retries"`
	RetryBackoffMs           int    `yaml:"retry_backoff_ms"`
	LockTimeoutS             int    `yaml:"lock_timeout_s"`
	LockAcquireTimeoutS      int    `yaml:"lock_acquire_timeout_s"`
	LockPollMs               int    `yaml:"lock_poll_ms"`
	CheckpointRetentionHours int    `yaml:"checkpoint_retention_hours"`
	CheckpointEveryN         int    `yaml:"checkpoint_every_n"`
	ChangelogFlushEvery      int    `yaml:"changelog_flush_every"`
}

// Load loads configuration from file and command line flags.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Migration: Migration{
			Concurrency:        16,
			MultipartThreshold: 104857600, // 100MB
			PartSize:           67108864,  // 64MB
			SkipExisting:       true,
			ShowProgress:       true,
		},
		Core: Core{
			StateDB:                  "./migration_state.db",
			ChangelogDir:             "./changelogs",
			BackupDir:                "./backups",
			MaxRetries:               5,
			RetryBackoffMs:           500,
			LockTimeoutS:             300,
			LockAcquireTimeoutS:      30,
			LockPollMs:               250,
			CheckpointRetentionHours: 168,
			CheckpointEveryN:         500,
			ChangelogFlushEvery:      100,
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		loadFromFlags(cfg, flags)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) {
	stringFlags := map[string]*string{
		"src-endpoint":    &cfg.Source.Endpoint,
		"src-access-key":  &cfg.Source.AccessKey,
		"src-secret-key":  &cfg.Source.SecretKey,
		"dst-endpoint":    &cfg.Target.Endpoint,
		"dst-access-key":  &cfg.Target.AccessKey,
		"dst-secret-key":  &cfg.Target.SecretKey,
		"migration-id":    &cfg.Migration.ID,
		"bucket":          &cfg.Migration.Bucket,
		"prefix":          &cfg.Migration.Prefix,
		"target-bucket":   &cfg.Migration.TargetBucket,
		"state-db":        &cfg.Core.StateDB,
		"changelog-dir":   &cfg.Core.ChangelogDir,
		"backup-dir":      &cfg.Core.BackupDir,
		"log-level":      &cfg.LogLevel,
	}
	for name, dst := range stringFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	boolFlags := map[string]*bool{
		"src-secure":    &cfg.Source.Secure,
		"dst-secure":    &cfg.Target.Secure,
		"dry-run":       &cfg.Migration.DryRun,
		"skip-existing": &cfg.Migration.SkipExisting,
		"resume":        &cfg.Migration.Resume,
		"show-progress": &cfg.Migration.ShowProgress,
	}
	for name, dst := range boolFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	intFlags := map[string]*int{
		"concurrency":                &cfg.Migration.Concurrency,
		"retries":                    &cfg.Core.MaxRetries,
		"retry-backoff-ms":           &cfg.Core.RetryBackoffMs,
		"lock-timeout":               &cfg.Core.LockTimeoutS,
		"lock-acquire-timeout":       &cfg.Core.LockAcquireTimeoutS,
		"checkpoint-retention-hours": &cfg.Core.CheckpointRetentionHours,
		"checkpoint-every":           &cfg.Core.CheckpointEveryN,
		"changelog-flush-every":      &cfg.Core.ChangelogFlushEvery,
	}
	for name, dst := range intFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}

	int64Flags := map[string]*int64{
		"multipart-threshold": &cfg.Migration.MultipartThreshold,
		"part-size":           &cfg.Migration.PartSize,
	}
	for name, dst := range int64Flags {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt64(name)
		}
	}
}

func (c *Config) validate() error {
	if c.Source.Endpoint == "" {
		return fmt.Errorf("source endpoint is required")
	}
	if c.Source.AccessKey == "" {
		return fmt.Errorf("source access key is required")
	}
	if c.Source.SecretKey == "" {
		return fmt.Errorf("source secret key is required")
	}

	if c.Target.Endpoint == "" {
		return fmt.Errorf("target endpoint is required")
	}
	if c.Target.AccessKey == "" {
		return fmt.Errorf("target access key is required")
	}
	if c.Target.SecretKey == "" {
		return fmt.Errorf("target secret key is required")
	}

	if c.Migration.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}

	if c.Migration.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}

	if c.Migration.PartSize < 5*1024*1024 { // 5MB minimum for S3
		return fmt.Errorf("part size must be at least 5MB")
	}

	if c.Core.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}
	if c.Core.LockTimeoutS <= 0 {
		return fmt.Errorf("lock timeout must be positive")
	}
	if c.Core.ChangelogFlushEvery <= 0 {
		return fmt.Errorf("changelog flush threshold must be positive")
	}

	return nil
}
