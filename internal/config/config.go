// Package config loads the coordinator's TOML configuration: one global
// section plus a [[repo]] table per configured repository.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Common sentinel errors returned by Load.
var (
	ErrNotFound     = errors.New("config file not found")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidValue = errors.New("invalid config value")
)

// Config is the full coordinator configuration.
type Config struct {
	Global Global `toml:"global"`
	Repos  []Repo `toml:"repo"`
}

// Global holds settings shared across all repositories.
type Global struct {
	WebhookSecret       string        `toml:"webhook_secret"`
	ForgeToken          string        `toml:"forge_token"`
	ForgeAppID          int64         `toml:"forge_app_id"`
	ForgeInstallationID int64         `toml:"forge_installation_id"`
	ForgeAppKeyPath     string        `toml:"forge_app_key_path"`
	SSHKeyPath          string        `toml:"ssh_key_path"`
	ListenAddr          string        `toml:"listen_addr"`
	SyncInterval        time.Duration `toml:"sync_interval"`
}

// Repo holds per-repository configuration.
type Repo struct {
	Owner             string        `toml:"owner"`
	Name              string        `toml:"name"`
	LocalPath         string        `toml:"local_path"`
	BaseBranch        string        `toml:"base_branch"`
	RequiredChecks    []string      `toml:"required_checks"`
	DefaultMergeMethod string       `toml:"default_merge_method"`
	AttemptTimeout    time.Duration `toml:"attempt_timeout"`
	RetryCount        int           `toml:"retry_count"`
	MaintainerLogins  []string      `toml:"maintainer_logins"`
	DryRun            bool          `toml:"dry_run"`
}

// ID returns the "owner/name" identifier used to key per-repo state.
func (r Repo) ID() string {
	return r.Owner + "/" + r.Name
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("statting config file: %w", err)
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Global.ListenAddr == "" {
		cfg.Global.ListenAddr = ":8080"
	}
	if cfg.Global.SyncInterval <= 0 {
		cfg.Global.SyncInterval = 5 * time.Minute
	}
	for i := range cfg.Repos {
		r := &cfg.Repos[i]
		if r.BaseBranch == "" {
			r.BaseBranch = "master"
		}
		if r.DefaultMergeMethod == "" {
			r.DefaultMergeMethod = "merge"
		}
		if r.AttemptTimeout <= 0 {
			r.AttemptTimeout = 2 * time.Hour
		}
		if r.RetryCount <= 0 {
			r.RetryCount = 3
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Global.WebhookSecret == "" {
		return fmt.Errorf("%w: global.webhook_secret", ErrMissingField)
	}
	if cfg.Global.ForgeToken == "" && cfg.Global.ForgeAppID == 0 {
		return fmt.Errorf("%w: global.forge_token or global.forge_app_id", ErrMissingField)
	}
	if len(cfg.Repos) == 0 {
		return fmt.Errorf("%w: at least one [[repo]] table", ErrMissingField)
	}

	seen := make(map[string]bool, len(cfg.Repos))
	for _, r := range cfg.Repos {
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("%w: repo.owner and repo.name", ErrMissingField)
		}
		if r.LocalPath == "" {
			return fmt.Errorf("%w: repo.local_path for %s", ErrMissingField, r.ID())
		}
		if len(r.RequiredChecks) == 0 {
			return fmt.Errorf("%w: repo.required_checks for %s", ErrMissingField, r.ID())
		}
		switch r.DefaultMergeMethod {
		case "merge", "squash", "rebase":
		default:
			return fmt.Errorf("%w: repo.default_merge_method %q for %s", ErrInvalidValue, r.DefaultMergeMethod, r.ID())
		}
		if seen[r.ID()] {
			return fmt.Errorf("%w: duplicate repo %s", ErrInvalidValue, r.ID())
		}
		seen[r.ID()] = true
	}

	return nil
}
