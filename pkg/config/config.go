// Copyright 2024-2026 Aiku AI

// Package config loads the YAML configuration, filling missing fields from
// the embedded example config.
package config

import (
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/filestore"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvToken overrides mattermost.token when set.
const EnvToken = "WAKEEPER_MATTERMOST_TOKEN"

const secretFileName = "action_secret"

// Config is the root configuration.
type Config struct {
	Mattermost  MattermostConfig `yaml:"mattermost"`
	AdminUserID string           `yaml:"admin_user_id"`
	DataDir     string           `yaml:"data_dir"`

	Bot      BotConfig         `yaml:"bot"`
	Archive  ArchiveConfig     `yaml:"archive"`
	WhatsApp WhatsAppConfig    `yaml:"whatsapp"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type MattermostConfig struct {
	ServerURL  string `yaml:"server_url"`
	Token      string `yaml:"token"`
	ListenAddr string `yaml:"listen_addr"`
	PublicURL  string `yaml:"public_url"`
	// ActionSecret signs button actions. Empty means a generated secret
	// stored in the data directory.
	ActionSecret   string        `yaml:"action_secret"`
	ActionTokenTTL time.Duration `yaml:"action_token_ttl"`
}

type BotConfig struct {
	CommandPrefix string `yaml:"command_prefix"`
	PageSize      int    `yaml:"page_size"`
}

type ArchiveConfig struct {
	Compress               bool `yaml:"compress"`
	PurgeOnUnexpectedClose bool `yaml:"purge_on_unexpected_close"`
}

type WhatsAppConfig struct {
	LinkTimeout time.Duration `yaml:"link_timeout"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "listen_addr")
	helper.Copy(up.Str, "mattermost", "public_url")
	helper.Copy(up.Str, "mattermost", "action_secret")
	helper.Copy(up.Str|up.Int, "mattermost", "action_token_ttl")
	helper.Copy(up.Str, "admin_user_id")
	helper.Copy(up.Str, "data_dir")
	helper.Copy(up.Str, "bot", "command_prefix")
	helper.Copy(up.Int, "bot", "page_size")
	helper.Copy(up.Bool, "archive", "compress")
	helper.Copy(up.Bool, "archive", "purge_on_unexpected_close")
	helper.Copy(up.Str|up.Int, "whatsapp", "link_timeout")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config onto the example config.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"admin_user_id"},
			{"data_dir"},
			{"bot"},
			{"archive"},
			{"whatsapp"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// Load reads the config at path. Fields missing from the file take their
// value from the example config. When save is set, the merged config is
// written back.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if token := os.Getenv(EnvToken); token != "" {
		cfg.Mattermost.Token = token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.Mattermost.ServerURL == "" {
		errs = append(errs, errors.New("mattermost.server_url is required"))
	}
	if c.Mattermost.Token == "" {
		errs = append(errs, fmt.Errorf("mattermost.token or %s is required", EnvToken))
	}
	if c.Mattermost.PublicURL == "" {
		errs = append(errs, errors.New("mattermost.public_url is required"))
	}
	if c.AdminUserID == "" {
		errs = append(errs, errors.New("admin_user_id is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if strings.TrimSpace(c.Bot.CommandPrefix) == "" {
		errs = append(errs, errors.New("bot.command_prefix must not be empty"))
	}
	if c.Bot.PageSize <= 0 {
		errs = append(errs, errors.New("bot.page_size must be positive"))
	}
	if c.WhatsApp.LinkTimeout <= 0 {
		errs = append(errs, errors.New("whatsapp.link_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Generate writes the example config to path. It fails if path exists.
func Generate(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if _, err := f.WriteString(ExampleConfig); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}

// Admin returns the administrator's user ID.
func (c *Config) Admin() control.UserID {
	return control.MakeUserID(c.AdminUserID)
}

func (c *Config) PasskeysPath() string { return filepath.Join(c.DataDir, "passkeys.json") }
func (c *Config) RosterPath() string   { return filepath.Join(c.DataDir, "users.json") }
func (c *Config) ArchiveDir() string   { return filepath.Join(c.DataDir, "archive") }
func (c *Config) SessionsDir() string  { return filepath.Join(c.DataDir, "sessions") }

// Logger builds the root logger from the logging section.
func (c *Config) Logger() (*zerolog.Logger, error) {
	log, err := c.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return log, nil
}

// ActionSecret returns the configured action secret, or the one stored in
// the data directory, generating and storing it on first use.
func (c *Config) ActionSecret() ([]byte, error) {
	if c.Mattermost.ActionSecret != "" {
		return []byte(c.Mattermost.ActionSecret), nil
	}
	path := filepath.Join(c.DataDir, secretFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(secret) == 0 {
			return nil, fmt.Errorf("corrupt action secret in %s", path)
		}
		return secret, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read action secret: %w", err)
	}

	secret := random.Bytes(32)
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := filestore.WriteAtomic(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to store action secret: %w", err)
	}
	return secret, nil
}
