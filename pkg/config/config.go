// Copyright 2024-2026 Aiku AI

// Package config loads the sync daemon configuration from a YAML file, an
// optional .env file and the process environment, in that order.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/authentik-discord-sync/pkg/authentik"
	"github.com/aiku/authentik-discord-sync/pkg/syncerr"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultInterval    = time.Hour
	DefaultAvatarSize  = 256
	DefaultHTTPTimeout = 30 * time.Second
)

// AuthentikConfig holds the identity provider connection settings.
type AuthentikConfig struct {
	URL      string `yaml:"url" env:"AUTHENTIK_URL"`
	APIKey   string `yaml:"api_key" env:"AUTHENTIK_API_KEY"`
	UserPath string `yaml:"user_path" env:"AUTHENTIK_USER_PATH"`
}

// DiscordConfig holds the bot credentials and target guild.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token" env:"DISCORD_BOT_TOKEN"`
	GuildID  string `yaml:"guild_id" env:"DISCORD_GUILD_ID"`
}

// SyncConfig controls the reconciliation schedule.
type SyncConfig struct {
	Interval   time.Duration `yaml:"interval" env:"SYNC_INTERVAL"`
	AvatarSize int           `yaml:"avatar_size" env:"SYNC_AVATAR_SIZE"`
}

// Config is the complete daemon configuration.
type Config struct {
	Authentik AuthentikConfig `yaml:"authentik"`
	Discord   DiscordConfig   `yaml:"discord"`
	Sync      SyncConfig      `yaml:"sync"`

	HTTPTimeout  time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	AdminAPIAddr string        `yaml:"admin_api_addr" env:"ADMIN_API_ADDR"`
	LogLevel     string        `yaml:"log_level" env:"LOG_LEVEL"`
	OTelEndpoint string        `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "authentik", "url")
	helper.Copy(up.Str, "authentik", "api_key")
	helper.Copy(up.Str, "authentik", "user_path")
	helper.Copy(up.Str, "discord", "bot_token")
	helper.Copy(up.Str, "discord", "guild_id")
	helper.Copy(up.Str, "sync", "interval")
	helper.Copy(up.Int, "sync", "avatar_size")
	helper.Copy(up.Str, "http_timeout")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Str, "log_level")
	helper.Copy(up.Str, "otel_endpoint")
}

// Load builds a Config. The YAML file at path is optional (empty path skips
// it); keys it lacks are taken from the embedded example config. Variables
// from dotenvFiles are loaded into the environment without overriding values
// already set, then the environment is applied over the file values.
func Load(path string, dotenvFiles ...string) (*Config, error) {
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		return nil, fmt.Errorf("parse example config: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeConfig, err, "read config file %s", path)
		}
		if len(bytes.TrimSpace(data)) > 0 {
			var cfgNode yaml.Node
			if err := yaml.Unmarshal(data, &cfgNode); err != nil {
				return nil, syncerr.Wrap(syncerr.CodeConfig, err, "parse config file %s", path)
			}
			upgradeConfig(up.NewHelper(&baseNode, &cfgNode))
		}
	}

	var cfg Config
	if err := baseNode.Decode(&cfg); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeConfig, err, "decode config")
	}

	if err := LoadDotEnv(dotenvFiles...); err != nil {
		return nil, err
	}
	if err := ParseEnv(&cfg); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeConfig, err, "apply environment")
	}
	cfg.PostProcess()
	return &cfg, nil
}

// LoadDotEnv loads the given .env files (".env" when none are given). Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return syncerr.Wrap(syncerr.CodeConfig, err, "load %s", file)
		}
	}
	return nil
}

// ParseEnv applies environment variables onto target. Fields whose variable
// is unset keep their current value.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// PostProcess normalizes values and fills zero values with defaults.
func (c *Config) PostProcess() {
	c.Authentik.URL = strings.TrimRight(strings.TrimSpace(c.Authentik.URL), "/")
	c.Authentik.APIKey = strings.TrimSpace(c.Authentik.APIKey)
	c.Discord.BotToken = strings.TrimPrefix(strings.TrimSpace(c.Discord.BotToken), "Bot ")
	c.Discord.GuildID = strings.TrimSpace(c.Discord.GuildID)
	if strings.TrimSpace(c.Authentik.UserPath) == "" {
		c.Authentik.UserPath = authentik.DefaultUserPath
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = DefaultInterval
	}
	if c.Sync.AvatarSize <= 0 {
		c.Sync.AvatarSize = DefaultAvatarSize
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports every missing required value in a single ConfigError.
func (c *Config) Validate() error {
	var missing []string
	if c.Authentik.URL == "" {
		missing = append(missing, "authentik.url (AUTHENTIK_URL)")
	}
	if c.Authentik.APIKey == "" {
		missing = append(missing, "authentik.api_key (AUTHENTIK_API_KEY)")
	}
	if c.Discord.BotToken == "" {
		missing = append(missing, "discord.bot_token (DISCORD_BOT_TOKEN)")
	}
	if c.Discord.GuildID == "" {
		missing = append(missing, "discord.guild_id (DISCORD_GUILD_ID)")
	}
	if len(missing) > 0 {
		return syncerr.New(syncerr.CodeConfig, "missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
