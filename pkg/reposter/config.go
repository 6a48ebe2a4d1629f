// Copyright 2024-2026 Aiku AI

package reposter

import (
	_ "embed"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the bot configuration file.
type Config struct {
	Discord    DiscordConfig    `yaml:"discord"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Store      StoreConfig      `yaml:"store"`
	Relay      RelayConfig      `yaml:"relay"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type MattermostConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// DefaultPrefix replaces relay.default_prefix on Mattermost, where
	// messages starting with / are taken by the client as slash commands.
	DefaultPrefix string `yaml:"default_prefix"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// RelayConfig tunes the repost engine and command handling.
type RelayConfig struct {
	DefaultPrefix       string `yaml:"default_prefix"`
	WebhookName         string `yaml:"webhook_name"`
	HistoryPageSize     int    `yaml:"history_page_size"`
	MaxInlineAttachment int    `yaml:"max_inline_attachment"`
	// ConfirmTimeout is in seconds.
	ConfirmTimeout int `yaml:"confirm_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

const (
	defaultPrefix              = "/"
	defaultMattermostPrefix    = "!"
	defaultWebhookName         = "Reposter"
	defaultHistoryPageSize     = 100
	defaultMaxInlineAttachment = 8_000_000
	defaultConfirmTimeout      = 10 * time.Minute
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and applies environment overrides.
func (c *Config) PostProcess() {
	if token := os.Getenv("REPOSTER_DISCORD_TOKEN"); token != "" {
		c.Discord.Token = token
	}
	if token := os.Getenv("REPOSTER_MATTERMOST_TOKEN"); token != "" {
		c.Mattermost.Token = token
	}
	if c.Mattermost.DefaultPrefix == "" {
		c.Mattermost.DefaultPrefix = defaultMattermostPrefix
	}
	if c.Store.Path == "" {
		c.Store.Path = "reposter.json"
	}
	c.Relay.fillDefaults()
}

func (r *RelayConfig) fillDefaults() {
	if r.DefaultPrefix == "" {
		r.DefaultPrefix = defaultPrefix
	}
	if r.WebhookName == "" {
		r.WebhookName = defaultWebhookName
	}
	if r.HistoryPageSize <= 0 || r.HistoryPageSize > 100 {
		r.HistoryPageSize = defaultHistoryPageSize
	}
	if r.MaxInlineAttachment <= 0 {
		r.MaxInlineAttachment = defaultMaxInlineAttachment
	}
}

// ConfirmTTL returns how long reaction confirmations stay open.
func (r *RelayConfig) ConfirmTTL() time.Duration {
	if r.ConfirmTimeout <= 0 {
		return defaultConfirmTimeout
	}
	return time.Duration(r.ConfirmTimeout) * time.Second
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Bool, "discord", "enabled")
	helper.Copy(up.Str, "discord", "token")
	helper.Copy(up.Bool, "mattermost", "enabled")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "default_prefix")
	helper.Copy(up.Str, "store", "path")
	helper.Copy(up.Str, "relay", "default_prefix")
	helper.Copy(up.Str, "relay", "webhook_name")
	helper.Copy(up.Int, "relay", "history_page_size")
	helper.Copy(up.Int, "relay", "max_inline_attachment")
	helper.Copy(up.Int, "relay", "confirm_timeout")
	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")
	helper.Copy(up.Str, "logging", "file")
}

// ConfigUpgrader merges an existing config file onto the bundled example so
// new keys appear with their defaults.
func ConfigUpgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}
