// Package config handles MaiBot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/maibot/config.yaml, /etc/maibot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "maibot", "config.yaml"))
	}

	paths = append(paths, "/etc/maibot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all MaiBot configuration.
type Config struct {
	Bot      BotConfig      `yaml:"bot"`
	Chat     ChatConfig     `yaml:"chat"`
	Willing  WillingConfig  `yaml:"willing"`
	Interest InterestConfig `yaml:"interest"`
	Emoji    EmojiConfig    `yaml:"emoji"`
	Mood     MoodConfig     `yaml:"mood"`
	Models   ModelsConfig   `yaml:"models"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Listen   ListenConfig   `yaml:"listen"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// BotConfig is the identity the bot speaks as.
type BotConfig struct {
	UserID   string   `yaml:"user_id"`
	Nickname string   `yaml:"nickname"`
	Aliases  []string `yaml:"aliases"`
}

// Names returns the nickname followed by the aliases.
func (b BotConfig) Names() []string {
	names := make([]string, 0, len(b.Aliases)+1)
	if b.Nickname != "" {
		names = append(names, b.Nickname)
	}
	return append(names, b.Aliases...)
}

// ChatConfig controls message intake.
type ChatConfig struct {
	// BanWords are matched as substrings of the processed text.
	BanWords []string `yaml:"ban_words"`
	// BanMsgsRegex are RE2 patterns matched against the raw message.
	BanMsgsRegex []string `yaml:"ban_msgs_regex"`
	// BufferWindowMs is how long a sender's burst is collected before a
	// reply decision. Zero disables buffering.
	BufferWindowMs int `yaml:"buffer_window_ms"`
	// ThinkingTimeoutSec evicts placeholders older than this (default 120).
	ThinkingTimeoutSec int `yaml:"thinking_timeout_sec"`
	// FlushIntervalMs is the outbound delivery tick (default 500).
	FlushIntervalMs int `yaml:"flush_interval_ms"`
}

// BufferWindow returns BufferWindowMs as a duration.
func (c ChatConfig) BufferWindow() time.Duration {
	return time.Duration(c.BufferWindowMs) * time.Millisecond
}

// ThinkingTimeout returns ThinkingTimeoutSec as a duration.
func (c ChatConfig) ThinkingTimeout() time.Duration {
	return time.Duration(c.ThinkingTimeoutSec) * time.Second
}

// FlushInterval returns FlushIntervalMs as a duration.
func (c ChatConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// WillingConfig tunes the reply gate.
type WillingConfig struct {
	InterestAmplifier       float64  `yaml:"response_interested_rate_amplifier"`
	WillingAmplifier        float64  `yaml:"response_willing_amplifier"`
	TalkAllowedGroups       []string `yaml:"talk_allowed_groups"`
	TalkFrequencyDownGroups []string `yaml:"talk_frequency_down_groups"`
	DownFrequencyRate       float64  `yaml:"down_frequency_rate"`
	// DecayFactor multiplies every stream's willingness each interval.
	DecayFactor      float64 `yaml:"decay_factor"`
	DecayIntervalSec int     `yaml:"decay_interval_sec"`
}

// InterestConfig lists the topics the keyword scorer reacts to.
type InterestConfig struct {
	Topics []TopicConfig `yaml:"topics"`
}

// TopicConfig is one weighted keyword.
type TopicConfig struct {
	Keyword string  `yaml:"keyword"`
	Weight  float64 `yaml:"weight"`
}

// EmojiConfig controls sticker reactions.
type EmojiConfig struct {
	// Dir holds the sticker files and their index.yaml. Empty disables
	// reactions.
	Dir string `yaml:"dir"`
	// Chance is the probability of reacting to a reply.
	Chance float64 `yaml:"chance"`
}

// MoodConfig tunes the mood model.
type MoodConfig struct {
	DecayRate        float64 `yaml:"decay_rate"`
	DecayIntervalSec int     `yaml:"decay_interval_sec"`
	// Intensity scales how much one reply moves the mood (default 1).
	// Zero turns reply-driven mood changes off.
	Intensity float64 `yaml:"intensity"`
}

// ModelsConfig defines the language model backend.
type ModelsConfig struct {
	OllamaURL string `yaml:"ollama_url"`
	// Chat writes replies.
	Chat string `yaml:"chat"`
	// Affect classifies reply stance and emotion; defaults to Chat.
	Affect       string  `yaml:"affect"`
	Temperature float64 `yaml:"temperature"`
	// Persona is prepended to every reply prompt. PersonaFile, relative
	// to the config file, is read into Persona when Persona is empty.
	Persona      string `yaml:"persona"`
	PersonaFile  string `yaml:"persona_file"`
	MaxSegments  int    `yaml:"max_segments"`
	HistoryLimit int    `yaml:"history_limit"`
}

// MQTTConfig configures the platform transport.
type MQTTConfig struct {
	// Broker is the URL of the MQTT broker (mqtt://, mqtts://, ssl://).
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID defaults to "maibot-" followed by the bot's user ID.
	ClientID string `yaml:"client_id"`
	// InboundTopic carries raw platform messages (default maibot/inbound).
	InboundTopic string `yaml:"inbound_topic"`
	// OutboundTopic prefixes delivered segments; each is published to
	// <outbound_topic>/<stream_id> (default maibot/outbound).
	OutboundTopic string `yaml:"outbound_topic"`
	// RateLimit caps inbound messages per second (default 20). Negative
	// disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the token bucket size (default 40).
	RateBurst int `yaml:"rate_burst"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// AvailabilityTopic is where "online" and "offline" are published.
func (c MQTTConfig) AvailabilityTopic() string {
	return strings.TrimSuffix(c.OutboundTopic, "/") + "/availability"
}

// ListenConfig defines the ops API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port to bind.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// Load reads configuration from a YAML file. A .env file in the
// working directory is loaded first so ${VAR} references can be
// satisfied from it; variables already set in the environment win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := base()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if cfg.Models.Persona == "" && cfg.Models.PersonaFile != "" {
		p := cfg.Models.PersonaFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		persona, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read persona: %w", err)
		}
		cfg.Models.Persona = strings.TrimSpace(string(persona))
	}

	return cfg, nil
}

// Default returns the configuration used when a file sets nothing.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// base holds the values a config file overrides field by field.
// Derived defaults are applied after decoding.
func base() *Config {
	return &Config{
		Bot:    BotConfig{UserID: "10000", Nickname: "MaiBot"},
		Chat:   ChatConfig{BufferWindowMs: 5000},
		Emoji:  EmojiConfig{Chance: 0.2},
		Mood:   MoodConfig{Intensity: 1},
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			OllamaURL:   "http://localhost:11434",
			Chat:        "qwen2.5:7b",
			Temperature: 0.7,
		},
		DataDir: "./data",
	}
}

func (c *Config) applyDefaults() {
	if c.Chat.ThinkingTimeoutSec == 0 {
		c.Chat.ThinkingTimeoutSec = 120
	}
	if c.Chat.FlushIntervalMs == 0 {
		c.Chat.FlushIntervalMs = 500
	}
	if c.Willing.DecayFactor == 0 {
		c.Willing.DecayFactor = 0.9
	}
	if c.Willing.DecayIntervalSec == 0 {
		c.Willing.DecayIntervalSec = 1
	}
	if c.Mood.DecayRate == 0 {
		c.Mood.DecayRate = 0.05
	}
	if c.Mood.DecayIntervalSec == 0 {
		c.Mood.DecayIntervalSec = 1
	}
	if c.Models.Affect == "" {
		c.Models.Affect = c.Models.Chat
	}
	if c.Models.MaxSegments == 0 {
		c.Models.MaxSegments = 3
	}
	if c.Models.HistoryLimit == 0 {
		c.Models.HistoryLimit = 15
	}
	if c.MQTT.InboundTopic == "" {
		c.MQTT.InboundTopic = "maibot/inbound"
	}
	if c.MQTT.OutboundTopic == "" {
		c.MQTT.OutboundTopic = "maibot/outbound"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "maibot-" + c.Bot.UserID
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = 20
	}
	if c.MQTT.RateBurst == 0 {
		c.MQTT.RateBurst = 40
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.DataDir = ExpandHome(c.DataDir)
	c.Emoji.Dir = ExpandHome(c.Emoji.Dir)
	c.Models.PersonaFile = ExpandHome(c.Models.PersonaFile)
}

// ExpandHome replaces a leading ~ with the user's home directory.
// Other paths, and ~user forms, are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// Validate checks the configuration for values that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Bot.UserID == "" {
		errs = append(errs, errors.New("bot.user_id is required"))
	}
	for _, p := range c.Chat.BanMsgsRegex {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("chat.ban_msgs_regex %q: %w", p, err))
		}
	}
	if c.Chat.BufferWindowMs < 0 {
		errs = append(errs, errors.New("chat.buffer_window_ms must not be negative"))
	}
	if c.Emoji.Chance < 0 || c.Emoji.Chance > 1 {
		errs = append(errs, fmt.Errorf("emoji.chance %v outside [0,1]", c.Emoji.Chance))
	}
	if c.Willing.DecayFactor < 0 || c.Willing.DecayFactor > 1 {
		errs = append(errs, fmt.Errorf("willing.decay_factor %v outside [0,1]", c.Willing.DecayFactor))
	}
	if c.Mood.Intensity < 0 {
		errs = append(errs, errors.New("mood.intensity must not be negative"))
	}
	if c.Willing.DownFrequencyRate < 0 {
		errs = append(errs, errors.New("willing.down_frequency_rate must not be negative"))
	}
	for i, t := range c.Interest.Topics {
		if t.Keyword == "" {
			errs = append(errs, fmt.Errorf("interest.topics[%d]: keyword is required", i))
		}
	}
	if c.Models.Chat == "" {
		errs = append(errs, errors.New("models.chat is required"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	return errors.Join(errs...)
}
