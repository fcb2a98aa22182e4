// ABOUTME: Configuration loading and parsing for the techiee bot.
// ABOUTME: Supports TOML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete bot configuration.
type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Bot     BotConfig     `toml:"bot"`
	GenAI   GenAIConfig   `toml:"genai"`
	Health  HealthConfig  `toml:"health"`
	Logging LoggingConfig `toml:"logging"`
}

// MatrixConfig holds the homeserver connection settings.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	RecoveryKey string `toml:"recovery_key"`
	DisplayName string `toml:"display_name"`
	DataDir     string `toml:"data_dir"` // crypto store location, defaults to the XDG data dir
}

// BotConfig holds conversation behavior settings.
type BotConfig struct {
	CommandPrefix   string   `toml:"command_prefix"`
	TrackedRooms    []string `toml:"tracked_rooms"`
	MaxHistory      int      `toml:"max_history"`
	ReplyChainDepth int      `toml:"reply_chain_depth"`
	WindowUses      int      `toml:"window_uses"`
	ContextMessages int      `toml:"context_messages"`
	MessageLength   int      `toml:"message_length"`
	QueueSize       int      `toml:"queue_size"`
	MaxAttachmentMB int64    `toml:"max_attachment_mb"`
	TrackerCapacity int      `toml:"tracker_capacity"`
	RetryAttempts   int      `toml:"retry_attempts"`
	PromptsFile     string   `toml:"prompts_file"`

	// Cooldown windows per command name; "chat" covers plain messages.
	// Values are duration strings like "30s".
	CooldownsRaw map[string]string        `toml:"cooldowns"`
	Cooldowns    map[string]time.Duration `toml:"-"`

	TrackerTTL     time.Duration `toml:"-"`
	TypingGrace    time.Duration `toml:"-"`
	TypingRenew    time.Duration `toml:"-"`
	TypingMaxLife  time.Duration `toml:"-"`
	RetryCountdown time.Duration `toml:"-"`
	AttachTimeout  time.Duration `toml:"-"`

	// Raw string values for TOML unmarshaling.
	TrackerTTLRaw     string `toml:"tracker_ttl"`
	TypingGraceRaw    string `toml:"typing_grace"`
	TypingRenewRaw    string `toml:"typing_renew"`
	TypingMaxLifeRaw  string `toml:"typing_max_life"`
	RetryCountdownRaw string `toml:"retry_countdown"`
	AttachTimeoutRaw  string `toml:"attach_timeout"`
}

// GenAIConfig holds generation service settings.
type GenAIConfig struct {
	APIKeys           []string `toml:"api_keys"`
	Model             string   `toml:"model"`
	Temperature       float64  `toml:"temperature"`
	TopP              float64  `toml:"top_p"`
	MaxTokens         int      `toml:"max_tokens"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`

	RequestTimeout time.Duration `toml:"-"`

	RequestTimeoutRaw string `toml:"request_timeout"`
}

// HealthConfig holds the liveness endpoint settings.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded,
// duration strings are parsed, and defaults fill anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns the first failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}
	if len(c.GenAI.APIKeys) == 0 {
		return fmt.Errorf("genai.api_keys is required (or set GEMINI_API_KEY)")
	}
	for i, key := range c.GenAI.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("genai.api_keys[%d] is empty (unset environment variable?)", i)
		}
	}
	if c.Bot.MessageLength < 100 {
		return fmt.Errorf("bot.message_length must be at least 100, got %d", c.Bot.MessageLength)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"bot.tracker_ttl", c.Bot.TrackerTTLRaw, &c.Bot.TrackerTTL},
		{"bot.typing_grace", c.Bot.TypingGraceRaw, &c.Bot.TypingGrace},
		{"bot.typing_renew", c.Bot.TypingRenewRaw, &c.Bot.TypingRenew},
		{"bot.typing_max_life", c.Bot.TypingMaxLifeRaw, &c.Bot.TypingMaxLife},
		{"bot.retry_countdown", c.Bot.RetryCountdownRaw, &c.Bot.RetryCountdown},
		{"bot.attach_timeout", c.Bot.AttachTimeoutRaw, &c.Bot.AttachTimeout},
		{"genai.request_timeout", c.GenAI.RequestTimeoutRaw, &c.GenAI.RequestTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	c.Bot.Cooldowns = make(map[string]time.Duration, len(c.Bot.CooldownsRaw))
	for command, raw := range c.Bot.CooldownsRaw {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing bot.cooldowns.%s %q: %w", command, raw, err)
		}
		c.Bot.Cooldowns[command] = d
	}
	return nil
}

// applyDefaults fills unset fields with working values.
func (c *Config) applyDefaults() {
	if c.Matrix.DisplayName == "" {
		c.Matrix.DisplayName = "Techiee"
	}
	if c.Bot.CommandPrefix == "" {
		c.Bot.CommandPrefix = "!techiee"
	}
	if c.Bot.MaxHistory <= 0 {
		c.Bot.MaxHistory = 30
	}
	if c.Bot.ReplyChainDepth <= 0 {
		c.Bot.ReplyChainDepth = 10
	}
	if c.Bot.WindowUses <= 0 {
		c.Bot.WindowUses = 5
	}
	if c.Bot.ContextMessages <= 0 {
		c.Bot.ContextMessages = 25
	}
	if c.Bot.MessageLength <= 0 {
		c.Bot.MessageLength = 4000
	}
	if c.Bot.QueueSize <= 0 {
		c.Bot.QueueSize = 64
	}
	if c.Bot.MaxAttachmentMB <= 0 {
		c.Bot.MaxAttachmentMB = 20
	}
	if c.Bot.TrackerCapacity <= 0 {
		c.Bot.TrackerCapacity = 500
	}
	if c.Bot.TrackerTTL <= 0 {
		c.Bot.TrackerTTL = 24 * time.Hour
	}
	if c.Bot.RetryAttempts <= 0 {
		c.Bot.RetryAttempts = 5
	}
	if c.Bot.TypingGrace <= 0 {
		c.Bot.TypingGrace = 150 * time.Millisecond
	}
	if c.Bot.TypingRenew <= 0 {
		c.Bot.TypingRenew = 25 * time.Second
	}
	if c.Bot.TypingMaxLife <= 0 {
		c.Bot.TypingMaxLife = 10 * time.Minute
	}
	if c.Bot.RetryCountdown <= 0 {
		c.Bot.RetryCountdown = 3 * time.Second
	}
	if c.Bot.AttachTimeout <= 0 {
		c.Bot.AttachTimeout = 2 * time.Minute
	}

	if len(c.GenAI.APIKeys) == 0 {
		c.GenAI.APIKeys = apiKeysFromEnv()
	}
	if c.GenAI.Model == "" {
		c.GenAI.Model = "gemini-2.5-flash"
	}
	if c.GenAI.Temperature == 0 {
		c.GenAI.Temperature = 1.0
	}
	if c.GenAI.TopP == 0 {
		c.GenAI.TopP = 0.95
	}
	if c.GenAI.MaxTokens <= 0 {
		c.GenAI.MaxTokens = 16384
	}
	if c.GenAI.RequestTimeout <= 0 {
		c.GenAI.RequestTimeout = 2 * time.Minute
	}
	if c.GenAI.RequestsPerSecond <= 0 {
		c.GenAI.RequestsPerSecond = 1
	}
	if c.GenAI.Burst <= 0 {
		c.GenAI.Burst = 3
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// apiKeysFromEnv collects GEMINI_API_KEY and numbered variants
// (GEMINI_API_KEY_2, GEMINI_API_KEY_3, ...) so key rotation works without
// listing keys in the config file.
func apiKeysFromEnv() []string {
	var keys []string
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		keys = append(keys, key)
	}
	for i := 2; ; i++ {
		key := os.Getenv(fmt.Sprintf("GEMINI_API_KEY_%d", i))
		if key == "" {
			break
		}
		keys = append(keys, key)
	}
	return keys
}
