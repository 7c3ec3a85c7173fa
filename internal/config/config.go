package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mattmezza/pacealert/internal/feed"
	"github.com/mattmezza/pacealert/internal/util"
)

const (
	DefaultIntervalSeconds = 20
	DefaultFeedTimeout     = 10 * time.Second
	DefaultSoundTimeout    = 5 * time.Minute
	DefaultHistorySize     = 100

	DefaultTitle         = "Pace Alert!"
	DefaultAlertTemplate = `{{.Title}} {{.Body}}{{if .LiveAccount}} {{streamURL .LiveAccount}}{{end}}`

	envVarPrefix = "PACEALERT_"
)

type Config struct {
	IntervalSeconds      int                         `yaml:"interval_seconds" toml:"interval_seconds"`
	Feed                 FeedConfig                  `yaml:"feed" toml:"feed"`
	Sound                SoundConfig                 `yaml:"sound" toml:"sound"`
	Milestones           []MilestoneConfig           `yaml:"milestones" toml:"milestones"`
	NotificationChannels []NotificationChannelConfig `yaml:"notification_channels" toml:"notification_channels"`
	Templates            TemplateConfig              `yaml:"templates" toml:"templates"`
	Control              ControlConfig               `yaml:"control" toml:"control"`
	HistorySize          int                         `yaml:"history_size" toml:"history_size"`
	LogLevel             string                      `yaml:"log_level" toml:"log_level"`
	PollInterval         time.Duration               `yaml:"-" toml:"-"` // Derived
	Warnings             []string                    `yaml:"-" toml:"-"` // Collected while loading, logged by the caller
}

type FeedConfig struct {
	URL        string        `yaml:"url" toml:"url"`
	TimeoutStr string        `yaml:"timeout" toml:"timeout"` // e.g. "10s"
	Timeout    time.Duration `yaml:"-" toml:"-"`
}

type SoundConfig struct {
	TimeoutStr string        `yaml:"timeout" toml:"timeout"` // auto-stop, e.g. "5m"
	Command    []string      `yaml:"command" toml:"command"` // e.g. ["paplay", "alert.wav"]
	Timeout    time.Duration `yaml:"-" toml:"-"`
}

type MilestoneConfig struct {
	ID           string        `yaml:"id" toml:"id"`
	Label        string        `yaml:"label" toml:"label"`
	ThresholdStr string        `yaml:"threshold" toml:"threshold"` // "6m11s", "371000ms" or "06:11"
	Threshold    time.Duration `yaml:"-" toml:"-"`
}

type NotificationChannelConfig struct {
	Name   string                 `yaml:"name" toml:"name"`
	Type   string                 `yaml:"type" toml:"type"` // "stdout", "email", "telegram", "nats"
	Config map[string]interface{} `yaml:"config" toml:"config"`
}

type EmailChannelConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string // Populated from ENV
	SMTPFrom     string
	SMTPTo       []string
	SMTPUseTLS   bool
}

type TelegramChannelConfig struct {
	BotToken string // Populated from ENV
	ChatID   string
	APIURL   string // Defaults to https://api.telegram.org
}

type NATSChannelConfig struct {
	URL     string
	Subject string
}

type TemplateConfig struct {
	Title string `yaml:"title" toml:"title"`
	Alert string `yaml:"alert" toml:"alert"`
}

type ControlConfig struct {
	Listen         string   `yaml:"listen" toml:"listen"` // empty disables the control server
	PublicURL      string   `yaml:"public_url" toml:"public_url"`
	AuthToken      string   `yaml:"auth_token" toml:"auth_token"` // Prefer PACEALERT_CONTROL_TOKEN
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// StopSoundURL is the manual-stop action attached to every notification.
func (c ControlConfig) StopSoundURL() string {
	base := strings.TrimRight(c.PublicURL, "/")
	if base == "" && c.Listen != "" {
		base = "http://" + c.Listen
	}
	if base == "" {
		return ""
	}
	return base + "/api/sound/stop"
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config TOML from %s: %w", filePath, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML from %s: %w", filePath, err)
		}
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finalize fills defaults, parses durations, validates entries and pulls
// secrets from the environment.
func (cfg *Config) finalize() error {
	var err error

	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = DefaultIntervalSeconds
	}
	cfg.PollInterval = time.Duration(cfg.IntervalSeconds) * time.Second

	if env := os.Getenv(envVarPrefix + "FEED_URL"); env != "" {
		cfg.Feed.URL = env
	}
	if strings.TrimSpace(cfg.Feed.URL) == "" {
		cfg.Feed.URL = feed.DefaultURL
	}
	cfg.Feed.Timeout = DefaultFeedTimeout
	if cfg.Feed.TimeoutStr != "" {
		if cfg.Feed.Timeout, err = util.ParseDurationString(cfg.Feed.TimeoutStr); err != nil {
			return fmt.Errorf("feed has invalid timeout: %w", err)
		}
		if cfg.Feed.Timeout == 0 {
			return fmt.Errorf("feed timeout must be greater than zero")
		}
	}
	if cfg.Feed.Timeout >= cfg.PollInterval {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("feed timeout %s is not shorter than the poll interval %s; slow fetches will delay cycles", cfg.Feed.Timeout, cfg.PollInterval))
	}

	cfg.Sound.Timeout = DefaultSoundTimeout
	if cfg.Sound.TimeoutStr != "" {
		if cfg.Sound.Timeout, err = util.ParseDurationString(cfg.Sound.TimeoutStr); err != nil {
			return fmt.Errorf("sound has invalid timeout: %w", err)
		}
		if cfg.Sound.Timeout == 0 {
			return fmt.Errorf("sound timeout must be greater than zero")
		}
	}

	for i := range cfg.Milestones {
		m := &cfg.Milestones[i]
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("milestone at index %d missing id", i)
		}
		if m.Threshold, err = util.ParseDurationString(m.ThresholdStr); err != nil {
			return fmt.Errorf("milestone '%s' has invalid threshold: %w", m.ID, err)
		}
	}

	for i := range cfg.NotificationChannels {
		nc := &cfg.NotificationChannels[i]
		if nc.Name == "" {
			return fmt.Errorf("notification channel at index %d missing name", i)
		}
		// Naming convention: PACEALERT_<SENSITIVE_FIELD_NAME>_<CHANNEL_NAME_UPPERCASE>
		// e.g., PACEALERT_SMTP_PASSWORD_CRITICAL_EMAIL, PACEALERT_TELEGRAM_TOKEN_PHONE
		channelNameUpper := strings.ToUpper(strings.ReplaceAll(nc.Name, "-", "_"))

		switch nc.Type {
		case "email":
			cfg.secretFromEnv(nc, "smtp_password", fmt.Sprintf("%sSMTP_PASSWORD_%s", envVarPrefix, channelNameUpper))
		case "telegram":
			cfg.secretFromEnv(nc, "bot_token", fmt.Sprintf("%sTELEGRAM_TOKEN_%s", envVarPrefix, channelNameUpper))
		case "nats", "stdout":
			// No secrets
		default:
			return fmt.Errorf("notification channel '%s' has unknown type '%s'", nc.Name, nc.Type)
		}
	}

	if cfg.Templates.Title == "" {
		cfg.Templates.Title = DefaultTitle
	}
	if cfg.Templates.Alert == "" {
		cfg.Templates.Alert = DefaultAlertTemplate
	}

	if token := os.Getenv(envVarPrefix + "CONTROL_TOKEN"); token != "" {
		cfg.Control.AuthToken = token
	}

	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return nil
}

func (cfg *Config) secretFromEnv(nc *NotificationChannelConfig, key, envKey string) {
	if secret := os.Getenv(envKey); secret != "" {
		if nc.Config == nil {
			nc.Config = make(map[string]interface{})
		}
		nc.Config[key] = secret
		return
	}
	if v, ok := nc.Config[key]; ok && v != "" {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s for channel '%s' found in config file. It should be set via ENV var %s.", key, nc.Name, envKey))
	}
}

// Helper to get typed Email config
func GetEmailChannelConfig(nc NotificationChannelConfig) (*EmailChannelConfig, error) {
	if nc.Type != "email" {
		return nil, fmt.Errorf("not an email channel")
	}
	var emailCfg EmailChannelConfig
	if host, ok := nc.Config["smtp_host"].(string); ok {
		emailCfg.SMTPHost = host
	} else {
		return nil, fmt.Errorf("channel '%s': smtp_host missing or not a string", nc.Name)
	}
	if port, ok := asInt(nc.Config["smtp_port"]); ok {
		emailCfg.SMTPPort = port
	} else {
		return nil, fmt.Errorf("channel '%s': smtp_port missing or not an int", nc.Name)
	}
	if user, ok := nc.Config["smtp_username"].(string); ok {
		emailCfg.SMTPUsername = user
	}
	if pass, ok := nc.Config["smtp_password"].(string); ok {
		emailCfg.SMTPPassword = pass
	}
	if from, ok := nc.Config["smtp_from"].(string); ok {
		emailCfg.SMTPFrom = from
	} else {
		return nil, fmt.Errorf("channel '%s': smtp_from missing or not a string", nc.Name)
	}
	if to, ok := asStrings(nc.Config["smtp_to"]); ok {
		emailCfg.SMTPTo = to
	} else {
		return nil, fmt.Errorf("channel '%s': smtp_to missing or not a list of strings", nc.Name)
	}
	if useTLS, ok := nc.Config["smtp_use_tls"].(bool); ok {
		emailCfg.SMTPUseTLS = useTLS
	}

	if emailCfg.SMTPHost == "" || emailCfg.SMTPPort == 0 || emailCfg.SMTPFrom == "" || len(emailCfg.SMTPTo) == 0 {
		return nil, fmt.Errorf("channel '%s': one or more required email config fields are missing (host, port, from, to)", nc.Name)
	}
	return &emailCfg, nil
}

// Helper to get typed Telegram config
func GetTelegramChannelConfig(nc NotificationChannelConfig) (*TelegramChannelConfig, error) {
	if nc.Type != "telegram" {
		return nil, fmt.Errorf("not a telegram channel")
	}
	var telegramCfg TelegramChannelConfig
	if token, ok := nc.Config["bot_token"].(string); ok {
		telegramCfg.BotToken = token
	}
	if chatID, ok := nc.Config["chat_id"].(string); ok {
		telegramCfg.ChatID = chatID
	} else if id, ok := asInt(nc.Config["chat_id"]); ok {
		telegramCfg.ChatID = fmt.Sprintf("%d", id)
	} else {
		return nil, fmt.Errorf("channel '%s': chat_id missing or not a string", nc.Name)
	}
	if apiURL, ok := nc.Config["api_url"].(string); ok {
		telegramCfg.APIURL = apiURL
	}

	if telegramCfg.BotToken == "" || telegramCfg.ChatID == "" {
		return nil, fmt.Errorf("channel '%s': bot_token (from ENV) or chat_id are missing", nc.Name)
	}
	return &telegramCfg, nil
}

// Helper to get typed NATS config
func GetNATSChannelConfig(nc NotificationChannelConfig) (*NATSChannelConfig, error) {
	if nc.Type != "nats" {
		return nil, fmt.Errorf("not a nats channel")
	}
	natsCfg := NATSChannelConfig{Subject: "pacealert.alerts"}
	if url, ok := nc.Config["url"].(string); ok && url != "" {
		natsCfg.URL = url
	} else {
		return nil, fmt.Errorf("channel '%s': url missing or not a string", nc.Name)
	}
	if subject, ok := nc.Config["subject"].(string); ok && subject != "" {
		natsCfg.Subject = subject
	}
	return &natsCfg, nil
}

// asInt accepts the integer shapes produced by the YAML and TOML decoders.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func asStrings(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}
