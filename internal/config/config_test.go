package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattmezza/pacealert/internal/feed"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "full_config",
			yaml: `
interval_seconds: 15
feed:
  url: "http://127.0.0.1:9999/liveruns"
  timeout: "5s"
sound:
  timeout: "10m"
  command: ["paplay", "alert.wav"]
milestones:
  - id: "rsg.enter_end"
    label: "Enter End"
    threshold: "6m11s"
  - id: "rsg.credits"
    label: "Finish"
    threshold: "421494ms"
notification_channels:
  - name: "console"
    type: "stdout"
  - name: "bus"
    type: "nats"
    config:
      url: "nats://127.0.0.1:4222"
templates:
  title: "Pace!"
  alert: "{{ .Body }}"
control:
  listen: "127.0.0.1:8787"
history_size: 10
log_level: "debug"
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 15*time.Second, cfg.PollInterval)
				assert.Equal(t, "http://127.0.0.1:9999/liveruns", cfg.Feed.URL)
				assert.Equal(t, 5*time.Second, cfg.Feed.Timeout)
				assert.Equal(t, 10*time.Minute, cfg.Sound.Timeout)
				assert.Equal(t, []string{"paplay", "alert.wav"}, cfg.Sound.Command)
				require.Len(t, cfg.Milestones, 2)
				assert.Equal(t, 371*time.Second, cfg.Milestones[0].Threshold)
				assert.Equal(t, 421494*time.Millisecond, cfg.Milestones[1].Threshold)
				require.Len(t, cfg.NotificationChannels, 2)
				assert.Equal(t, "Pace!", cfg.Templates.Title)
				assert.Equal(t, "{{ .Body }}", cfg.Templates.Alert)
				assert.Equal(t, "http://127.0.0.1:8787/api/sound/stop", cfg.Control.StopSoundURL())
				assert.Equal(t, 10, cfg.HistorySize)
				assert.Equal(t, "debug", cfg.LogLevel)
				assert.Empty(t, cfg.Warnings)
			},
		},
		{
			name: "minimal_config_with_defaults",
			yaml: `
notification_channels: []
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultIntervalSeconds, cfg.IntervalSeconds)
				assert.Equal(t, 20*time.Second, cfg.PollInterval)
				assert.Equal(t, feed.DefaultURL, cfg.Feed.URL)
				assert.Equal(t, DefaultFeedTimeout, cfg.Feed.Timeout)
				assert.Equal(t, DefaultSoundTimeout, cfg.Sound.Timeout)
				assert.Empty(t, cfg.Milestones)
				assert.Equal(t, DefaultTitle, cfg.Templates.Title)
				assert.Equal(t, DefaultAlertTemplate, cfg.Templates.Alert)
				assert.Equal(t, DefaultHistorySize, cfg.HistorySize)
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Equal(t, "", cfg.Control.StopSoundURL())
			},
		},
		{
			name: "slow_feed_timeout_warns",
			yaml: `
interval_seconds: 5
feed:
  timeout: "30s"
`,
			check: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.Warnings, 1)
				assert.Contains(t, cfg.Warnings[0], "poll interval")
			},
		},
		{
			name: "invalid_yaml",
			yaml: `
interval_seconds: 10
milestones:
  - id: "Test"
    invalid_field: [
`,
			wantErr: true,
		},
		{
			name: "milestone_missing_id",
			yaml: `
milestones:
  - label: "Enter End"
    threshold: "6m"
`,
			wantErr: true,
		},
		{
			name: "milestone_bad_threshold",
			yaml: `
milestones:
  - id: "rsg.enter_end"
    threshold: "soon"
`,
			wantErr: true,
		},
		{
			name: "bad_sound_timeout",
			yaml: `
sound:
  timeout: "forever"
`,
			wantErr: true,
		},
		{
			name: "zero_feed_timeout",
			yaml: `
feed:
  timeout: "0s"
`,
			wantErr: true,
		},
		{
			name: "channel_missing_name",
			yaml: `
notification_channels:
  - type: "stdout"
`,
			wantErr: true,
		},
		{
			name: "channel_unknown_type",
			yaml: `
notification_channels:
  - name: "pager"
    type: "pagerduty"
`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tc.yaml)
			cfg, err := LoadConfig(path)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
interval_seconds = 30
log_level = "warn"

[feed]
url = "http://localhost/liveruns"

[sound]
timeout = "7m"

[[milestones]]
id = "rsg.enter_end"
label = "Enter End"
threshold = "06:11"

[[notification_channels]]
name = "mail"
type = "email"

[notification_channels.config]
smtp_host = "smtp.example.com"
smtp_port = 587
smtp_from = "pace@example.com"
smtp_to = ["me@example.com"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7*time.Minute, cfg.Sound.Timeout)
	require.Len(t, cfg.Milestones, 1)
	assert.Equal(t, 371*time.Second, cfg.Milestones[0].Threshold)

	require.Len(t, cfg.NotificationChannels, 1)
	emailCfg, err := GetEmailChannelConfig(cfg.NotificationChannels[0])
	require.NoError(t, err)
	assert.Equal(t, 587, emailCfg.SMTPPort, "TOML integers decode as int64")
	assert.Equal(t, []string{"me@example.com"}, emailCfg.SMTPTo)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigSecretsFromEnv(t *testing.T) {
	t.Setenv("PACEALERT_TELEGRAM_TOKEN_MY_PHONE", "123456:ABC")
	t.Setenv("PACEALERT_SMTP_PASSWORD_MAIL", "hunter2")
	t.Setenv("PACEALERT_CONTROL_TOKEN", "control-secret")
	t.Setenv("PACEALERT_FEED_URL", "http://override/liveruns")

	path := writeConfig(t, "config.yaml", `
notification_channels:
  - name: "my-phone"
    type: "telegram"
    config:
      chat_id: "-100"
  - name: "mail"
    type: "email"
    config:
      smtp_host: "smtp.example.com"
      smtp_port: 587
      smtp_from: "pace@example.com"
      smtp_to: ["me@example.com"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://override/liveruns", cfg.Feed.URL)
	assert.Equal(t, "control-secret", cfg.Control.AuthToken)

	tg, err := GetTelegramChannelConfig(cfg.NotificationChannels[0])
	require.NoError(t, err)
	assert.Equal(t, "123456:ABC", tg.BotToken)
	assert.Equal(t, "-100", tg.ChatID)

	mail, err := GetEmailChannelConfig(cfg.NotificationChannels[1])
	require.NoError(t, err)
	assert.Equal(t, "hunter2", mail.SMTPPassword)
}

func TestLoadConfigSecretInFileWarns(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
notification_channels:
  - name: "phone"
    type: "telegram"
    config:
      chat_id: "-100"
      bot_token: "leaked"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "PACEALERT_TELEGRAM_TOKEN_PHONE")
}

func TestGetTelegramChannelConfig(t *testing.T) {
	testCases := []struct {
		name    string
		nc      NotificationChannelConfig
		wantErr bool
	}{
		{
			name: "valid",
			nc: NotificationChannelConfig{Name: "tg", Type: "telegram", Config: map[string]interface{}{
				"bot_token": "t", "chat_id": "1",
			}},
		},
		{
			name: "numeric_chat_id",
			nc: NotificationChannelConfig{Name: "tg", Type: "telegram", Config: map[string]interface{}{
				"bot_token": "t", "chat_id": 12345,
			}},
		},
		{
			name: "missing_token",
			nc: NotificationChannelConfig{Name: "tg", Type: "telegram", Config: map[string]interface{}{
				"chat_id": "1",
			}},
			wantErr: true,
		},
		{
			name:    "wrong_type",
			nc:      NotificationChannelConfig{Name: "tg", Type: "stdout"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := GetTelegramChannelConfig(tc.nc)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, cfg.ChatID)
		})
	}
}

func TestGetEmailChannelConfigMissingFields(t *testing.T) {
	_, err := GetEmailChannelConfig(NotificationChannelConfig{
		Name:   "mail",
		Type:   "email",
		Config: map[string]interface{}{"smtp_host": "smtp.example.com"},
	})
	assert.Error(t, err)
}

func TestGetNATSChannelConfig(t *testing.T) {
	cfg, err := GetNATSChannelConfig(NotificationChannelConfig{
		Name:   "bus",
		Type:   "nats",
		Config: map[string]interface{}{"url": "nats://localhost:4222"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pacealert.alerts", cfg.Subject)

	_, err = GetNATSChannelConfig(NotificationChannelConfig{Name: "bus", Type: "nats"})
	assert.Error(t, err)
}

func TestStopSoundURL(t *testing.T) {
	assert.Equal(t, "https://pace.example.com/api/sound/stop",
		ControlConfig{Listen: ":8787", PublicURL: "https://pace.example.com/"}.StopSoundURL())
	assert.Equal(t, "http://127.0.0.1:8787/api/sound/stop",
		ControlConfig{Listen: "127.0.0.1:8787"}.StopSoundURL())
	assert.Equal(t, "", ControlConfig{}.StopSoundURL())
}
