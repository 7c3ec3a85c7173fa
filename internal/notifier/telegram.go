package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mattmezza/pacealert/internal/config"
)

const defaultTelegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	name   string
	config config.TelegramChannelConfig
	client *http.Client
}

func NewTelegramNotifier(name string, cfg config.TelegramChannelConfig) (*TelegramNotifier, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram notifier '%s' is missing bot_token (from ENV) or chat_id", name)
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultTelegramAPI
	}
	return &TelegramNotifier{
		name:   name,
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (tn *TelegramNotifier) Name() string {
	return tn.name
}

type telegramButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type telegramPayload struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ParseMode   string `json:"parse_mode"`
	ReplyMarkup *struct {
		InlineKeyboard [][]telegramButton `json:"inline_keyboard"`
	} `json:"reply_markup,omitempty"`
}

// Send posts the rendered alert to the chat. The stop action, when set,
// is attached as an inline button.
func (tn *TelegramNotifier) Send(ctx context.Context, data NotificationData, templates NotificationTemplates) error {
	rawMessage, err := renderMessage("telegram_message", data, templates)
	if err != nil {
		return fmt.Errorf("failed to render Telegram template for %s: %w", data.Body, err)
	}

	payload := telegramPayload{
		ChatID:    tn.config.ChatID,
		Text:      escapeTextForMarkdownV2(rawMessage),
		ParseMode: "MarkdownV2",
	}
	// Telegram only accepts http(s) button targets.
	if strings.HasPrefix(data.StopAction, "http") {
		payload.ReplyMarkup = &struct {
			InlineKeyboard [][]telegramButton `json:"inline_keyboard"`
		}{
			InlineKeyboard: [][]telegramButton{{{Text: "Stop sound", URL: data.StopAction}}},
		}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Telegram payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(tn.config.APIURL, "/"), tn.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create Telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tn.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message to Telegram API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram API request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// escapeTextForMarkdownV2 escapes text for Telegram MarkdownV2.
// Telegram requires escaping: _ * [ ] ( ) ~ ` > # + - = | { } . ! and the backslash itself.
func escapeTextForMarkdownV2(text string) string {
	const special = "\\_*[]()~`>#+-=|{}.!"
	var result strings.Builder
	for _, r := range text {
		if strings.ContainsRune(special, r) {
			result.WriteRune('\\')
		}
		result.WriteRune(r)
	}
	return result.String()
}
