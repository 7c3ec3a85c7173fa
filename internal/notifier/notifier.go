package notifier

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	gotexttemplate "text/template"
	"time"

	"go.uber.org/zap"

	"github.com/mattmezza/pacealert/internal/config"
)

// NotificationData is the alert request handed to every sink and the data
// passed to templates.
type NotificationData struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`      // "<participant>: <label> (<mm:ss>)"
	DedupKey    string    `json:"dedup_key"` // stable for identical bodies
	StopAction  string    `json:"stop_action,omitempty"`
	Participant string    `json:"participant"`
	MilestoneID string    `json:"milestone_id"`
	Label       string    `json:"label"`
	Elapsed     string    `json:"elapsed"`
	LiveAccount string    `json:"live_account,omitempty"`
	Time        time.Time `json:"time"`
}

type NotificationTemplates struct {
	AlertTemplate string
}

// Notifier is the interface for all notification channel types.
type Notifier interface {
	Send(ctx context.Context, data NotificationData, templates NotificationTemplates) error
	Name() string // Returns the configured channel name
}

var templateFuncs = gotexttemplate.FuncMap{
	"streamURL": StreamURL,
	"upper":     strings.ToUpper,
}

// StreamURL links a live account handle to its stream page.
func StreamURL(handle string) string {
	if handle == "" {
		return ""
	}
	return "https://twitch.tv/" + handle
}

func renderTemplate(templateName string, templateStr string, data NotificationData) (string, error) {
	tmpl, err := gotexttemplate.New(templateName).Funcs(templateFuncs).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse notification template '%s': %w", templateName, err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute notification template '%s': %w", templateName, err)
	}
	return buf.String(), nil
}

// renderMessage renders the alert template, falling back to title and body
// when no template is configured.
func renderMessage(name string, data NotificationData, templates NotificationTemplates) (string, error) {
	if templates.AlertTemplate == "" {
		return strings.TrimSpace(data.Title + " " + data.Body), nil
	}
	return renderTemplate(name, templates.AlertTemplate, data)
}

// ValidateTemplate parses tmpl and executes it once against sample data so
// configuration mistakes surface at startup instead of on the first alert.
func ValidateTemplate(tmpl string) error {
	_, err := renderTemplate("validate", tmpl, NotificationData{
		Title:       config.DefaultTitle,
		Body:        "Feinberg: Enter End (05:00)",
		Participant: "Feinberg",
		MilestoneID: "rsg.enter_end",
		Label:       "Enter End",
		Elapsed:     "05:00",
		LiveAccount: "feinberg",
		Time:        time.Now(),
	})
	return err
}

func InitializeNotifiers(cfgNotifChannels []config.NotificationChannelConfig, logger *zap.SugaredLogger) (map[string]Notifier, error) {
	notifiers := make(map[string]Notifier)
	for _, ncCfg := range cfgNotifChannels {
		var instance Notifier
		var err error
		switch ncCfg.Type {
		case "email":
			emailCfg, convErr := config.GetEmailChannelConfig(ncCfg)
			if convErr != nil {
				logger.Warnw("skipping email channel due to config error", "channel", ncCfg.Name, "error", convErr)
				continue
			}
			instance, err = NewEmailNotifier(ncCfg.Name, *emailCfg)
		case "telegram":
			telegramCfg, convErr := config.GetTelegramChannelConfig(ncCfg)
			if convErr != nil {
				logger.Warnw("skipping telegram channel due to config error", "channel", ncCfg.Name, "error", convErr)
				continue
			}
			instance, err = NewTelegramNotifier(ncCfg.Name, *telegramCfg)
		case "nats":
			natsCfg, convErr := config.GetNATSChannelConfig(ncCfg)
			if convErr != nil {
				logger.Warnw("skipping nats channel due to config error", "channel", ncCfg.Name, "error", convErr)
				continue
			}
			instance, err = NewNATSNotifier(ncCfg.Name, *natsCfg)
		case "stdout":
			instance, err = NewStdoutNotifier(ncCfg.Name)
		default:
			logger.Warnw("unsupported notification channel type, skipping", "channel", ncCfg.Name, "type", ncCfg.Type)
			continue
		}

		if err != nil {
			logger.Warnw("failed to initialize notifier, skipping", "channel", ncCfg.Name, "type", ncCfg.Type, "error", err)
			continue
		}
		if _, exists := notifiers[ncCfg.Name]; exists {
			closeAll(notifiers)
			if c, ok := instance.(interface{ Close() error }); ok {
				c.Close()
			}
			return nil, fmt.Errorf("duplicate notification channel name defined: %s", ncCfg.Name)
		}
		notifiers[ncCfg.Name] = instance
		logger.Infow("notifier initialized", "channel", ncCfg.Name, "type", ncCfg.Type)
	}
	return notifiers, nil
}

// CloseAll releases notifiers that hold connections.
func CloseAll(notifiers map[string]Notifier) {
	closeAll(notifiers)
}

func closeAll(notifiers map[string]Notifier) {
	for _, n := range notifiers {
		if c, ok := n.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}
