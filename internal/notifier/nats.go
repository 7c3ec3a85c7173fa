package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mattmezza/pacealert/internal/config"
)

// NATSNotifier publishes alerts as JSON to a NATS subject. The dedup key
// travels in the Nats-Msg-Id header so a JetStream stream bound to the
// subject drops duplicates on its own.
type NATSNotifier struct {
	name    string
	subject string
	conn    *nats.Conn
}

func NewNATSNotifier(name string, cfg config.NATSChannelConfig, opts ...nats.Option) (*NATSNotifier, error) {
	defaults := []nats.Option{
		nats.Name("pacealert-" + name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(cfg.URL, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	return &NATSNotifier{name: name, subject: cfg.Subject, conn: nc}, nil
}

func (n *NATSNotifier) Name() string {
	return n.name
}

type natsAlert struct {
	NotificationData
	Message string `json:"message"`
}

func (n *NATSNotifier) Send(ctx context.Context, data NotificationData, templates NotificationTemplates) error {
	msgText, err := renderMessage("nats_message", data, templates)
	if err != nil {
		return fmt.Errorf("failed to render NATS template for %s: %w", data.Body, err)
	}

	payload, err := json.Marshal(natsAlert{NotificationData: data, Message: msgText})
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = payload
	if data.DedupKey != "" {
		msg.Header.Set(nats.MsgIdHdr, data.DedupKey)
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", n.subject, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return n.conn.FlushTimeout(remaining)
		}
		return ctx.Err()
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	n.conn.Close()
	return nil
}
