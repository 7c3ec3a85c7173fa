package control

import (
	"github.com/mattmezza/pacealert/internal/notifier"
)

type MessageType string

const (
	MsgAlert MessageType = "alert"
	MsgSound MessageType = "sound"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type AlertPayload struct {
	notifier.NotificationData
	StreamURL string `json:"stream_url,omitempty"`
}

type SoundPayload struct {
	State     string `json:"state"` // "playing" or "idle"
	Loop      bool   `json:"loop,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}
