package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mattmezza/pacealert/internal/notifier"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster streams alerts and sound transitions to browser clients.
// It is both an alert sink and a sound player: a connected dashboard
// shows the alert and plays or silences the sound locally.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	maxClients int
	sound      SoundPayload
	logger     *zap.SugaredLogger
}

func NewBroadcaster(maxClients int, logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		clients:    make(map[*client]bool),
		maxClients: maxClients,
		sound:      SoundPayload{State: "idle"},
		logger:     logger,
	}
}

// AddClient registers conn and sends it the current sound state so a
// dashboard that connects mid-alert starts playing too.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn)
	b.clients[c] = true
	current := b.sound
	b.mu.Unlock()

	data, _ := json.Marshal(WSMessage{Type: MsgSound, Payload: current})
	select {
	case c.send <- data:
	default:
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	return nil
}

func (b *Broadcaster) Name() string {
	return "websocket"
}

func (b *Broadcaster) Send(_ context.Context, data notifier.NotificationData, _ notifier.NotificationTemplates) error {
	b.broadcast(WSMessage{
		Type:    MsgAlert,
		Payload: AlertPayload{NotificationData: data, StreamURL: notifier.StreamURL(data.LiveAccount)},
	})
	return nil
}

func (b *Broadcaster) Play(loop bool, timeout time.Duration) error {
	payload := SoundPayload{State: "playing", Loop: loop, TimeoutMs: timeout.Milliseconds()}
	b.mu.Lock()
	b.sound = payload
	b.mu.Unlock()
	b.broadcast(WSMessage{Type: MsgSound, Payload: payload})
	return nil
}

func (b *Broadcaster) Stop() error {
	payload := SoundPayload{State: "idle"}
	b.mu.Lock()
	b.sound = payload
	b.mu.Unlock()
	b.broadcast(WSMessage{Type: MsgSound, Payload: payload})
	return nil
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Errorw("broadcast marshal error", "type", msg.Type, "error", err)
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warnw("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}
