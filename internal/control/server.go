// Package control serves the HTTP and WebSocket control surface: loop
// start and stop, manual sound stop, status and the recent alert log.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mattmezza/pacealert/internal/catalog"
	"github.com/mattmezza/pacealert/internal/dispatch"
	"github.com/mattmezza/pacealert/internal/history"
	"github.com/mattmezza/pacealert/internal/poller"
)

type LoopController interface {
	Start() error
	Stop()
	Status() poller.Status
}

type SoundController interface {
	StopSound() bool
	SoundStatus() dispatch.SoundStatus
}

type Options struct {
	Loop           LoopController
	Sound          SoundController
	History        *history.AlertLog
	Catalog        *catalog.Catalog
	Broadcaster    *Broadcaster
	AuthToken      string
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

type Server struct {
	loop           LoopController
	sound          SoundController
	history        *history.AlertLog
	catalog        *catalog.Catalog
	broadcaster    *Broadcaster
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	logger         *zap.SugaredLogger
	httpServer     *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{
		loop:           opts.Loop,
		sound:          opts.Sound,
		history:        opts.History,
		catalog:        opts.Catalog,
		broadcaster:    opts.Broadcaster,
		authToken:      opts.AuthToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		logger:         opts.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/loop/start", s.handleLoopStart)
	mux.HandleFunc("/api/loop/stop", s.handleLoopStop)
	mux.HandleFunc("/api/sound/stop", s.handleSoundStop)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/milestones", s.handleMilestones)
	return mux
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("control server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Loop        poller.Status        `json:"loop"`
	Sound       dispatch.SoundStatus `json:"sound"`
	AlertsTotal int                  `json:"alerts_total"`
	WSClients   int                  `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Loop:  s.loop.Status(),
		Sound: s.sound.SoundStatus(),
	}
	if s.history != nil {
		resp.AlertsTotal = s.history.Total()
	}
	if s.broadcaster != nil {
		resp.WSClients = s.broadcaster.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLoopStart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.loop.Start(); err != nil {
		if errors.Is(err, poller.ErrAlreadyRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Infow("poll loop started via control surface", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.loop.Status())
}

func (s *Server) handleLoopStop(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.loop.Stop()
	s.logger.Infow("poll loop stopped via control surface", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.loop.Status())
}

// handleSoundStop is the stop action linked from notifications. It only
// silences the sound, so it accepts GET from a tapped link and skips auth.
func (s *Server) handleSoundStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stopped := s.sound.StopSound()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries := []history.Entry{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since, want RFC 3339", http.StatusBadRequest)
			return
		}
		if s.history != nil {
			entries = append(entries, s.history.Since(since)...)
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	if s.history != nil {
		entries = append(entries, s.history.Recent(limit)...)
	}
	writeJSON(w, http.StatusOK, entries)
}

type milestoneView struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	ThresholdMs int64  `json:"threshold_ms"`
	Threshold   string `json:"threshold"`
	Alerts      bool   `json:"alerts"`
}

func (s *Server) handleMilestones(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	views := []milestoneView{}
	if s.catalog != nil {
		for _, m := range s.catalog.All() {
			views = append(views, milestoneView{
				ID:          m.ID,
				Label:       m.Label,
				ThresholdMs: m.Threshold.Milliseconds(),
				Threshold:   m.Threshold.String(),
				Alerts:      m.Threshold > 0,
			})
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.broadcaster == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws upgrade error", "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	s.logger.Infow("websocket client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Infow("websocket client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
