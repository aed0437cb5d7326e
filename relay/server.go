// Package relay is a reference realtime relay: an HTTP server that
// authenticates Telegram users, upgrades them to websockets and routes
// envelopes between their connections, across nodes when bridged.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lisuiheng/terrimatch-go/identity"
)

type PresenceConfig struct {
	Backend       string `mapstructure:"backend" validate:"omitempty,oneof=memory redis"`
	RedisAddr     string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

type BridgeConfig struct {
	Backend string     `mapstructure:"backend" validate:"omitempty,oneof=local nats"`
	NATS    NATSConfig `mapstructure:"nats"`
}

type Config struct {
	Addr           string         `mapstructure:"addr" validate:"required"`
	NodeID         string         `mapstructure:"node_id"`
	BotToken       string         `mapstructure:"bot_token"`
	JWTSecret      string         `mapstructure:"jwt_secret" validate:"required,min=16"`
	TokenTTL       time.Duration  `mapstructure:"token_ttl" validate:"gte=0"`
	InitDataMaxAge time.Duration  `mapstructure:"init_data_max_age" validate:"gte=0"`
	AllowedOrigins []string       `mapstructure:"allowed_origins"`
	SendBuffer     int            `mapstructure:"send_buffer" validate:"gte=0"`
	RateLimit      float64        `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst      int            `mapstructure:"rate_burst" validate:"gte=0"`
	PingInterval   time.Duration  `mapstructure:"ping_interval" validate:"gte=0"`
	PongWait       time.Duration  `mapstructure:"pong_wait" validate:"gte=0"`
	WriteWait      time.Duration  `mapstructure:"write_wait" validate:"gte=0"`
	Presence       PresenceConfig `mapstructure:"presence"`
	Bridge         BridgeConfig   `mapstructure:"bridge"`
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 256
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.InitDataMaxAge == 0 {
		c.InitDataMaxAge = 24 * time.Hour
	}
	return c
}

// ProfileStore records users that sign in through Telegram.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, u identity.User) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      Config
	hub      *Hub
	issuer   *identity.Issuer
	profiles ProfileStore
	pinger   Pinger
	upgrader websocket.Upgrader
	logger   *slog.Logger
	handler  http.Handler
}

type ServerOption func(*Server)

func WithProfiles(p ProfileStore) ServerOption { return func(s *Server) { s.profiles = p } }

func WithHealthCheck(p Pinger) ServerOption { return func(s *Server) { s.pinger = p } }

func NewServer(cfg Config, hub *Hub, issuer *identity.Issuer, log *slog.Logger, opts ...ServerOption) (*Server, error) {
	if hub == nil || issuer == nil {
		return nil, errors.New("relay server needs a hub and a token issuer")
	}
	if log == nil {
		return nil, errors.New("logger is nil")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = hub.opts.NodeID
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		issuer: issuer,
		logger: log.With("component", "relay"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/auth/telegram", s.handleTelegramAuth)
	r.Get("/ws", s.handleWebSocket)
	return r
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening", "addr", s.cfg.Addr, "node", s.cfg.NodeID)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down relay")
	err := srv.Shutdown(shutdownCtx)
	if cerr := s.hub.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	user, err := s.issuer.Verify(token)
	if err != nil {
		s.logger.Debug("Rejected websocket token", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "user", user.Key(), "error", err)
		return
	}

	p := newPeer(s.hub, conn, user.Key())
	go p.writePump()
	s.hub.register(r.Context(), p)
	go p.readPump()
}

type telegramAuthRequest struct {
	InitData string `json:"init_data"`
}

type telegramAuthResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	User      identity.User `json:"user"`
}

func (s *Server) handleTelegramAuth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.BotToken == "" {
		writeError(w, http.StatusNotImplemented, "telegram login not configured")
		return
	}
	var req telegramAuthRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil || req.InitData == "" {
		writeError(w, http.StatusBadRequest, "init_data required")
		return
	}

	user, err := identity.ParseInitData(req.InitData, s.cfg.BotToken, s.cfg.InitDataMaxAge)
	if err != nil {
		s.logger.Info("Rejected telegram init data", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid init data")
		return
	}
	if s.profiles != nil {
		if err := s.profiles.UpsertProfile(r.Context(), user); err != nil {
			s.logger.Error("Failed to record profile", "user", user.Key(), "error", err)
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}

	token, err := s.issuer.Issue(user)
	if err != nil {
		s.logger.Error("Failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	writeJSON(w, http.StatusOK, telegramAuthResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(s.issuer.TTL()),
		User:      user,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"node":        s.cfg.NodeID,
		"connections": s.hub.PeerCount(),
	}
	status := http.StatusOK
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // response write errors are not recoverable
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
