package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"inventory-core/internal/auth"
	"inventory-core/internal/config"
	"inventory-core/internal/events"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Hub accepts WebSocket sessions and feeds each one from its own bus subscription.
type Hub struct {
	bus    *events.Bus
	issuer *auth.Issuer
	cfg    config.PushConfig
	logger *zap.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup

	active metric.Int64UpDownCounter
	frames metric.Int64Counter
}

// DefaultPushConfig holds the keep-alive and queue defaults.
func DefaultPushConfig() config.PushConfig {
	return config.PushConfig{
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendQueue:       256,
		MaxMessageBytes: 4096,
		RateLimit:       20,
		RateBurst:       40,
	}
}

func withDefaults(c config.PushConfig) config.PushConfig {
	d := DefaultPushConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

// NewHub builds a hub. allowedOrigins is the comma-separated browser origin list; an
// empty list accepts any origin since every session must present a valid token.
func NewHub(bus *events.Bus, issuer *auth.Issuer, cfg config.PushConfig, allowedOrigins string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		bus:      bus,
		issuer:   issuer,
		cfg:      withDefaults(cfg),
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
	origins := splitOrigins(allowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			for _, o := range origins {
				if o == origin {
					return true
				}
			}
			return false
		},
	}

	meter := otel.Meter("inventory-core/push")
	var err error
	if h.active, err = meter.Int64UpDownCounter("inventory.push.sessions",
		metric.WithDescription("Open push sessions")); err != nil {
		logger.Warn("push metrics unavailable", zap.Error(err))
	}
	if h.frames, err = meter.Int64Counter("inventory.push.frames",
		metric.WithDescription("Frames written to push sessions")); err != nil {
		logger.Warn("push metrics unavailable", zap.Error(err))
	}
	return h
}

// ServeHTTP authenticates the handshake and upgrades the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.issuer.Parse(auth.TokenFromRequest(r))
	if err != nil {
		writeHandshakeError(w, "invalid or missing token", "UNAUTHORIZED", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		writeHandshakeError(w, "server shutting down", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(h, conn, claims)
	if !h.register(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		_ = conn.Close()
		s.sub.Close()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.unregister(s)
		s.run()
	}()
}

// SchemaHandler serves the frame schemas.
func (h *Hub) SchemaHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Schema())
}

// Sessions returns the number of open sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every session and waits for them to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for s := range h.sessions {
		s.stop()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	if h.active != nil {
		h.active.Add(context.Background(), 1)
	}
	h.logger.Info("push session opened",
		zap.String("session_id", s.id),
		zap.String("user_id", s.claims.UserID()),
		zap.String("role", string(s.claims.Role)),
	)
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	if h.active != nil {
		h.active.Add(context.Background(), -1)
	}
	h.logger.Info("push session closed", zap.String("session_id", s.id))
}

func (h *Hub) countFrame(frameType string) {
	if h.frames != nil {
		h.frames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", frameType)))
	}
}

func writeHandshakeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}{message, code})
}

func splitOrigins(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
