package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"inventory-core/internal/auth"
	"inventory-core/internal/core"
	"inventory-core/internal/events"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// session is one WebSocket client. Three goroutines serve it: the read loop handles
// client frames, the forward loop turns bus events into frames and the write loop owns
// the connection for writing.
type session struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	claims *auth.Claims
	sub    *events.Subscription

	limiter *rate.Limiter
	send    chan ServerFrame

	mu   sync.Mutex
	subs map[Topic]Filters

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

func newSession(h *Hub, conn *websocket.Conn, claims *auth.Claims) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:      id,
		hub:     h,
		conn:    conn,
		claims:  claims,
		sub:     h.bus.Subscribe("push:"+id, nil, 0),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst),
		send:    make(chan ServerFrame, h.cfg.SendQueue),
		subs:    make(map[Topic]Filters),
		ctx:     ctx,
		cancel:  cancel,
		logger:  h.logger.With(zap.String("session_id", id), zap.String("user_id", claims.UserID())),
	}
}

func (s *session) stop() { s.cancel() }

func (s *session) run() {
	defer s.sub.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.forwardLoop()
	}()
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	s.readLoop()
	s.cancel()
	wg.Wait()
}

// ── Read ──────────────────────────────────────────────────────────────────────

func (s *session) readLoop() {
	cfg := s.hub.cfg
	s.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("push read failed", zap.Error(err))
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if !s.limiter.Allow() {
			s.enqueue(ServerFrame{Type: FrameError, Error: "rate limit exceeded"})
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.enqueue(ServerFrame{Type: FrameError, Error: "invalid frame: " + err.Error()})
			continue
		}
		s.handle(frame)
	}
}

func (s *session) handle(f ClientFrame) {
	switch f.Type {
	case FramePing:
		s.enqueue(ServerFrame{Type: FramePong})
	case FrameSubscribe:
		if err := s.subscribe(f.Topic, f.Filters); err != nil {
			s.enqueue(ServerFrame{Type: FrameSubscriptionError, Topic: f.Topic, Error: err.Error()})
			return
		}
		s.enqueue(ServerFrame{Type: FrameSubscriptionConfirmed, Topic: f.Topic})
	case FrameUnsubscribe:
		s.mu.Lock()
		delete(s.subs, f.Topic)
		s.mu.Unlock()
		s.enqueue(ServerFrame{Type: FrameUnsubscribed, Topic: f.Topic})
	default:
		s.enqueue(ServerFrame{Type: FrameError, Error: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

func (s *session) subscribe(t Topic, f *Filters) error {
	need, ok := topicRoles[t]
	if !ok {
		return fmt.Errorf("unknown topic %q", t)
	}
	if !s.claims.Role.AtLeast(need) {
		return fmt.Errorf("topic %s requires role %s", t, need)
	}
	var filters Filters
	if f != nil {
		filters = *f
	}
	s.mu.Lock()
	s.subs[t] = filters
	s.mu.Unlock()
	return nil
}

// ── Forward ───────────────────────────────────────────────────────────────────

func (s *session) forwardLoop() {
	for {
		ev, err := s.sub.Next(s.ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		frames := route(ev, s.subs)
		s.mu.Unlock()
		for _, f := range frames {
			if !s.enqueue(f) {
				return
			}
		}
	}
}

// enqueue hands f to the write loop. A full queue means the client cannot keep up;
// the session is closed and the client reconciles on reconnect.
func (s *session) enqueue(f ServerFrame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.ctx.Done():
		return false
	default:
		s.logger.Warn("push send queue full, closing session",
			zap.Int("capacity", cap(s.send)),
			zap.Error(core.ErrPushSend),
		)
		s.cancel()
		return false
	}
}

// ── Write ─────────────────────────────────────────────────────────────────────

func (s *session) writeLoop() {
	cfg := s.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(cfg.WriteTimeout))
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Debug("push write failed", zap.Error(errors.Join(core.ErrPushSend, err)))
				s.cancel()
				return
			}
			s.hub.countFrame(f.Type)
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				s.logger.Debug("push ping failed", zap.Error(err))
				s.cancel()
				return
			}
		}
	}
}
