package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-grouping/internal/events"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// Subscriber is the part of the event hub a session needs.
type Subscriber interface {
	Subscribe(requestID string) (<-chan events.Event, func())
}

// WSSession is one connected client following a request.
type WSSession struct {
	requestID string
	conn      *websocket.Conn
	mu        sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *WSSession) close(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// WSRegistry streams lifecycle events to connected clients, one subscription
// per session.
type WSRegistry struct {
	hub    Subscriber
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
}

func NewWSRegistry(hub Subscriber, logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{hub: hub, logger: logger.With("component", "ws"), sessions: make(map[*WSSession]struct{})}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Serve subscribes conn to requestID's events, sends first as the opening
// frame when it is non-nil, and blocks until the client goes away or ctx is
// done. The connection is closed on return.
func (r *WSRegistry) Serve(ctx context.Context, conn *websocket.Conn, requestID string, first any) error {
	evts, cancel := r.hub.Subscribe(requestID)
	defer cancel()

	s := &WSSession{requestID: requestID, conn: conn}
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, s)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	// Client frames are ignored; reading surfaces the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if first != nil {
		if err := s.Send(first); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.close(websocket.CloseGoingAway, "server shutting down")
			return ctx.Err()
		case <-gone:
			return nil
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return err
			}
		case e, ok := <-evts:
			if !ok {
				// The hub dropped us for falling behind.
				r.logger.Warn("ws subscriber lagging", "request_id", requestID)
				s.close(websocket.CloseTryAgainLater, "lagging, reconnect")
				return nil
			}
			if err := s.Send(e); err != nil {
				r.logger.Warn("ws send error", "request_id", requestID, "error", err)
				return err
			}
		}
	}
}
