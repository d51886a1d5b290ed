// Package gateway bridges client WebSocket connections onto the NATS
// event subjects consumed by the matcher, and forwards per-handle
// notifications back down the socket. It holds no matching state: a
// dropped socket simply publishes a disconnect event and the coordinator
// fences whatever records the handle held.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peermatch/match-service/internal/matching"
	"github.com/peermatch/match-service/internal/messaging"
	"github.com/peermatch/match-service/internal/metrics"
	"github.com/peermatch/match-service/internal/protocol"
	"github.com/peermatch/match-service/internal/ratelimit"
)

// Server is the WebSocket gateway.
type Server struct {
	addr    string
	nats    *messaging.NATSClient
	limiter *ratelimit.Limiter

	mu    sync.RWMutex
	conns map[string]*Connection

	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer creates a gateway listening on addr. A nil limiter disables
// rate limiting.
func NewServer(addr string, nats *messaging.NATSClient, limiter *ratelimit.Limiter, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		nats:    nats,
		limiter: limiter,
		conns:   make(map[string]*Connection),
		log:     logger,
	}
}

// Start begins accepting WebSocket connections. It blocks until the HTTP
// server stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	s.log.Info().Str("addr", s.addr).Msg("gateway listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and closes all client connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = make(map[string]*Connection)
	s.mu.Unlock()

	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// clientAddr extracts the client's address for connection throttling,
// trusting X-Forwarded-For when present since the gateway normally sits
// behind a load balancer.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		addr := clientAddr(r)
		if ok, _ := s.limiter.Allow(r.Context(), addr, ratelimit.RuleConnect); !ok {
			s.log.Warn().Str("addr", addr).Msg("connection rate limited")
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := NewConnection(uuid.New().String(), conn)

	s.mu.Lock()
	s.conns[c.Handle] = c
	s.mu.Unlock()
	metrics.ConnectionsTotal.Inc()

	if err := s.nats.SubscribeNotify(c.Handle, func(data []byte) {
		s.forwardNotification(c, data)
	}); err != nil {
		s.log.Error().Err(err).Str("handle", c.Handle).Msg("notify subscription failed")
		s.drop(c)
		return
	}

	if data, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionHandle: c.Handle,
	}); err == nil {
		c.WriteMessage(data)
	}

	s.log.Info().Str("handle", c.Handle).Msg("connection established")

	go s.readLoop(c)
}

func (s *Server) readLoop(c *Connection) {
	defer s.drop(c)

	for {
		data, op, err := c.ReadMessage()
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		s.dispatch(c, data)
	}
}

// dispatch routes one client frame to its NATS subject, injecting the
// connection handle where the coordinator needs it.
func (s *Server) dispatch(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.sendError(c, "parse_error", "invalid message format")
		return
	}

	switch m := msg.(type) {
	case protocol.PingMsg:
		c.LastPing = time.Now()
		if out, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{}); err == nil {
			c.WriteMessage(out)
		}
	case protocol.MatchingRequestMsg:
		if s.limiter != nil {
			if ok, _ := s.limiter.Allow(context.Background(), m.UserID, ratelimit.RuleMatchRequest); !ok {
				s.sendError(c, "rate_limited", "too many matching requests, slow down")
				return
			}
		}
		s.publish(c, messaging.SubjectRequest, matching.RequestEvent{
			UserID:           m.UserID,
			Topic:            m.Topic,
			Difficulty:       m.Difficulty,
			ConnectionHandle: c.Handle,
		})
	case protocol.ConfirmMsg:
		s.publish(c, messaging.SubjectConfirm, matching.ConfirmEvent{UserID: m.UserID})
	case protocol.DeclineMsg:
		s.publish(c, messaging.SubjectDecline, matching.DeclineEvent{UserID: m.UserID})
	default:
		s.sendError(c, "unsupported_type", fmt.Sprintf("unsupported message type %q", msgType))
	}
}

func (s *Server) publish(c *Connection, subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("event marshal failed")
		return
	}
	if err := s.nats.Publish(subject, data); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Str("handle", c.Handle).
			Msg("event publish failed")
		s.sendError(c, "internal_error", "failed to submit request")
	}
}

// forwardNotification relays a coordinator notification to the client as a
// server message typed by the notification's event name.
func (s *Server) forwardNotification(c *Connection, data []byte) {
	var n struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &n); err != nil {
		s.log.Warn().Err(err).Str("handle", c.Handle).Msg("dropping malformed notification")
		return
	}

	out, err := json.Marshal(map[string]interface{}{
		"type":    n.Event,
		"payload": n.Payload,
	})
	if err != nil {
		return
	}

	if err := c.WriteMessage(out); err != nil {
		s.log.Warn().Err(err).Str("handle", c.Handle).Msg("notification write failed")
	}
}

func (s *Server) sendError(c *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := c.WriteMessage(data); err != nil {
		s.log.Warn().Err(err).Str("handle", c.Handle).Msg("error write failed")
	}
}

// drop unregisters the connection, tears down its notify subscription and
// announces the disconnect to the coordinator.
func (s *Server) drop(c *Connection) {
	s.mu.Lock()
	if _, ok := s.conns[c.Handle]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.Handle)
	s.mu.Unlock()

	metrics.ConnectionsTotal.Dec()
	c.Close()

	if err := s.nats.UnsubscribeNotify(c.Handle); err != nil {
		s.log.Debug().Err(err).Str("handle", c.Handle).Msg("notify unsubscribe failed")
	}

	data, err := json.Marshal(matching.DisconnectEvent{ConnectionHandle: c.Handle})
	if err == nil {
		if err := s.nats.Publish(messaging.SubjectDisconnect, data); err != nil {
			s.log.Error().Err(err).Str("handle", c.Handle).Msg("disconnect publish failed")
		}
	}

	s.log.Info().Str("handle", c.Handle).Msg("connection closed")
}
