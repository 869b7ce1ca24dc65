package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"omnirouter/internal/clock"
	"omnirouter/internal/domain"
	"omnirouter/internal/lifecycle"
	"omnirouter/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Actions is the advisor action API reachable from a socket.
type Actions interface {
	Accept(ctx context.Context, convID, advisorID string) (*domain.Conversation, error)
	Reject(ctx context.Context, convID, advisorID string) (*domain.Conversation, error)
	Transfer(ctx context.Context, convID string, target domain.Target, by string) (*domain.Conversation, error)
	TakeOver(ctx context.Context, convID, advisorID string) (*domain.Conversation, error)
	Archive(ctx context.Context, convID string) (*domain.Conversation, error)
	Unarchive(ctx context.Context, convID string) (*domain.Conversation, error)
	Route(ctx context.Context, convID string) (*domain.Conversation, error)
	MarkRead(ctx context.Context, convID, advisorID string) (*domain.Conversation, error)
	SendOutbound(ctx context.Context, convID, advisorID string, out lifecycle.OutboundMessage) (*domain.Message, error)
}

// PresenceReporter ingests presence from connected advisors.
type PresenceReporter interface {
	Report(userID string, online bool, status domain.PresenceStatus) domain.Presence
	Heartbeat(userID string) domain.Presence
}

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

// frame is a client → server message.
type frame struct {
	Type           string                 `json:"type"`
	RequestID      string                 `json:"request_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Target         *domain.Target         `json:"target,omitempty"`
	Status         *domain.PresenceStatus `json:"status,omitempty"`
	Online         *bool                  `json:"online,omitempty"`
	MessageType    string                 `json:"message_type,omitempty"`
	Body           string                 `json:"body,omitempty"`
}

// ack answers an action frame.
type ack struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if _, wildcard := allowed["*"]; wildcard {
		return func(r *http.Request) bool { return true }
	}
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			// non-browser clients
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// MakeHandler returns the /ws endpoint. After bearer authentication the
// advisor is marked online, subscribed to the hub and may send frames:
//   - heartbeat / presence -> presence registry
//   - accept, reject, transfer, take_over, archive, unarchive, route,
//     mark_read, send -> lifecycle controller, answered with an ack
//   - typing -> fanned out as a typing event
func MakeHandler(
	hub *Hub,
	tokens *security.TokenService,
	actions Actions,
	presence PresenceReporter,
	clk clock.Clock,
	allowedOrigins []string,
	logger *slog.Logger,
) http.HandlerFunc {
	if clk == nil {
		clk = clock.New()
	}
	checkOrigin := makeCheckOrigin(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			var authErr wsAuthError
			if errors.As(err, &authErr) {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		advisorID := claims.Subject

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		clientID := uuid.NewString()
		log := logger.With(slog.String("advisor_id", advisorID), slog.String("client_id", clientID))

		sub := hub.Subscribe(clientID, advisorID)
		presence.Heartbeat(advisorID)
		log.Info("advisor connected")

		replies := make(chan ack, 16)
		done := make(chan struct{})
		go writeLoop(conn, sub, replies, done, log)

		defer func() {
			close(done)
			if remaining := hub.Unsubscribe(clientID); remaining == 0 {
				presence.Report(advisorID, false, domain.PresenceStatus{})
			}
			log.Info("advisor disconnected", slog.Int64("dropped_events", sub.Dropped()))
		}()

		conn.SetReadLimit(64 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			presence.Heartbeat(advisorID)
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		s := &session{
			advisorID: advisorID,
			actions:   actions,
			presence:  presence,
			hub:       hub,
			clock:     clk,
			logger:    log,
		}
		ctx := context.WithoutCancel(r.Context())
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			if reply, ok := s.handle(ctx, f); ok {
				select {
				case replies <- reply:
				default:
					log.Warn("reply dropped, client too slow", slog.String("type", f.Type))
				}
			}
		}
	}
}

// writeLoop is the only writer on conn.
func writeLoop(conn *websocket.Conn, sub *Subscription, replies <-chan ack, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			log.Debug("ws write failed", slog.Any("error", err))
			_ = conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub.C:
			if !ok || !write(evt) {
				return
			}
		case reply := <-replies:
			if !write(reply) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

type session struct {
	advisorID string
	actions   Actions
	presence  PresenceReporter
	hub       *Hub
	clock     clock.Clock
	logger    *slog.Logger
}

// handle executes one frame; the bool says whether an ack is due.
func (s *session) handle(ctx context.Context, f frame) (ack, bool) {
	reply := ack{Type: "ack", RequestID: f.RequestID, OK: true}
	var (
		data any
		err  error
	)

	switch f.Type {
	case "heartbeat":
		s.presence.Heartbeat(s.advisorID)
		return reply, false
	case "presence":
		online := true
		if f.Online != nil {
			online = *f.Online
		}
		var st domain.PresenceStatus
		if f.Status != nil {
			st = *f.Status
		}
		data = s.presence.Report(s.advisorID, online, st)
	case "typing":
		if f.ConversationID == "" {
			return reply, false
		}
		s.hub.Publish(domain.Event{
			ID:             uuid.NewString(),
			Kind:           domain.EventTyping,
			ConversationID: f.ConversationID,
			UserID:         s.advisorID,
			Time:           s.clock.Now(),
		})
		return reply, false
	case "accept":
		data, err = s.actions.Accept(ctx, f.ConversationID, s.advisorID)
	case "reject":
		data, err = s.actions.Reject(ctx, f.ConversationID, s.advisorID)
	case "transfer":
		if f.Target == nil {
			err = fmt.Errorf("%w: target is required", domain.ErrInvalidInput)
			break
		}
		data, err = s.actions.Transfer(ctx, f.ConversationID, *f.Target, s.advisorID)
	case "take_over":
		data, err = s.actions.TakeOver(ctx, f.ConversationID, s.advisorID)
	case "archive":
		data, err = s.actions.Archive(ctx, f.ConversationID)
	case "unarchive":
		data, err = s.actions.Unarchive(ctx, f.ConversationID)
	case "route":
		data, err = s.actions.Route(ctx, f.ConversationID)
	case "mark_read":
		data, err = s.actions.MarkRead(ctx, f.ConversationID, s.advisorID)
	case "send":
		data, err = s.actions.SendOutbound(ctx, f.ConversationID, s.advisorID, lifecycle.OutboundMessage{
			Type: domain.MessageType(f.MessageType),
			Body: f.Body,
		})
	default:
		s.logger.Debug("unknown frame type", slog.String("type", f.Type))
		reply.OK = false
		reply.Reason = domain.ReasonInvalidInput
		return reply, true
	}

	if err != nil {
		reply.OK = false
		reply.Reason = domain.ReasonOf(err)
		return reply, true
	}
	reply.Data = data
	return reply, true
}
