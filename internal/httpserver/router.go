package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"omnirouter/internal/clock"
	"omnirouter/internal/config"
	"omnirouter/internal/domain"
	"omnirouter/internal/lifecycle"
	"omnirouter/internal/security"
	"omnirouter/internal/service"
	"omnirouter/internal/ws"
)

// Actions is the lifecycle surface driven over HTTP: the advisor actions
// shared with the websocket plus the channel-facing entry points.
type Actions interface {
	ws.Actions
	OnInboundMessage(ctx context.Context, phone string, in lifecycle.InboundMessage) (string, error)
	ApplyReceipt(ctx context.Context, r domain.Receipt) error
}

// Deps groups what the router wires into handlers.
type Deps struct {
	Config    *config.Config
	Tokens    *security.TokenService
	Actions   Actions
	Directory *service.DirectoryService
	Presence  ws.PresenceReporter
	Hub       *ws.Hub
	Clock     clock.Clock
	Logger    *slog.Logger
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestContext)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": d.Config.AppName + " routing API", "version": "1.0.0"})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":             "healthy",
			"subscribers":        d.Hub.Len(),
			"advisors_connected": len(d.Hub.ConnectedUsers()),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(AuthMiddleware(d.Tokens))

		r.Get("/me", handleMe(d.Presence))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", handleListConversations(d.Directory))
			r.Get("/{conversationID}", handleGetConversation(d.Directory))
			r.Get("/{conversationID}/messages", handleListMessages(d.Directory))
			r.Post("/{conversationID}/messages", handleSendMessage(d.Actions))

			r.Post("/{conversationID}/accept", handleAction(d.Actions.Accept))
			r.Post("/{conversationID}/reject", handleAction(d.Actions.Reject))
			r.Post("/{conversationID}/take-over", handleAction(d.Actions.TakeOver))
			r.Post("/{conversationID}/read", handleAction(d.Actions.MarkRead))
			r.Post("/{conversationID}/archive", handleAction(ignoreCaller(d.Actions.Archive)))
			r.Post("/{conversationID}/unarchive", handleAction(ignoreCaller(d.Actions.Unarchive)))
			r.Post("/{conversationID}/route", handleAction(ignoreCaller(d.Actions.Route)))
			r.Post("/{conversationID}/transfer", handleTransfer(d.Actions))
		})
		r.Get("/inbox", handleInbox(d.Directory))

		r.Route("/queues", func(r chi.Router) {
			r.Get("/", handleListQueues(d.Directory))
			r.Get("/{queueID}/candidates", handleTransferCandidates(d.Directory))
		})

		r.Get("/presence", handleListPresence(d.Directory))
		r.Post("/presence", handleReportPresence(d.Presence))

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(security.RoleChannel, security.RoleSupervisor))
			r.Post("/inbound", handleInbound(d.Actions))
			r.Post("/receipts", handleReceipt(d.Actions))
		})
	})

	r.Get("/ws", ws.MakeHandler(d.Hub, d.Tokens, d.Actions, d.Presence, d.Clock, d.Config.CORSOrigins, d.Logger))

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// actionResponse mirrors the websocket ack.
type actionResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func writeResult(w http.ResponseWriter, r *http.Request, okStatus int, data any, err error) {
	if err == nil {
		writeJSON(w, okStatus, actionResponse{OK: true, Data: data})
		return
	}
	reason := domain.ReasonOf(err)
	status := statusFor(reason)
	if status >= http.StatusInternalServerError {
		logFromRequest(r).Error("request failed", slog.String("reason", reason), slog.Any("error", err))
	}
	writeJSON(w, status, actionResponse{OK: false, Reason: reason})
}

// statusFor maps a lifecycle reason code to an HTTP status.
func statusFor(reason string) int {
	switch reason {
	case domain.ReasonNotFound:
		return http.StatusNotFound
	case domain.ReasonInvalidInput:
		return http.StatusBadRequest
	case domain.ReasonNotAssignedToCaller, domain.ReasonNotQueueMember:
		return http.StatusForbidden
	case domain.ReasonNoCandidates:
		return http.StatusUnprocessableEntity
	case domain.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	case domain.ReasonInternal, "":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}
