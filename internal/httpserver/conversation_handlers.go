package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"omnirouter/internal/domain"
	"omnirouter/internal/observability"
	"omnirouter/internal/service"
)

type callerAction func(ctx context.Context, convID, advisorID string) (*domain.Conversation, error)

func ignoreCaller(fn func(ctx context.Context, convID string) (*domain.Conversation, error)) callerAction {
	return func(ctx context.Context, convID, _ string) (*domain.Conversation, error) {
		return fn(ctx, convID)
	}
}

// handleAction runs a lifecycle action on the conversation in the path as
// the current advisor.
func handleAction(fn callerAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CurrentAdvisor(r)
		if caller == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		conv, err := fn(r.Context(), chi.URLParam(r, "conversationID"), caller.Subject)
		writeResult(w, r, http.StatusOK, conv, err)
	}
}

type transferRequest struct {
	Target *domain.Target `json:"target"`
}

func handleTransfer(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CurrentAdvisor(r)
		if caller == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("transfer", fmt.Errorf("%w: target is required", domain.ErrInvalidInput)))
			return
		}
		conv, err := actions.Transfer(r.Context(), chi.URLParam(r, "conversationID"), *req.Target, caller.Subject)
		writeResult(w, r, http.StatusOK, conv, err)
	}
}

// handleListConversations filters by ?status=queued,attending, ?queue=,
// ?mine=true and ?limit=.
func handleListConversations(dir *service.DirectoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CurrentAdvisor(r)
		if caller == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		q := r.URL.Query()
		in := service.ListInput{QueueID: q.Get("queue")}
		for _, s := range strings.Split(q.Get("status"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				in.Statuses = append(in.Statuses, domain.ConversationStatus(s))
			}
		}
		if mine, _ := strconv.ParseBool(q.Get("mine")); mine {
			in.AdvisorID = caller.Subject
		}
		limit, err := parseLimit(q.Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Limit = limit

		convs, err := dir.ListConversations(r.Context(), in)
		if err != nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("list", err))
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleInbox(dir *service.DirectoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CurrentAdvisor(r)
		if caller == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		convs, err := dir.Inbox(r.Context(), caller.Subject)
		if err != nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("inbox", err))
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleGetConversation(dir *service.DirectoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := dir.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
		if err != nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("get", err))
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func logFromRequest(r *http.Request) *slog.Logger {
	return observability.LoggerFromContext(r.Context())
}
