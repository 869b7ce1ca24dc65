package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"omnirouter/internal/domain"
	"omnirouter/internal/lifecycle"
	"omnirouter/internal/service"
)

const defaultMessageLimit = 100

type messageSendRequest struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

func handleSendMessage(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CurrentAdvisor(r)
		if caller == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		var req messageSendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResult(w, r, http.StatusCreated, nil, domain.Fail("send", fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidInput)))
			return
		}
		msg, err := actions.SendOutbound(r.Context(), chi.URLParam(r, "conversationID"), caller.Subject, lifecycle.OutboundMessage{
			Type: domain.MessageType(req.Type),
			Body: req.Body,
		})
		writeResult(w, r, http.StatusCreated, msg, err)
	}
}

func handleListMessages(dir *service.DirectoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if limit == 0 {
			limit = defaultMessageLimit
		}
		msgs, err := dir.Messages(r.Context(), chi.URLParam(r, "conversationID"), limit)
		if err != nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("messages", err))
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}
