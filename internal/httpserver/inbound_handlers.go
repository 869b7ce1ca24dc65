package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"omnirouter/internal/domain"
	"omnirouter/internal/lifecycle"
)

type inboundRequest struct {
	Phone      string `json:"phone"`
	Type       string `json:"type"`
	Body       string `json:"body"`
	ExternalID string `json:"external_id"`
}

// handleInbound accepts a client message from the channel adapter and
// answers with the conversation it landed in.
func handleInbound(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req inboundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("inbound", fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidInput)))
			return
		}
		typ := domain.MessageType(req.Type)
		if typ == "" {
			typ = domain.MessageText
		}
		convID, err := actions.OnInboundMessage(r.Context(), req.Phone, lifecycle.InboundMessage{
			Type:       typ,
			Body:       req.Body,
			ExternalID: req.ExternalID,
		})
		var data any
		if err == nil {
			data = map[string]string{"conversation_id": convID}
		}
		writeResult(w, r, http.StatusOK, data, err)
	}
}

type receiptRequest struct {
	MessageID  string    `json:"message_id"`
	ExternalID string    `json:"external_id"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

func handleReceipt(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req receiptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("receipt", fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidInput)))
			return
		}
		if req.At.IsZero() {
			req.At = time.Now()
		}
		err := actions.ApplyReceipt(r.Context(), domain.Receipt{
			MessageID:  req.MessageID,
			ExternalID: req.ExternalID,
			Status:     domain.MessageStatus(req.Status),
			At:         req.At,
		})
		writeResult(w, r, http.StatusOK, nil, err)
	}
}
