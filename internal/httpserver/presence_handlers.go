package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"omnirouter/internal/domain"
	"omnirouter/internal/service"
	"omnirouter/internal/ws"
)

func handleMe(presence ws.PresenceReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CurrentAdvisor(r)
		if caller == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"advisor_id": caller.Subject,
			"role":       caller.Role,
			"presence":   presence.Heartbeat(caller.Subject),
		})
	}
}

type presenceRequest struct {
	Online bool                  `json:"online"`
	Status domain.PresenceStatus `json:"status"`
}

func handleReportPresence(presence ws.PresenceReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CurrentAdvisor(r)
		if caller == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		var req presenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		writeJSON(w, http.StatusOK, presence.Report(caller.Subject, req.Online, req.Status))
	}
}

func handleListPresence(dir *service.DirectoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, dir.Presence())
	}
}

func handleListQueues(dir *service.DirectoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queues, err := dir.Queues(r.Context())
		if err != nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("queues", err))
			return
		}
		writeJSON(w, http.StatusOK, queues)
	}
}

// handleTransferCandidates lists online members of a queue, minus the
// caller. An empty array means nobody can take a transfer right now.
func handleTransferCandidates(dir *service.DirectoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := CurrentAdvisor(r)
		if caller == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		list, err := dir.TransferCandidates(r.Context(), chi.URLParam(r, "queueID"), caller.Subject)
		if err != nil {
			writeResult(w, r, http.StatusOK, nil, domain.Fail("candidates", err))
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}
