package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/askuuz/askuuz/pkg/coordinator"
	"github.com/askuuz/askuuz/pkg/log"
)

type refreshRequest struct {
	ID string `json:"id"`
}

type refreshResponse struct {
	Accounts []coordinator.Status `json:"accounts"`
	Errors   []string             `json:"errors,omitempty"`
}

// handleRefresh refreshes the account named in the body, or every account
// when the body is empty.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.ID == "" {
		var resp refreshResponse
		if err := s.registry.RefreshAll(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "manual refresh had failures", slog.Any("error", err))
			resp.Errors = unwrapJoined(err)
		}
		resp.Accounts = []coordinator.Status{}
		for _, c := range s.registry.List() {
			resp.Accounts = append(resp.Accounts, redactStatus(c.Status()))
		}
		writeJSON(w, resp)
		return
	}

	_, err = s.registry.Refresh(ctx, req.ID)
	if errors.Is(err, coordinator.ErrUnknownAccount) {
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}
	c, getErr := s.registry.Get(req.ID)
	if getErr != nil {
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}
	status := redactStatus(c.Status())
	switch {
	case err == nil:
		writeJSON(w, refreshResponse{Accounts: []coordinator.Status{status}})
	case errors.Is(err, coordinator.ErrReauthRequired):
		writeJSONError(w, "invalid_auth", http.StatusUnprocessableEntity)
	default:
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	}
}

func unwrapJoined(err error) []string {
	var msgs []string
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
