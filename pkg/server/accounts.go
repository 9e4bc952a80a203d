package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/askuuz/askuuz/pkg/coordinator"
	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/storage"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/google/uuid"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	statuses := make([]coordinator.Status, 0, len(list))
	for _, c := range list {
		statuses = append(statuses, redactStatus(c.Status()))
	}
	writeJSON(w, statuses)
}

// handleGetAccount returns the last canonical record of the account.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}
	rec, ok := c.Data()
	if !ok {
		w.Header().Set("Retry-After", "60")
		writeJSONError(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, rec)
}

type createAccountRequest struct {
	ID           string            `json:"id"`
	Service      types.Service     `json:"service"`
	AccountID    string            `json:"accountID"`
	EnableGas    bool              `json:"enableGas"`
	GasAccountID string            `json:"gasAccountID"`
	Credentials  types.Credentials `json:"credentials"`
}

// handleCreateAccount stores the account and performs the first refresh. The
// account is only kept if that refresh succeeds so bad credentials are
// reported right away.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	account := types.Account{
		ID:           req.ID,
		Service:      req.Service,
		AccountID:    req.AccountID,
		EnableGas:    req.EnableGas,
		GasAccountID: req.GasAccountID,
		CreatedAt:    time.Now().UTC(),
		Credentials:  req.Credentials,
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if err := account.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if account.Credentials.Username == "" || account.Credentials.Password == "" {
		writeJSONError(w, "credentials are required", http.StatusBadRequest)
		return
	}
	if _, err := s.registry.Get(account.ID); err == nil {
		writeJSONError(w, "account already exists", http.StatusConflict)
		return
	}

	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("entryID", account.ID), slog.String("service", string(account.Service))))

	stored := account
	stored.Credentials = types.Credentials{}
	encrypted, err := s.encryptCredentials(ctx, account.Credentials)
	if err != nil {
		writeJSONError(w, "failed to encrypt credentials", http.StatusInternalServerError)
		return
	}
	stored.EncryptedCredentials = encrypted

	// stored before the first refresh so its snapshot has an account to
	// belong to
	if err := s.storage.CreateAccount(ctx, stored); err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			writeJSONError(w, "account already exists", http.StatusConflict)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to store account", slog.Any("error", err))
		writeJSONError(w, "failed to store account", http.StatusInternalServerError)
		return
	}

	if _, err := s.registry.Add(ctx, account); err != nil {
		if delErr := s.storage.DeleteAccount(ctx, account.ID); delErr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to delete account after failed setup", slog.Any("error", delErr))
		}
		switch {
		case errors.Is(err, coordinator.ErrDuplicateAccount):
			writeJSONError(w, "account already exists", http.StatusConflict)
		case errors.Is(err, coordinator.ErrReauthRequired):
			writeJSONError(w, "invalid_auth", http.StatusUnprocessableEntity)
		default:
			log.Ctx(ctx).WarnContext(ctx, "first refresh failed", slog.Any("error", err))
			writeJSONError(w, "cannot_connect", http.StatusBadGateway)
		}
		return
	}

	c, err := s.registry.Get(account.ID)
	if err != nil {
		// removed concurrently
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Location", "/api/accounts/"+account.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(redactStatus(c.Status())); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// handleDeleteAccount deletes the stored account before dropping its
// coordinator so a storage failure leaves the account fully in place.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var storeErr error
	err := s.registry.RemoveFunc(id, func() error {
		storeErr = s.storage.DeleteAccount(ctx, id)
		if errors.Is(storeErr, storage.ErrAccountNotFound) {
			storeErr = nil
		}
		return storeErr
	})
	switch {
	case storeErr != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete account", slog.String("entryID", id), slog.Any("error", storeErr))
		writeJSONError(w, "failed to delete account", http.StatusInternalServerError)
		return
	case err != nil:
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "account removed", slog.String("entryID", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateCredentials replaces the credentials of an account, typically
// after the portal started rejecting the old ones. The new credentials are
// only stored once a refresh with them succeeded.
func (s *Server) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var creds types.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&creds); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if creds.Username == "" || creds.Password == "" {
		writeJSONError(w, "credentials are required", http.StatusBadRequest)
		return
	}

	c, err := s.registry.Get(id)
	if err != nil {
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}
	account := c.Account()
	account.Credentials = creds
	account.EncryptedCredentials = nil

	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("entryID", account.ID), slog.String("service", string(account.Service))))

	encrypted, err := s.encryptCredentials(ctx, creds)
	if err != nil {
		writeJSONError(w, "failed to encrypt credentials", http.StatusInternalServerError)
		return
	}
	stored := account
	stored.Credentials = types.Credentials{}
	stored.EncryptedCredentials = encrypted

	var storeErr error
	_, err = s.registry.Replace(ctx, account, func() error {
		storeErr = s.storage.UpdateAccount(ctx, stored)
		if errors.Is(storeErr, storage.ErrAccountNotFound) {
			// loaded from an accounts file, never stored
			storeErr = s.storage.CreateAccount(ctx, stored)
		}
		return storeErr
	})
	switch {
	case err == nil:
	case storeErr != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to store account", slog.Any("error", storeErr))
		writeJSONError(w, "failed to store account", http.StatusInternalServerError)
		return
	case errors.Is(err, coordinator.ErrUnknownAccount):
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	case errors.Is(err, coordinator.ErrReauthRequired):
		writeJSONError(w, "invalid_auth", http.StatusUnprocessableEntity)
		return
	default:
		log.Ctx(ctx).WarnContext(ctx, "refresh with new credentials failed", slog.Any("error", err))
		writeJSONError(w, "cannot_connect", http.StatusBadGateway)
		return
	}

	c, err = s.registry.Get(id)
	if err != nil {
		// removed concurrently
		writeJSONError(w, "account not found", http.StatusNotFound)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "account credentials updated")
	writeJSON(w, redactStatus(c.Status()))
}

// redactStatus drops anything secret before a status leaves the process.
func redactStatus(st coordinator.Status) coordinator.Status {
	st.Account.Credentials = types.Credentials{}
	st.Account.EncryptedCredentials = nil
	return st
}
