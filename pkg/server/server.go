package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/askuuz/askuuz/pkg/coordinator"
	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/storage"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const authTokenCookie = "auth_token"

type contextKey string

const userEmailContextKey contextKey = "userEmail"

// Server exposes the polled accounts over a JSON HTTP API and owns the
// lifecycle of the registry's accounts.
type Server struct {
	registry *coordinator.Registry
	storage  storage.Database

	listenAddr string
	httpServer *http.Server

	adminEmails   []string
	oidcAudience  string
	oidcVerifier  tokenVerifier
	bypassAuth    bool
	encryptionKey string
	serverName    string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(r *coordinator.Registry, s storage.Database) *Server {
	srv := &Server{
		registry:   r,
		storage:    s,
		serverName: "askuuz",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to use the API")
	oidcAudience := lflag.String("oidc-audience", "", "Google client ID to validate id tokens against, empty disables auth")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "Key for encrypting credentials")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = oidcTokenVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
		} else {
			log.Ctx(context.Background()).Warn("oidc-audience is not set, the API is unauthenticated")
			srv.bypassAuth = true
		}

		if len(*encryptionKey) != 32 {
			log.Ctx(context.Background()).Error("credentials-encryption-key must be 32 characters")
			os.Exit(1)
		}
		srv.encryptionKey = *encryptionKey
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	apiMux.HandleFunc("POST /api/accounts", s.handleCreateAccount)
	apiMux.HandleFunc("GET /api/accounts/{id}", s.handleGetAccount)
	apiMux.HandleFunc("DELETE /api/accounts/{id}", s.handleDeleteAccount)
	apiMux.HandleFunc("PUT /api/accounts/{id}/credentials", s.handleUpdateCredentials)
	apiMux.HandleFunc("GET /api/accounts/{id}/history", s.handleHistory)
	apiMux.HandleFunc("POST /api/refresh", s.handleRefresh)
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run loads the stored accounts, starts polling them and serves HTTP. It
// blocks until the context is canceled or an error occurs and handles
// graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.loadAccounts(ctx); err != nil {
		return err
	}

	// the poller has to stop on a listen failure as well as on shutdown
	pollCtx, cancelPoll := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		s.registry.Run(pollCtx)
	}()
	defer func() {
		cancelPoll()
		<-pollDone
	}()

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// loadAccounts registers every stored account with the registry. An account
// that can't be decrypted or is invalid is skipped so the others still poll.
func (s *Server) loadAccounts(ctx context.Context) error {
	accounts, err := s.storage.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	var loaded int
	for _, account := range accounts {
		l := log.Ctx(ctx).With(slog.String("entryID", account.ID), slog.String("service", string(account.Service)))
		if len(account.EncryptedCredentials) > 0 {
			creds, err := s.decryptCredentials(ctx, account.EncryptedCredentials)
			if err != nil {
				l.ErrorContext(ctx, "skipping account with unreadable credentials", slog.Any("error", err))
				continue
			}
			account.Credentials = creds
		}
		if err := s.registry.Load(account); err != nil {
			l.ErrorContext(ctx, "skipping invalid account", slog.Any("error", err))
			continue
		}
		loaded++
	}
	log.Ctx(ctx).InfoContext(ctx, "accounts loaded", slog.Int("count", loaded), slog.Int("stored", len(accounts)))
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

// isAdmin returns true if the email is in the adminEmails list.
func (s *Server) isAdmin(email string) bool {
	for _, adminEmail := range s.adminEmails {
		if email == adminEmail {
			return true
		}
	}
	return false
}
