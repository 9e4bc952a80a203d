package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/coreos/go-oidc/v3/oidc"
)

// tokenClaims are the parts of a verified ID token the API cares about.
type tokenClaims struct {
	Email   string
	Subject string
	Expiry  time.Time
}

// tokenVerifier validates a raw ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (tokenClaims, error)

func oidcTokenVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (tokenClaims, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return tokenClaims{}, err
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return tokenClaims{}, fmt.Errorf("failed to parse claims: %w", err)
		}
		if !claims.EmailVerified {
			return tokenClaims{}, errors.New("email is not verified")
		}
		return tokenClaims{
			Email:   claims.Email,
			Subject: idToken.Subject,
			Expiry:  idToken.Expiry,
		}, nil
	}
}

// authMiddleware requires a valid ID token from an admin email for every API
// path except the auth ones. The token is read from the Authorization header
// or the auth cookie set by handleLogin.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if s.bypassAuth {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		allowNoLogin := r.URL.Path == "/api/auth/login" || r.URL.Path == "/api/auth/status" || r.URL.Path == "/api/auth/logout"

		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
				writeJSONError(w, "invalid auth header", http.StatusBadRequest)
				return
			}
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else if authCookie, err := r.Cookie(authTokenCookie); err == nil {
			token = authCookie.Value
		} else if !errors.Is(err, http.ErrNoCookie) {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get auth cookie", slog.Any("error", err))
			writeJSONError(w, "invalid auth cookie", http.StatusBadRequest)
			return
		}

		if token == "" {
			if allowNoLogin {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := s.oidcVerifier(ctx, token)
		if err != nil {
			if allowNoLogin {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
			s.clearCookie(w)
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}

		if !s.isAdmin(claims.Email) && !allowNoLogin {
			log.Ctx(ctx).WarnContext(ctx, "user is not an admin", slog.String("email", claims.Email))
			writeJSONError(w, "access denied", http.StatusForbidden)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authSubject", claims.Subject)))
		ctx = context.WithValue(ctx, userEmailContextKey, claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	// expecting JSON body
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// since we failed to read, don't return JSON error
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if s.oidcVerifier == nil {
		writeJSONError(w, "authentication is disabled", http.StatusBadRequest)
		return
	}

	claims, err := s.oidcVerifier(r.Context(), req.Token)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}
	if claims.Email == "" {
		log.Ctx(r.Context()).WarnContext(r.Context(), "invalid email in id token")
		writeJSONError(w, "invalid oidc claims", http.StatusUnauthorized)
		return
	}
	if !s.isAdmin(claims.Email) {
		log.Ctx(r.Context()).WarnContext(r.Context(), "login from non-admin", slog.String("email", claims.Email))
		writeJSONError(w, "access denied", http.StatusForbidden)
		return
	}

	log.Ctx(r.Context()).InfoContext(r.Context(), "login token validated successfully", slog.String("email", claims.Email), slog.String("subject", claims.Subject))

	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    req.Token,
		Expires:  claims.Expiry,
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearCookie(w)
	w.WriteHeader(http.StatusOK)
}

type authStatusResponse struct {
	LoggedIn     bool   `json:"loggedIn"`
	Email        string `json:"email"`
	AuthRequired bool   `json:"authRequired"`
	ClientID     string `json:"clientID,omitempty"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	email, _ := r.Context().Value(userEmailContextKey).(string)
	writeJSON(w, authStatusResponse{
		LoggedIn:     email != "",
		Email:        email,
		AuthRequired: !s.bypassAuth,
		ClientID:     s.oidcAudience,
	})
}
