// Taskrelay is a multi-tenant task dispatch substrate for coordinating hosted agent workers.
// Copyright (C) 2026 The Taskrelay Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package workerauth authenticates hosted workers connecting to the
// control plane with a shared bearer token.
package workerauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Config configures bearer-token authentication for the worker control
// plane. Mode "none" disables enforcement; "bearer" requires a match
// against Token. If TokenHash is set, it takes precedence over Token
// and the presented token is checked with bcrypt instead of a plain
// constant-time compare, so the shared secret never has to be kept in
// cleartext in the controller's own config store.
type Config struct {
	Mode      string // "none" | "bearer"
	Token     string
	TokenHash string // bcrypt hash, overrides Token when set
	Header    string // defaults to "Authorization"
}

// HashToken bcrypt-hashes a bearer token for use as Config.TokenHash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Principal carries the authenticated worker's identity.
type Principal struct {
	Subject string `json:"subject"`
}

type ctxKey int

const principalKey ctxKey = 1

// WithPrincipal attaches a Principal to a context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the Principal attached by Middleware, if any.
func FromContext(ctx context.Context) (*Principal, bool) {
	if v := ctx.Value(principalKey); v != nil {
		if p, ok := v.(*Principal); ok {
			return p, true
		}
	}
	return nil, false
}

// Middleware returns an http.Handler wrapper enforcing cfg's auth mode.
func Middleware(cfg Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	hdr := cfg.Header
	if hdr == "" {
		hdr = "Authorization"
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))

	return func(next http.Handler) http.Handler {
		if mode == "" || mode == "none" {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), &Principal{Subject: "anonymous"})))
			})
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := authenticateBearer(r.Header.Get(hdr), cfg.Token, cfg.TokenHash)
			if err != nil {
				logger.Warn("worker auth denied", "error", err, "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Bearer realm="taskrelay-worker"`)
				writeAuthError(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func authenticateBearer(authzHeader, expectToken, expectHash string) (*Principal, error) {
	if expectToken == "" && expectHash == "" {
		return nil, errors.New("bearer token not configured")
	}
	parts := strings.Fields(authzHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, errors.New("invalid Authorization scheme (expect Bearer)")
	}
	presented := parts[1]

	if expectHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(expectHash), []byte(presented)); err != nil {
			return nil, errors.New("bearer token mismatch")
		}
		return &Principal{Subject: "worker"}, nil
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expectToken)) != 1 {
		return nil, errors.New("bearer token mismatch")
	}
	return &Principal{Subject: "worker"}, nil
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": "bearer token invalid or missing",
	})
}
