// Package middleware provides HTTP-layer cross-cutting concerns for the
// gateway's REST surface. The WebSocket endpoint authenticates separately,
// via the first JSON-RPC message on the socket (see ws.RPCHandler), since a
// browser cannot set a custom header on the initial upgrade request.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth returns middleware that rejects any request lacking a bearer token
// matching token, comparing in constant time to avoid a timing side-channel.
// The WebSocket upgrade path (GET /ws) is exempted: it performs its own
// token check as the first RPC call once the socket is open.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			provided := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}
