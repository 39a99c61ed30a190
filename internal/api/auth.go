package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireBearer rejects the request before any handler (and before the body
// is read) unless it carries Authorization: Bearer <key>.
func requireBearer(key string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(key))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				unauthorized(w)
				return
			}
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if !strings.HasPrefix(ah, p) {
				unauthorized(w)
				return
			}
			got := []byte(strings.TrimSpace(strings.TrimPrefix(ah, p)))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "invalid or missing API key")
}
