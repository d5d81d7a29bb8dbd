package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/auth"
)

// CallbackAuth gates a callback route on the scoped bearer token handed to
// the agent when the resource was created. The subject id is taken from the
// named URL parameter, so a token for one workspace cannot report for
// another.
func CallbackAuth(signer *auth.Signer, scope, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, param)
			token, ok := bearerToken(r)
			if !ok || id == "" || !signer.Verify(scope, id, token) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid callback token"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}
