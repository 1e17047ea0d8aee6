package policy

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ILLUVRSE/timelock/internal/auth"
)

// apiPrefix marks routes that always need a principal, even without a matching rule.
const apiPrefix = "/api/"

// Gate enforces the resolver's decision. API routes without a rule are open to any
// authenticated caller; everything else without a rule is open.
func Gate(resolver *Resolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			required, ok, err := resolver.RequiredRoleFor(r.Context(), r.Method, r.URL.Path)
			if err != nil {
				log.Printf("[policy] resolve %s %s: %v", r.Method, r.URL.Path, err)
				writeError(w, http.StatusInternalServerError, "An unexpected error occurred")
				return
			}
			ai := auth.FromContext(r.Context())
			if !ok && (ai != nil || !strings.HasPrefix(r.URL.Path, apiPrefix)) {
				next.ServeHTTP(w, r)
				return
			}
			if ai == nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if !ai.Role.Satisfies(required) {
				log.Printf("[policy] denied %s %s subject=%s role=%s required=%s", r.Method, r.URL.Path, ai.Subject, ai.Role, required)
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func excluded(path string) bool {
	return path == "/health" || path == "/auth" || strings.HasPrefix(path, "/auth/")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    status,
		"error":     http.StatusText(status),
		"message":   msg,
	})
}
