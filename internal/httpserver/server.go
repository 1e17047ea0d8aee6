package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/timelock/internal/auth"
	"github.com/ILLUVRSE/timelock/internal/lifecycle"
	"github.com/ILLUVRSE/timelock/internal/policy"
	"github.com/ILLUVRSE/timelock/internal/store"
)

type Server struct {
	service  *lifecycle.Service
	store    store.Store
	tokens   *auth.TokenIssuer
	resolver *policy.Resolver
}

func New(svc *lifecycle.Service, st store.Store, tokens *auth.TokenIssuer, resolver *policy.Resolver) *Server {
	return &Server{service: svc, store: st, tokens: tokens, resolver: resolver}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(auth.NewMiddleware(s.tokens))
	r.Use(policy.Gate(s.resolver))

	r.Get("/health", s.handleHealth)
	r.Post("/auth/login", s.handleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/releases", func(r chi.Router) {
			r.Get("/", s.handleListReleases)
			r.Post("/", s.handleCreateRelease)
			r.Get("/statistics", s.handleStatistics)
			r.Post("/from-template/{templateId}", s.handleCreateFromTemplate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRelease)
				r.Get("/history", s.handleHistory)
				r.Post("/actions/schedule", s.handleSchedule)
				r.Post("/actions/approve", s.handleApprove)
				r.Post("/actions/execute", s.handleExecute)
				r.Post("/actions/cancel", s.handleCancel)
			})
		})
		r.Get("/templates", s.handleListTemplates)
		r.Get("/policies", s.handleListPolicies)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	invalid := map[string]string{"error": "Invalid credentials"}
	user, err := s.store.GetActiveUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Printf("login lookup failed: %v", err)
			respondError(w, http.StatusInternalServerError, unexpectedMessage)
			return
		}
		respondJSON(w, http.StatusUnauthorized, invalid)
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		respondJSON(w, http.StatusUnauthorized, invalid)
		return
	}
	token, exp, err := s.tokens.Issue(user.Email, user.Role)
	if err != nil {
		logger.Printf("issue token for %s: %v", user.Email, err)
		respondError(w, http.StatusInternalServerError, unexpectedMessage)
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.store.ListActiveTemplates(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tpls)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRouteRules(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}
