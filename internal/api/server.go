package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"calltimer/internal/auth"
	"calltimer/internal/calls"
	"calltimer/internal/config"
	"calltimer/internal/control"
	"calltimer/internal/database"
	"calltimer/internal/logging"
	"calltimer/internal/webhook"
)

const serviceName = "Vapi Call Timer"

type contextKey string

const requestIDKey contextKey = "requestID"

// Deps are the components the HTTP surface exposes. Hub and History are
// optional.
type Deps struct {
	Registry   *calls.Registry
	Dispatcher *webhook.Dispatcher
	Control    *control.Client
	Auth       *auth.Authenticator
	Hub        http.Handler
	History    database.Querier
}

// Server is the webhook receiver and admin API
type Server struct {
	config *config.Config
	deps   Deps
	log    *logrus.Entry
	http   *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		log:    logging.For("api"),
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the router with all middleware applied
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/vapi/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/test/end-call", s.handleTestEndCall).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/login", s.handleLogin).Methods(http.MethodPost)

	if s.deps.Hub != nil {
		r.Handle("/ws", s.deps.Hub).Methods(http.MethodGet)
	}

	protected := r.PathPrefix("/api/v1").Subrouter()
	if s.deps.Auth != nil {
		protected.Use(s.deps.Auth.Middleware)
	}
	protected.HandleFunc("/calls", s.handleListCalls).Methods(http.MethodGet)
	protected.HandleFunc("/calls/{id}", s.handleGetCall).Methods(http.MethodGet)
	protected.HandleFunc("/calls/{id}/end", s.handleEndCall).Methods(http.MethodPost)
	protected.HandleFunc("/calls/{id}/history", s.handleHistory).Methods(http.MethodGet)
	protected.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)

	r.Use(s.requestIDMiddleware, s.recoverMiddleware)

	// CORS wraps the router so preflight requests never reach method matching
	return s.corsMiddleware(r)
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.log.Infof("listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Server.EnableCORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.requestLog(r).Errorf("panic recovered: %v", rec)
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(r *http.Request) *logrus.Entry {
	id, _ := r.Context().Value(requestIDKey).(string)
	return s.log.WithField("request_id", id)
}

// handleRoot reports health and the configured limit
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "healthy",
		"service":     serviceName,
		"maxDuration": fmt.Sprintf("%ds", s.config.Timer.MaxCallDurationSeconds),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"activeCalls": s.deps.Registry.Count(),
	})
}

// handleWebhook accepts platform events. Anything that parses is answered
// with success so the platform does not retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)

	var env webhook.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.requestLog(r).WithError(err).Warn("webhook payload could not be parsed")
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}

	outcome := s.deps.Dispatcher.Dispatch(&env)
	s.requestLog(r).WithFields(logrus.Fields{
		"event":   env.EventType(),
		"call_id": env.CallID(),
		"outcome": outcome,
	}).Info("webhook received")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleTestEndCall sends end-call straight to the given control URL,
// bypassing the registry
func (s *Server) handleTestEndCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallID     string `json:"callId"`
		ControlURL string `json:"controlUrl"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ControlURL == "" {
		writeError(w, http.StatusBadRequest, "controlUrl required")
		return
	}

	body, err := s.deps.Control.EndCall(r.Context(), req.ControlURL)
	if err != nil {
		var statusErr *control.StatusError
		if errors.As(err, &statusErr) {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":    err.Error(),
				"callId":   req.CallID,
				"response": statusErr.Body,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.requestLog(r).WithField("call_id", req.CallID).Info("test end-call sent")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"callId":   req.CallID,
		"response": body,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		writeError(w, http.StatusNotFound, "login disabled")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	token, err := s.deps.Auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrLoginDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.requestLog(r).WithField("username", req.Username).Warn("failed login")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Registry.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "call not tracked")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEndCall is the explicit terminate path
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.deps.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "call not tracked")
		return
	}

	ended := s.deps.Registry.Terminate(id, calls.ReasonManual)
	if ended {
		snap, _ = s.deps.Registry.Get(id)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ended": ended,
		"call":  snap,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "call history is disabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := database.ListHistory(r.Context(), s.deps.History, mux.Vars(r)["id"], limit)
	if err != nil {
		s.requestLog(r).WithError(err).Error("listing history")
		writeError(w, http.StatusInternalServerError, "could not list history")
		return
	}
	if entries == nil {
		entries = []database.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
