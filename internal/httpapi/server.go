package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentworkforce/offlinecrud/internal/offline"
	"github.com/agentworkforce/offlinecrud/internal/offlinesync"
)

type Logger = offline.Logger

type ServerConfig struct {
	MaxBodyBytes int64
	// BaseContext outlives individual requests; reconciliation started by a
	// connectivity change runs under it.
	BaseContext  context.Context
	WriteTimeout time.Duration
	Logger       Logger
}

// Server is the local control surface: the offline customers API, the
// pending-changes view, the event stream and, for every other path, the
// caching proxy.
type Server struct {
	client *offlinesync.Client
	proxy  http.Handler
	cfg    ServerConfig
	hub    *eventHub
	router chi.Router
}

// envelope mirrors the remote API's response shape.
type envelope struct {
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
	Source        string `json:"source,omitempty"`
	Queued        bool   `json:"queued,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type statusResponse struct {
	Online  bool   `json:"online"`
	Syncing bool   `json:"syncing"`
	Pending int    `json:"pending"`
	Policy  string `json:"policy"`
}

func NewServer(client *offlinesync.Client, proxy http.Handler) *Server {
	return NewServerWithConfig(client, proxy, ServerConfig{})
}

func NewServerWithConfig(client *offlinesync.Client, proxy http.Handler, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	s := &Server{
		client: client,
		proxy:  proxy,
		cfg:    cfg,
		hub:    newEventHub(cfg.Logger),
	}
	client.Subscribe(func(notice offlinesync.Notice) {
		s.hub.broadcast(Event{Type: EventNotice, Notice: &notice})
	})
	client.SubscribePending(func(entries []offline.PendingChange) {
		s.hub.broadcast(pendingEvent(entries))
	})
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(withCorrelationID)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/offline", func(r chi.Router) {
		r.Get("/", s.handleDashboard)
		r.Get("/events", s.handleEvents)
		r.Route("/api", func(r chi.Router) {
			r.Get("/customers", s.handleListCustomers)
			r.Post("/customers", s.handleCreateCustomer)
			r.Put("/customers/{id}", s.handleUpdateCustomer)
			r.Delete("/customers/{id}", s.handleDeleteCustomer)
			r.Get("/pending", s.handlePending)
			r.Get("/status", s.handleStatus)
			r.Post("/sync", s.handleSync)
			r.Post("/connectivity", s.handleConnectivity)
			r.Get("/searches", s.handleSearches)
			r.Post("/searches", s.handleRememberSearch)
		})
	})

	if s.proxy != nil {
		r.Handle("/*", s.proxy)
	}
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close ends every open event stream.
func (s *Server) Close() {
	s.hub.close()
}

func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	var (
		records []offline.Record
		source  offlinesync.Source
	)
	if term := strings.TrimSpace(r.URL.Query().Get("q")); term != "" {
		records, source = s.client.Search(r.Context(), term)
	} else {
		records, source = s.client.Fetch(r.Context())
	}
	if records == nil {
		records = []offline.Record{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: records, Source: string(source)})
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	record, ok := s.decodeRecord(w, r, correlationID)
	if !ok {
		return
	}
	if record.ID != "" {
		writeError(w, http.StatusBadRequest, "id must not be set on create", correlationID)
		return
	}
	s.save(w, r, record, http.StatusCreated)
}

func (s *Server) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	record, ok := s.decodeRecord(w, r, correlationID)
	if !ok {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if record.ID != "" && record.ID != id {
		writeError(w, http.StatusBadRequest, "id in body does not match path", correlationID)
		return
	}
	record.ID = id
	s.save(w, r, record, http.StatusOK)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, record offline.Record, onlineStatus int) {
	saved, err := s.client.Save(r.Context(), record)
	if err != nil {
		writeClientError(w, err, getCorrelationID(r))
		return
	}
	if saved.IsTemporary() || !s.client.Online() {
		writeJSON(w, http.StatusAccepted, envelope{Success: true, Data: saved, Queued: true})
		return
	}
	writeJSON(w, onlineStatus, envelope{Success: true, Data: saved})
}

func (s *Server) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.client.Delete(r.Context(), id); err != nil {
		writeClientError(w, err, getCorrelationID(r))
		return
	}
	if offline.IsTempID(id) || !s.client.Online() {
		writeJSON(w, http.StatusAccepted, envelope{Success: true, Queued: true})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	entries := s.client.Pending()
	if entries == nil {
		entries = []offline.PendingChange{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.status()})
}

func (s *Server) status() statusResponse {
	return statusResponse{
		Online:  s.client.Online(),
		Syncing: s.client.Syncing(),
		Pending: len(s.client.Pending()),
		Policy:  string(s.client.Policy()),
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	report, err := s.client.Sync(r.Context())
	switch {
	case errors.Is(err, offlinesync.ErrOffline), errors.Is(err, offlinesync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error(), correlationID)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error(), correlationID)
	default:
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
	}
}

// handleConnectivity applies an online/offline transition. With ?wait=true an
// offline-to-online transition answers with the reconciliation report.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		Online *bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required", correlationID)
		return
	}
	done := s.client.SetOnline(s.cfg.BaseContext, *body.Online)
	if done == nil || !parseBool(r.URL.Query().Get("wait"), false) {
		writeJSON(w, http.StatusAccepted, envelope{Success: true, Data: s.status()})
		return
	}
	select {
	case report, ok := <-done:
		if !ok {
			writeError(w, http.StatusConflict, "reconciliation did not run", correlationID)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
	case <-r.Context().Done():
	}
}

func (s *Server) handleSearches(w http.ResponseWriter, r *http.Request) {
	terms := s.client.RecentSearches()
	if terms == nil {
		terms = []string{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: terms})
}

func (s *Server) handleRememberSearch(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		Term string `json:"term"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	terms, err := s.client.RememberSearch(body.Term)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: terms})
}

func (s *Server) decodeRecord(w http.ResponseWriter, r *http.Request, correlationID string) (offline.Record, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return offline.Record{}, false
	}
	if err := offline.ValidateRecordJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), correlationID)
		return offline.Record{}, false
	}
	var record offline.Record
	if err := json.Unmarshal(body, &record); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", correlationID)
		return offline.Record{}, false
	}
	return record, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// withCorrelationID assigns a correlation id to requests that arrive without
// one and echoes it on the response.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(getCorrelationID(r))
		if id == "" {
			id = "corr_" + uuid.NewString()
			r.Header.Set("X-Correlation-Id", id)
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", correlationID)
		return false
	}
	return true
}

// writeClientError maps offline client failures onto HTTP statuses.
func writeClientError(w http.ResponseWriter, err error, correlationID string) {
	var apiErr *offlinesync.APIError
	switch {
	case errors.Is(err, offline.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), correlationID)
	case errors.Is(err, offline.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), correlationID)
	case errors.Is(err, offline.ErrTemporaryIdentity):
		writeError(w, http.StatusConflict, err.Error(), correlationID)
	case errors.Is(err, offlinesync.ErrSessionRequired):
		writeError(w, http.StatusUnauthorized, err.Error(), correlationID)
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		writeError(w, apiErr.StatusCode, apiErr.Message, correlationID)
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, apiErr.Message, correlationID)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), correlationID)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, correlationID string) {
	writeJSON(w, status, envelope{
		Success:       false,
		Error:         message,
		CorrelationID: correlationID,
	})
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
