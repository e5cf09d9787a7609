package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"astroai/internal/chart"
	"astroai/internal/config"
	"astroai/internal/form"
	"astroai/internal/geo"
	appLog "astroai/internal/log"
	"astroai/internal/model"
	"astroai/internal/timenorm"
)

// maxRequestBytes caps JSON request bodies.
const maxRequestBytes = 64 << 10

// searchCacheTTL bounds how long a direct search result is reused.
const searchCacheTTL = 30 * time.Second

// maxSearchCacheEntries caps the direct search cache.
const maxSearchCacheEntries = 256

// Deps are the components one form session is built from.
type Deps struct {
	Form        *form.Model
	Resolver    *geo.Resolver
	Searcher    geo.Searcher
	Coordinator *chart.Coordinator
}

// Server exposes one birth-data form session over a JSON API.
type Server struct {
	cfg  *config.Config
	mux  *http.ServeMux
	deps Deps

	// Direct searches are cached briefly so repeated lookups of the same
	// text do not hit the provider's rate limit.
	searchMu    sync.RWMutex
	searchCache map[string]searchCacheEntry
}

type searchCacheEntry struct {
	results   []model.SearchCandidate
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		mux:         http.NewServeMux(),
		deps:        deps,
		searchCache: map[string]searchCacheEntry{},
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return requestIDMiddleware(h)
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials mean auth is off.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="AstroAI", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requestIDMiddleware tags every request with an X-Request-ID, reusing the
// caller's when present, and logs the request at debug level.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r)
		appLog.Debug("http request", "request_id", id, "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/form", s.handleForm)
	s.mux.HandleFunc("POST /api/form/date", s.handleFormDate)
	s.mux.HandleFunc("POST /api/form/location", s.handleFormLocation)
	s.mux.HandleFunc("POST /api/form/reset", s.handleFormReset)

	s.mux.HandleFunc("POST /api/location/query", s.handleLocationQuery)
	s.mux.HandleFunc("GET /api/location/results", s.handleLocationResults)
	s.mux.HandleFunc("POST /api/location/select", s.handleLocationSelect)
	s.mux.HandleFunc("GET /api/search", s.handleSearch)

	s.mux.HandleFunc("POST /api/submit", s.handleSubmit)
	s.mux.HandleFunc("GET /api/chart", s.handleChart)
	s.mux.HandleFunc("POST /api/chart/clear", s.handleChartClear)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type formResponse struct {
	Date          string             `json:"date,omitempty"`
	LocationLabel string             `json:"location_label,omitempty"`
	Coordinates   *model.Coordinates `json:"coordinates,omitempty"`
	Timezone      string             `json:"timezone"`
	FieldErrors   map[string]string  `json:"field_errors"`
	Complete      bool               `json:"complete"`

	// Payload is what a submit would send right now.
	Payload      *model.BirthPayload `json:"payload,omitempty"`
	PayloadError string              `json:"payload_error,omitempty"`
}

func (s *Server) formView() formResponse {
	in := s.deps.Form.Snapshot()
	resp := formResponse{
		LocationLabel: in.LocationLabel,
		Coordinates:   in.Coordinates,
		Timezone:      in.TimezoneID,
		FieldErrors:   in.FieldErrors,
		Complete:      in.LocalDateTime != nil && in.Coordinates != nil,
	}
	if in.LocalDateTime != nil {
		resp.Date = in.LocalDateTime.String()
	}
	payload, err := s.deps.Form.DerivePayload()
	if err != nil {
		resp.PayloadError = err.Error()
	} else {
		resp.Payload = payload
	}
	return resp
}

func (s *Server) handleForm(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.formView())
}

func (s *Server) handleFormDate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	local, err := timenorm.ParseLocal(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Form.SetDate(local)
	writeJSON(w, http.StatusOK, s.formView())
}

func (s *Server) handleFormLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label     string   `json:"label"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Timezone  string   `json:"timezone"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	if err := s.deps.Form.SetLocation(req.Label, *req.Latitude, *req.Longitude, req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.formView())
}

func (s *Server) handleFormReset(w http.ResponseWriter, _ *http.Request) {
	s.deps.Form.Reset()
	writeJSON(w, http.StatusOK, s.formView())
}

type candidateView struct {
	Label       string  `json:"label"`
	DisplayName string  `json:"display_name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Timezone    string  `json:"timezone,omitempty"`
}

type resultsResponse struct {
	Query     string          `json:"query"`
	Loading   bool            `json:"loading"`
	Seq       uint64          `json:"seq"`
	Results   []candidateView `json:"results"`
	LastError string          `json:"last_error,omitempty"`
}

func candidateViews(cands []model.SearchCandidate) []candidateView {
	out := make([]candidateView, 0, len(cands))
	for _, c := range cands {
		out = append(out, candidateView{
			Label:       geo.FormatCandidate(c),
			DisplayName: c.DisplayName,
			Latitude:    c.Latitude,
			Longitude:   c.Longitude,
			Timezone:    c.Timezone,
		})
	}
	return out
}

func (s *Server) resultsView() resultsResponse {
	snap := s.deps.Resolver.Snapshot()
	return resultsResponse{
		Query:     snap.Query,
		Loading:   snap.Loading,
		Seq:       snap.Seq,
		Results:   candidateViews(snap.Results),
		LastError: snap.LastError,
	}
}

func (s *Server) handleLocationQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.deps.Resolver.OnQueryChanged(req.Text)
	writeJSON(w, http.StatusAccepted, s.resultsView())
}

func (s *Server) handleLocationResults(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.resultsView())
}

func (s *Server) handleLocationSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	c, ok := s.deps.Resolver.Candidate(req.Index)
	if !ok {
		writeError(w, http.StatusNotFound, "no such candidate")
		return
	}
	if err := s.deps.Form.SetLocation(geo.FormatCandidate(c), c.Latitude, c.Longitude, c.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.formView())
}

// GET /api/search?q=text
//
// Bypasses the debounced resolver; a provider failure is reported as 502.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if !geo.QueryLongEnough(q, s.cfg.Search.MinQueryLength) {
		writeJSON(w, http.StatusOK, []candidateView{})
		return
	}
	key := strings.ToLower(q)

	s.searchMu.RLock()
	entry, ok := s.searchCache[key]
	s.searchMu.RUnlock()
	if ok && time.Since(entry.updatedAt) < searchCacheTTL {
		writeJSON(w, http.StatusOK, candidateViews(entry.results))
		return
	}

	results, err := s.deps.Searcher.Search(r.Context(), q)
	if err != nil {
		appLog.Error("api search failed", err, "query", q)
		writeError(w, http.StatusBadGateway, "place search failed")
		return
	}

	s.storeSearch(key, results, time.Now())
	writeJSON(w, http.StatusOK, candidateViews(results))
}

// storeSearch caches results under key, dropping expired entries first and
// the oldest entry when the cache is full.
func (s *Server) storeSearch(key string, results []model.SearchCandidate, now time.Time) {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()

	for k, e := range s.searchCache {
		if now.Sub(e.updatedAt) >= searchCacheTTL {
			delete(s.searchCache, k)
		}
	}
	if _, ok := s.searchCache[key]; !ok && len(s.searchCache) >= maxSearchCacheEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range s.searchCache {
			if oldestKey == "" || e.updatedAt.Before(oldest) {
				oldestKey, oldest = k, e.updatedAt
			}
		}
		delete(s.searchCache, oldestKey)
	}
	s.searchCache[key] = searchCacheEntry{results: results, updatedAt: now}
}

type validationResponse struct {
	Error       string            `json:"error"`
	FieldErrors map[string]string `json:"field_errors"`
}

// POST /api/submit[?wait=1]
//
// Validates the form and submits the derived payload. Without wait the
// request runs in the background and the Pending state is returned.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Form.Validate() {
		writeJSON(w, http.StatusUnprocessableEntity, validationResponse{
			Error:       "validation failed",
			FieldErrors: s.deps.Form.Snapshot().FieldErrors,
		})
		return
	}

	payload, err := s.deps.Form.DerivePayload()
	if err != nil || payload == nil {
		msg := "form is incomplete"
		if err != nil {
			msg = err.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, validationResponse{
			Error:       msg,
			FieldErrors: s.deps.Form.Snapshot().FieldErrors,
		})
		return
	}

	wait := r.URL.Query().Get("wait")
	if wait == "1" || wait == "true" {
		// Only a newer submit or a clear may abort the request, not the
		// HTTP client going away.
		writeJSON(w, http.StatusOK, s.deps.Coordinator.Submit(context.WithoutCancel(r.Context()), payload))
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Coordinator.SubmitAsync(payload))
}

func (s *Server) handleChart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Coordinator.State())
}

func (s *Server) handleChartClear(w http.ResponseWriter, _ *http.Request) {
	s.deps.Coordinator.Clear()
	writeJSON(w, http.StatusOK, s.deps.Coordinator.State())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
