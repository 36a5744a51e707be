package remote

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"screentrail/internal/metrics"
	"screentrail/internal/security"
)

// MaxObjectSize bounds a single uploaded object.
const MaxObjectSize = 32 << 20

const maxJSONBody = 4 << 20

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	// Token is the bearer token clients must present. Empty disables auth.
	Token string
	// RateLimit is requests per second per client address. Zero disables it.
	RateLimit float64
	Burst     int
	Logger    *slog.Logger
	// Health is served at /healthz outside auth when set.
	Health http.Handler
	// Metrics are recorded for every request and served at /metrics
	// when set.
	Metrics *metrics.BackendMetrics
}

// Handler serves a Backend over HTTP.
type Handler struct {
	backend Backend
	opts    HandlerOptions
	limiter *security.KeyedRateLimiter
	metrics *metrics.BackendMetrics
	logger  *slog.Logger
}

// NewHandler returns an http.Handler exposing backend under /api/v1.
func NewHandler(backend Backend, opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{backend: backend, opts: opts, metrics: opts.Metrics, logger: logger}
	if h.metrics == nil {
		h.metrics = metrics.NewBackendMetrics(nil)
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		h.limiter = security.NewKeyedRateLimiter(opts.RateLimit, burst, 10*time.Minute)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(middleware.Heartbeat("/health"))
	if opts.Health != nil {
		r.Method(http.MethodGet, "/healthz", opts.Health)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Registry().HTTPHandler())
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Use(h.authenticate)
		h.RegisterRoutes(r)
	})
	return r
}

// RegisterRoutes mounts the backend routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/sessions", h.createSession)
		r.Get("/sessions", h.listSessions)
		r.Delete("/sessions/{sessionID}", h.deleteSession)
		r.Post("/sessions/{sessionID}/recordings", h.insertRecordings)
		r.Get("/sessions/{sessionID}/recordings", h.listRecordings)
		r.Post("/sessions/{sessionID}/comments", h.insertComments)
		r.Get("/sessions/{sessionID}/comments", h.listComments)
		r.Post("/points", h.addPoints)
	})
	r.Put("/objects/{bucket}/*", h.putObject)
	r.Get("/objects/{bucket}/*", h.getObject)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		h.metrics.RequestsTotal.Inc()
		h.metrics.RequestDuration.ObserveDuration(elapsed)
		if ww.Status() >= http.StatusInternalServerError {
			h.metrics.ServerErrors.Inc()
		}
		h.logger.Debug("request",
			"method", r.Method,
			"path", security.SanitizeLogOutput(r.URL.Path),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}
		if !h.limiter.Allow(key) {
			h.metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	if h.opts.Token == "" {
		return next
	}
	want := []byte("Bearer " + h.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			h.metrics.Unauthorized.Inc()
			Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var s Session
	if !decode(w, r, &s) {
		return
	}
	s.UserID = param(r, "userID")
	created, err := h.backend.CreateSession(r.Context(), s)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.metrics.SessionsCreated.Inc()
	JSON(w, http.StatusCreated, created)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.backend.ListSessions(r.Context(), param(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	if err := h.backend.DeleteSession(r.Context(), param(r, "userID"), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) insertRecordings(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var recs []Recording
	if !decode(w, r, &recs) {
		return
	}
	out, err := h.backend.InsertRecordings(r.Context(), param(r, "userID"), id, recs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, out)
}

func (h *Handler) listRecordings(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	recs, err := h.backend.ListRecordings(r.Context(), param(r, "userID"), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []Recording{}
	}
	JSON(w, http.StatusOK, recs)
}

func (h *Handler) insertComments(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var comments []Comment
	if !decode(w, r, &comments) {
		return
	}
	out, err := h.backend.InsertComments(r.Context(), param(r, "userID"), id, comments)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, out)
}

func (h *Handler) listComments(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(w, r)
	if !ok {
		return
	}
	comments, err := h.backend.ListComments(r.Context(), param(r, "userID"), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if comments == nil {
		comments = []Comment{}
	}
	JSON(w, http.StatusOK, comments)
}

type pointsRequest struct {
	Points int `json:"points"`
}

type pointsResponse struct {
	Total int `json:"total"`
}

func (h *Handler) addPoints(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if !decode(w, r, &req) {
		return
	}
	total, err := h.backend.AddPoints(r.Context(), param(r, "userID"), req.Points)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, pointsResponse{Total: total})
}

type objectResponse struct {
	Ref string `json:"ref"`
}

func (h *Handler) putObject(w http.ResponseWriter, r *http.Request) {
	bucket := param(r, "bucket")
	path := param(r, "*")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxObjectSize))
	if err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "object too large")
		return
	}
	ref, err := h.backend.PutObject(r.Context(), bucket, path, data, r.Header.Get("Content-Type"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.metrics.ObjectsStored.Inc()
	h.metrics.ObjectSize.Observe(float64(len(data)))
	JSON(w, http.StatusCreated, objectResponse{Ref: ref})
}

func (h *Handler) getObject(w http.ResponseWriter, r *http.Request) {
	ref := ObjectRef(param(r, "bucket"), param(r, "*"))
	data, err := h.backend.GetObject(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalid):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnauthorized):
		Error(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error("backend call failed",
			"path", security.SanitizeLogOutput(r.URL.Path),
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		Error(w, http.StatusServiceUnavailable, err.Error())
	}
}

// param returns an unescaped route parameter.
func param(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func sessionParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		Error(w, http.StatusUnsupportedMediaType, "expected application/json")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorBody{Error: message})
}
