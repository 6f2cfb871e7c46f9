package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/engine"
	"github.com/JakeFAU/crawlengine/internal/metrics"
	"github.com/JakeFAU/crawlengine/internal/progress/sinks"
)

const defaultRequestTimeout = 30 * time.Second

// Crawler is the part of engine.Crawler the admin API drives.
type Crawler interface {
	State() engine.State
	Stats() engine.Stats
	Scheduler() *crawler.Scheduler
}

// Config tunes the admin server.
type Config struct {
	// APIKey guards the /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to a crawler.
type Server struct {
	router  chi.Router
	crawler Crawler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. tally may be nil,
// in which case /v1/progress answers 503.
func NewServer(c Crawler, tally *sinks.TallySink, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{crawler: c, logger: logger}
	progressHandler := NewProgressHandler(tally)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/stats", s.stats)
		r.Get("/progress", progressHandler.Snapshot)
		r.Post("/requests", s.submitRequest)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.crawler.State()
	if state != engine.StateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.crawler.Stats())
}

type submitRequest struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Priority string            `json:"priority"`
	Headers  map[string]string `json:"headers"`
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := toRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := parsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.crawler.Scheduler().Add(req, nil, crawler.WithPriority(priority), crawler.WithDepth(0))
	switch {
	case errors.Is(err, crawler.ErrQueueClosed):
		writeError(w, http.StatusConflict, "crawler is not accepting requests")
		return
	case errors.Is(err, crawler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue full")
		return
	case err != nil:
		s.logger.Error("schedule request failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to schedule request")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"url":      req.URL,
		"priority": priority.String(),
	})
}

func toRequest(body submitRequest) (crawler.Request, error) {
	canonical, parsed, err := crawler.CanonicalizeURL(body.URL)
	if err != nil || strings.TrimSpace(body.URL) == "" {
		return crawler.Request{}, errors.New("valid url required")
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return crawler.Request{}, errors.New("url must be absolute http(s)")
	}
	req := crawler.NewRequest(canonical)
	if body.Method != "" {
		req.Method = strings.ToUpper(body.Method)
	}
	if len(body.Headers) > 0 {
		req.Headers = make(http.Header, len(body.Headers))
		for k, v := range body.Headers {
			req.Headers.Set(k, v)
		}
	}
	return req, nil
}

func parsePriority(name string) (crawler.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return crawler.DefaultPriority, nil
	case "highest":
		return crawler.PriorityHighest, nil
	case "high":
		return crawler.PriorityHigh, nil
	case "normal":
		return crawler.PriorityNormal, nil
	case "low":
		return crawler.PriorityLow, nil
	case "lowest":
		return crawler.PriorityLowest, nil
	default:
		return 0, fmt.Errorf("invalid priority %q", name)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
