// Package adminapi provides a lightweight HTTP API for runtime inspection
// and feedback-driven tuning of a running redaction engine.
//
// Endpoints:
//
//	GET  /status            - engine health, uptime, cache/calibration/log settings
//	GET  /metrics           - full metrics snapshot
//	POST /feedback          - record one labeled threshold outcome
//	POST /cache/invalidate  - drop every cache entry under a policy hash
package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"phi-redactor/internal/cache"
	"phi-redactor/internal/config"
	"phi-redactor/internal/logger"
	"phi-redactor/internal/metrics"
	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
	"phi-redactor/internal/threshold"
)

// Server is the admin/inspection API server.
type Server struct {
	cfg        *config.Config
	startTime  time.Time
	thresholds *threshold.Service
	cache      *cache.Cache // nil = cache disabled
	metrics    *metrics.Metrics
	log        *logger.Logger
	token      string // bearer token for auth; empty = no auth
}

// New creates an admin API server bound to the engine's shared services.
func New(cfg *config.Config, thresholds *threshold.Service, c *cache.Cache, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		startTime:  time.Now(),
		thresholds: thresholds,
		cache:      c,
		metrics:    m,
		log:        log,
		token:      cfg.AdminToken,
	}
	if s.token != "" {
		s.log.Info("auth_enabled", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/feedback", s.handleFeedback)
	mux.HandleFunc("/cache/invalidate", s.handleCacheInvalidate)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("unauthorized", "from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status            string `json:"status"`
		Uptime            string `json:"uptime"`
		CacheEnabled      bool   `json:"cacheEnabled"`
		CalibrationMethod string `json:"calibrationMethod"`
		LogLevel          string `json:"logLevel"`
	}
	writeJSON(w, http.StatusOK, response{
		Status:            "running",
		Uptime:            time.Since(s.startTime).Round(time.Second).String(),
		CacheEnabled:      s.cache != nil,
		CalibrationMethod: s.cfg.CalibrationMethod,
		LogLevel:          s.cfg.LogLevel,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// feedbackRequest is the wire shape of a /feedback POST body, mirroring
// threshold.FeedbackEvent with JSON-friendly field names.
type feedbackRequest struct {
	DocumentType     structure.DocumentType    `json:"documentType"`
	ContextStrength  threshold.ContextStrength `json:"contextStrength"`
	Specialty        string                    `json:"specialty"`
	PurposeOfUse     threshold.PurposeOfUse    `json:"purposeOfUse"`
	IsOCR            bool                      `json:"isOcr"`
	PHIType          span.FilterType           `json:"phiType"`
	WasFalsePositive bool                      `json:"wasFalsePositive"`
	WasFalseNegative bool                      `json:"wasFalseNegative"`
	Confidence       float64                   `json:"confidence"`
	AppliedThreshold float64                   `json:"appliedThreshold"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid feedback payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PHIType == "" {
		http.Error(w, "phiType is required", http.StatusBadRequest)
		return
	}

	s.thresholds.RecordFeedback(threshold.FeedbackEvent{
		Context: threshold.AdaptiveContext{
			DocumentType:    req.DocumentType,
			ContextStrength: req.ContextStrength,
			Specialty:       req.Specialty,
			PurposeOfUse:    req.PurposeOfUse,
			IsOCR:           req.IsOCR,
			PHIType:         req.PHIType,
		},
		PHIType:          req.PHIType,
		WasFalsePositive: req.WasFalsePositive,
		WasFalseNegative: req.WasFalseNegative,
		Confidence:       req.Confidence,
		AppliedThreshold: req.AppliedThreshold,
	})
	s.log.Infof("feedback_recorded", "phiType=%s fp=%v fn=%v", req.PHIType, req.WasFalsePositive, req.WasFalseNegative)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.cache == nil {
		http.Error(w, "cache not enabled", http.StatusServiceUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		PolicyHash string `json:"policyHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PolicyHash == "" {
		http.Error(w, `invalid request: need {"policyHash":"..."}`, http.StatusBadRequest)
		return
	}
	s.cache.InvalidatePolicy(req.PolicyHash)
	s.metrics.CacheInvalidations.Add(1)
	s.log.Infof("cache_invalidated", "policyHash=%s", req.PolicyHash)
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": req.PolicyHash})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the admin HTTP server on cfg.AdminAddress.
func (s *Server) ListenAndServe() error {
	s.log.Infof("listening", "%s", s.cfg.AdminAddress)
	srv := &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
