package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/metrics"
	"chartink-webhook-go/internal/models"
	"chartink-webhook-go/internal/storage"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ErrPayloadTooLarge is returned when a body exceeds the configured limit.
var ErrPayloadTooLarge = errors.New("payload too large")

// timeoutThreshold is the remaining budget under which an unexpected
// failure is reported as a timeout.
const timeoutThreshold = 100 * time.Millisecond

// APIServer provides the HTTP interface of the webhook service.
type APIServer struct {
	server       *http.Server
	orchestrator *Orchestrator
	manager      *storage.Manager
	cfg          config.Webhook
	cache        *cache.Cache
	logger       *zap.Logger
	now          func() time.Time

	UUID      string
	StartTime time.Time
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(cfg config.Config, orchestrator *Orchestrator, manager *storage.Manager, logger *zap.Logger) *APIServer {
	ttl := cfg.Server.ReadCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = 10 * 1024
	}
	if cfg.Webhook.Deadline <= 0 {
		cfg.Webhook.Deadline = 10 * time.Second
	}
	s := &APIServer{
		orchestrator: orchestrator,
		manager:      manager,
		cfg:          cfg.Webhook,
		cache:        cache.New(ttl, 2*ttl),
		logger:       logger.Named("api-server"),
		now:          time.Now,
		UUID:         uuid.New().String(),
		StartTime:    time.Now(),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler of the server.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/api/read", s.readHandler)
	mux.HandleFunc("/api/dates", s.datesHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) webhookHandler(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		metrics.WebhookRequests.WithLabelValues(fmt.Sprint(rec.status)).Inc()
		metrics.WebhookDuration.Observe(s.now().Sub(start).Seconds())
	}()

	switch r.Method {
	case http.MethodOptions:
		setCORS(rec)
		rec.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		rec.Header().Set("Allow", "POST, OPTIONS")
		s.writeError(rec, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	setCORS(rec)

	defer func() {
		if p := recover(); p != nil {
			remaining := s.orchestrator.Deadline(start).Sub(s.now())
			s.logger.Error("Webhook handler panicked",
				zap.Any("panic", p),
				zap.Duration("remaining", remaining),
			)
			if rec.status != 0 {
				return
			}
			if remaining < timeoutThreshold {
				s.writeError(rec, http.StatusGatewayTimeout, "Processing timeout", nil)
				return
			}
			s.writeError(rec, http.StatusInternalServerError, "Processing failed", nil)
		}
	}()

	body, err := readBody(rec, r, s.cfg.MaxBodyBytes)
	if errors.Is(err, ErrPayloadTooLarge) {
		s.writeError(rec, http.StatusRequestEntityTooLarge, "Payload too large", err)
		return
	}
	if err != nil {
		s.writeError(rec, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	alert, err := models.ParseAlert(body, start)
	if err != nil {
		s.writeError(rec, http.StatusBadRequest, "Invalid payload", err)
		return
	}

	resp := s.orchestrator.Process(r.Context(), alert, clientIP(r))

	rec.Header().Set("X-Webhook-ID", resp.ID)
	rec.Header().Set("X-Processing-Time", fmt.Sprintf("%dms", s.now().Sub(start).Milliseconds()))
	s.writeJSON(rec, resp.StatusCode(), resp)
}

// ReadResponse is the body of POST /api/read.
type ReadResponse struct {
	Success bool                  `json:"success"`
	Date    string                `json:"date"`
	Source  string                `json:"source"`
	Count   int                   `json:"count"`
	Total   int                   `json:"total"`
	Data    []storage.QueryRecord `json:"data"`
	Cached  bool                  `json:"cached"`
	Warning string                `json:"warning,omitempty"`
}

func (s *APIServer) readHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}

	body, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	var q storage.Query
	if err := json.Unmarshal(body, &q); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	q.Date = strings.TrimSpace(q.Date)
	if !models.IsDateDirectory(q.Date) {
		s.writeError(w, http.StatusBadRequest, "date is required in YYYYMMDD format", nil)
		return
	}

	key := fmt.Sprintf("%s|%s|%s|%d", q.Date, strings.ToLower(q.ScanName), strings.ToUpper(q.Symbol), q.Limit)
	if cached, ok := s.cache.Get(key); ok {
		resp := cached.(ReadResponse)
		resp.Cached = true
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	records, source, err := s.manager.ReadDate(r.Context(), q.Date)
	if err != nil && len(records) == 0 {
		s.logger.Error("No storage tier could be read", zap.String("date", q.Date), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "Storage unavailable", err)
		return
	}

	data := q.Apply(records)
	resp := ReadResponse{
		Success: true,
		Date:    q.Date,
		Source:  source,
		Count:   len(data),
		Total:   len(records),
		Data:    data,
	}
	if err != nil {
		// Only the emergency queue answered; do not cache a partial view.
		resp.Warning = "durable storage unavailable, showing queued records only"
	} else {
		s.cache.Set(key, resp, cache.DefaultExpiration)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) datesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	dates, err := s.manager.Dates(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "Storage unavailable", err)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	UUID           string                `json:"uuid"`
	StartTime      string                `json:"start_time"`
	Uptime         string                `json:"uptime"`
	DateDirectory  string                `json:"date_directory"`
	Accounts       int                   `json:"accounts"`
	Tiers          []storage.ProbeResult `json:"tiers"`
	EmergencyQueue QueueStatus           `json:"emergency_queue"`
}

// QueueStatus describes the emergency queue.
type QueueStatus struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Evicted  uint64 `json:"evicted"`
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}

	queue := s.manager.Queue()
	status := StatusResponse{
		UUID:          s.UUID,
		StartTime:     s.StartTime.Format(time.RFC3339),
		Uptime:        time.Since(s.StartTime).Round(time.Second).String(),
		DateDirectory: models.DateDirectory(s.now()),
		Accounts:      len(s.orchestrator.EligibleAccounts()),
		Tiers:         s.manager.Probe(r.Context()),
		EmergencyQueue: QueueStatus{
			Size:     queue.Len(),
			Capacity: queue.Cap(),
			Evicted:  queue.Evicted(),
		},
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, code int, message string, err error) {
	body := map[string]string{"error": message}
	if err != nil {
		body["message"] = err.Error()
	}
	s.writeJSON(w, code, body)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// readBody reads at most limit bytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, r.ContentLength)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: over %d bytes", ErrPayloadTooLarge, tooLarge.Limit)
		}
		return nil, err
	}
	return body, nil
}

// clientIP prefers the first X-Forwarded-For hop set by the platform proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
