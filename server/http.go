// Package server provides the HTTP query daemon for the trust stores.
package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/tlstrust"
	"github.com/wolfeidau/tlstrust/backend"
	"github.com/wolfeidau/tlstrust/expiry"
	"github.com/wolfeidau/tlstrust/filestore"
	"github.com/wolfeidau/tlstrust/hpkp"
	"github.com/wolfeidau/tlstrust/hsts"
	"github.com/wolfeidau/tlstrust/telemetry"
)

// maxBodySize caps the size of JSON request bodies.
const maxBodySize = 1 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8443")
	Address string

	// AuthToken is the Bearer token required for mutating requests.
	// Empty disables authentication.
	AuthToken string

	// WatchFiles lists trust files to watch. A change reloads both stores.
	WatchFiles []string

	// SaveInterval is how often both stores are saved while serving.
	// Zero saves only on shutdown.
	SaveInterval time.Duration

	// Now stamps the creation time of pins added over HTTP.
	// Defaults to time.Now.
	Now func() time.Time

	// Logger for the server
	Logger *slog.Logger
}

// Server answers HSTS and HPKP queries against the active stores.
type Server struct {
	config     Config
	logger     *slog.Logger
	hsts       *backend.Selector[hsts.DB]
	hpkp       *backend.Selector[hpkp.DB]
	expiryMgr  *expiry.Manager
	httpServer *http.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new server backed by the given selectors.
func New(cfg Config, hstsSel *backend.Selector[hsts.DB], hpkpSel *backend.Selector[hpkp.DB]) (*Server, error) {
	if hstsSel == nil || hpkpSel == nil {
		return nil, errors.New("server: both stores are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		hsts:   hstsSel,
		hpkp:   hpkpSel,
	}

	if cfg.SaveInterval > 0 {
		s.expiryMgr = expiry.NewManager(expiry.Config{Interval: cfg.SaveInterval, Logger: cfg.Logger},
			expiry.Target{Name: "hsts", Save: func(ctx context.Context) error { return s.hsts.Active().Save(ctx) }},
			expiry.Target{Name: "hpkp", Save: func(ctx context.Context) error { return s.hpkp.Active().Save(ctx) }},
		)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Store stats
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /v1/hsts/match", s.handleHSTSMatch)
	mux.HandleFunc("POST /v1/hsts", s.handleHSTSAdd)

	mux.HandleFunc("GET /v1/hpkp/check", s.handleHPKPCheck)
	mux.HandleFunc("POST /v1/hpkp", s.handleHPKPAdd)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type storeStats struct {
	Backend  string `json:"backend"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
	Entries  *int   `json:"entries,omitempty"`
}

type statsResponse struct {
	HSTS storeStats `json:"hsts"`
	HPKP storeStats `json:"hpkp"`
}

// handleStats reports the active backends and their sizes.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	writeJSON(w, http.StatusOK, statsResponse{
		HSTS: describe(s.hsts.Handle(), s.hsts.Active()),
		HPKP: describe(s.hpkp.Handle(), s.hpkp.Active()),
	})
}

func describe(h backend.Handle, db any) storeStats {
	st := storeStats{Backend: h.Name, Kind: h.Kind.String(), Priority: h.Priority}
	if n, ok := entryCount(db); ok {
		st.Entries = &n
	}
	return st
}

type hstsMatchResponse struct {
	Host  string `json:"host"`
	Port  uint16 `json:"port"`
	Match bool   `json:"match"`
}

func (s *Server) handleHSTSMatch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "hsts_match")

	host, err := tlstrust.NormalizeHost(r.URL.Query().Get("host"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	port, err := parsePort(r.URL.Query().Get("port"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if port == 0 {
		port = hsts.DefaultPort
	}

	match := s.hsts.Active().HostMatch(host, port)
	decision := "miss"
	if match {
		decision = "match"
	}
	telemetry.SetDecision(r, host, decision)

	writeJSON(w, http.StatusOK, hstsMatchResponse{Host: host, Port: port, Match: match})
}

type hstsAddRequest struct {
	Host              string `json:"host"`
	Port              uint16 `json:"port"`
	MaxAge            int64  `json:"max_age"`
	IncludeSubdomains bool   `json:"include_subdomains"`
}

func (s *Server) handleHSTSAdd(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "hsts_add")

	var req hstsAddRequest
	if err := decodeJSON(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	host, err := tlstrust.NormalizeHost(req.Host)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.hsts.Active().Add(host, req.Port, req.MaxAge, req.IncludeSubdomains)
	telemetry.SetDecision(r, host, "stored")

	w.WriteHeader(http.StatusNoContent)
}

type hpkpCheckResponse struct {
	Host   string `json:"host"`
	Result string `json:"result"`
	Code   int    `json:"code"`
}

func (s *Server) handleHPKPCheck(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "hpkp_check")

	host, err := tlstrust.NormalizeHost(r.URL.Query().Get("host"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	pubkey, err := decodeBase64(r.URL.Query().Get("pubkey"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "pubkey must be base64 encoded DER")
		return
	}

	res := s.hpkp.Active().CheckPubkey(host, pubkey)
	telemetry.SetDecision(r, host, res.String())

	writeJSON(w, http.StatusOK, hpkpCheckResponse{Host: host, Result: res.String(), Code: int(res)})
}

type pinRequest struct {
	HashType string `json:"hash_type"`
	Pin      string `json:"pin"`
}

type hpkpAddRequest struct {
	Host              string       `json:"host"`
	MaxAge            int64        `json:"max_age"`
	IncludeSubdomains bool         `json:"include_subdomains"`
	Pins              []pinRequest `json:"pins"`
}

func (s *Server) handleHPKPAdd(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "hpkp_add")

	var req hpkpAddRequest
	if err := decodeJSON(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	host, err := tlstrust.NormalizeHost(req.Host)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	e := hpkp.NewEntry(host, s.config.Now().Unix())
	e.IncludeSubdomains = req.IncludeSubdomains
	e.SetMaxAge(req.MaxAge)
	for _, p := range req.Pins {
		hashType := p.HashType
		if hashType == "" {
			hashType = tlstrust.HashTypeSHA256
		}
		if err := e.AddPin(hashType, p.Pin); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	s.hpkp.Active().Add(e)
	telemetry.SetDecision(r, host, "stored")

	w.WriteHeader(http.StatusNoContent)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, decision, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Host != "" {
			attrs = append(attrs, "host", tags.Host)
		}
		if tags.Decision != "" {
			attrs = append(attrs, "decision", tags.Decision)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the HTTP server and, when configured, the trust file watcher.
// It blocks until the server stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	if len(s.config.WatchFiles) > 0 {
		s.logger.Info("watching trust files", "paths", s.config.WatchFiles)
		go func() {
			defer close(done)
			if err := filestore.Watch(ctx, s.logger, s.config.WatchFiles, s.reload); err != nil {
				s.logger.Error("trust file watcher stopped", "error", err)
			}
		}()
	} else {
		close(done)
	}

	if s.expiryMgr != nil {
		s.logger.Info("starting periodic save", "interval", s.config.SaveInterval)
		s.expiryMgr.Start(ctx)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// reload refreshes both active stores after a trust file changed on disk.
func (s *Server) reload(path string) {
	ctx := context.Background()
	s.logger.Info("trust file changed, reloading", "path", path)
	if err := s.hsts.Active().Load(ctx); err != nil {
		s.logger.Warn("failed to reload HSTS store", "path", path, "error", err)
	}
	if err := s.hpkp.Active().Load(ctx); err != nil {
		s.logger.Warn("failed to reload HPKP store", "path", path, "error", err)
	}
}

// Shutdown stops the server, then saves both stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	// Stop periodic saves
	if s.expiryMgr != nil {
		s.expiryMgr.Stop()
	}

	shutdownErr := s.httpServer.Shutdown(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.hsts.Active().Save(gctx); err != nil && !errors.Is(err, filestore.ErrNoPath) {
			return fmt.Errorf("saving HSTS store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.hpkp.Active().Save(gctx); err != nil && !errors.Is(err, filestore.ErrNoPath) {
			return fmt.Errorf("saving HPKP store: %w", err)
		}
		return nil
	})

	return errors.Join(shutdownErr, g.Wait())
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// entryCount finds the number of records held by db, looking through
// instrumentation wrappers.
func entryCount(db any) (int, bool) {
	for db != nil {
		if s, ok := db.(interface{ Len() int }); ok {
			return s.Len(), true
		}
		switch u := db.(type) {
		case interface{ Unwrap() hsts.DB }:
			db = u.Unwrap()
		case interface{ Unwrap() hpkp.DB }:
			db = u.Unwrap()
		default:
			return 0, false
		}
	}
	return 0, false
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(port), nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not, since
// query strings often mangle '+' and '/'.
func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty value")
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func errorResponse(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
