package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tally/internal/cache"
	"tally/internal/core"
	"tally/internal/engine"
	"tally/internal/export"
	applog "tally/internal/log"
	"tally/internal/report"
	"tally/internal/taxonomy"
)

// UnresolvedLister supplies transactions waiting for a manual decision.
type UnresolvedLister interface {
	ListUnresolved(ctx context.Context) ([]core.Transaction, error)
}

type Server struct {
	http.Server
	engine      *engine.Engine
	importer    *engine.Importer
	unresolved  UnresolvedLister
	tax         *taxonomy.Taxonomy
	taxStore    TaxonomySaver
	reports     *report.Assembler
	exporter    export.ReportExporter // nil when no export destination is configured
	rateLimiter *rateLimiter
	structLog   *applog.StructuredLogger

	// Report payloads are cheap to rebuild but requested often; any write
	// clears the whole cache since every mutation can move buckets.
	reportCache  *cache.LRUCache[report.Payload]
	cacheManager *cache.Manager

	shutdownOnce sync.Once
}

// TaxonomySaver persists a taxonomy snapshot after a mutation.
type TaxonomySaver interface {
	SaveTaxonomy(ctx context.Context, snap taxonomy.Snapshot) error
}

// Simple in-memory rate limiter
type rateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientInfo
	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

type clientInfo struct {
	lastRequest time.Time
	requests    int
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		clients:     make(map[string]*clientInfo),
		stopCleanup: make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

// startCleanup runs periodic cleanup to remove stale client entries
func (rl *rateLimiter) startCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStaleEntries()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanupStaleEntries removes client entries older than 10 minutes
func (rl *rateLimiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, client := range rl.clients {
		if client.lastRequest.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// stop gracefully shuts down the rate limiter cleanup goroutine
func (rl *rateLimiter) stop() {
	rl.shutdownOnce.Do(func() {
		if rl.stopCleanup != nil {
			close(rl.stopCleanup)
		}
	})
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]

	if !exists {
		rl.clients[clientIP] = &clientInfo{
			lastRequest: now,
			requests:    1,
		}
		return true
	}

	// Reset counter if more than 1 minute has passed
	if now.Sub(client.lastRequest) > time.Minute {
		client.requests = 1
		client.lastRequest = now
		return true
	}

	// Allow up to 60 requests per minute
	client.requests++
	client.lastRequest = now

	return client.requests <= 60
}

// NewServer configures routes, returning a ready-to-run http.Server.
func NewServer(addr string, eng *engine.Engine, imp *engine.Importer, unresolved UnresolvedLister, tax *taxonomy.Taxonomy, taxStore TaxonomySaver, reports *report.Assembler) *Server {
	mux := http.NewServeMux()
	logger := applog.New(applog.Config{Component: applog.ComponentHTTP})
	reportCache := cache.NewLRUCache[report.Payload](100, 5*time.Minute) // Max 100 entries, 5min TTL
	cacheManager := cache.NewManager()
	cacheManager.Register(reportCache)

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: applog.Middleware(logger)(mux),
		},
		engine:       eng,
		importer:     imp,
		unresolved:   unresolved,
		tax:          tax,
		taxStore:     taxStore,
		reports:      reports,
		rateLimiter:  newRateLimiter(),
		structLog:    applog.NewStructuredLogger(logger),
		reportCache:  reportCache,
		cacheManager: cacheManager,
	}

	// Periodic expiry sweep for the report cache
	cacheManager.StartCleanup(10 * time.Minute)

	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", handleReady)

	mux.HandleFunc("POST /transactions", s.withSecurityHeaders(s.handleCreateTransaction))
	mux.HandleFunc("POST /transactions/import", s.withSecurityHeaders(s.handleImport))
	mux.HandleFunc("POST /transactions/{id}/override", s.withSecurityHeaders(s.handleOverride))
	mux.HandleFunc("DELETE /transactions/{id}", s.withSecurityHeaders(s.handleTombstone))
	mux.HandleFunc("GET /transactions/unresolved", s.withSecurityHeaders(s.handleUnresolved))
	mux.HandleFunc("POST /recategorize", s.withSecurityHeaders(s.handleRecategorize))

	mux.HandleFunc("GET /report", s.withSecurityHeaders(s.handleReport))
	mux.HandleFunc("POST /report/export", s.withSecurityHeaders(s.handleExportReport))

	mux.HandleFunc("GET /taxonomy/rules", s.withSecurityHeaders(s.handleListRules))
	mux.HandleFunc("POST /taxonomy/rules", s.withSecurityHeaders(s.handleAddRule))
	mux.HandleFunc("DELETE /taxonomy/rules/{id}", s.withSecurityHeaders(s.handleRemoveRule))
	mux.HandleFunc("POST /taxonomy/categories", s.withSecurityHeaders(s.handleAddCategory))
	mux.HandleFunc("POST /taxonomy/categories/{id}/parent", s.withSecurityHeaders(s.handleSetCategoryParent))
	mux.HandleFunc("POST /taxonomy/categories/{id}/deactivate", s.withSecurityHeaders(s.handleDeactivateCategory))

	return s
}

// SetReportExporter attaches an export destination. Must be called before
// the server starts serving.
func (s *Server) SetReportExporter(exp export.ReportExporter) {
	s.exporter = exp
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	// Ensure shutdown logic runs only once
	s.shutdownOnce.Do(func() {
		// Stop the cache expiry sweep
		if s.cacheManager != nil {
			s.cacheManager.Stop()
		}

		// Stop rate limiter cleanup goroutine
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}

		// Shutdown HTTP server
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// withSecurityHeaders adds security headers, rate limiting, and request logging to responses
func (s *Server) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Extract client IP (considering proxies)
		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		// Generate request ID for tracing
		requestID := generateRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		s.structLog.LogHTTPStart(ctx, r, requestID, clientIP)

		// Apply rate limiting to mutating requests
		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded",
				applog.FieldClientIP, clientIP,
				applog.FieldMethod, r.Method,
				applog.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Create a custom response writer to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		s.structLog.LogHTTPEnd(ctx, r, requestID, rw.statusCode, time.Since(start).Milliseconds(), clientIP)
	}
}

type contextKey string

const requestIDKey contextKey = "request_id"

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID creates a unique request ID for tracing
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp if random fails
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
