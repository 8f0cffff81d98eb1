// Package server exposes the subscriber management and digest control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bounty-digest/digest"
	"bounty-digest/pkg/notifier"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

const maxBodyBytes = 64 << 10

// Store interface for subscriber management.
type Store interface {
	ListSubscribers(ctx context.Context) ([]*notifier.Subscriber, error)
	Subscriber(ctx context.Context, id string) (*notifier.Subscriber, error)
	AddSubscriber(ctx context.Context, sub *notifier.Subscriber) error
	UpdateSubscriber(ctx context.Context, id string, fn func(*notifier.Subscriber) error) (*notifier.Subscriber, error)
	DeleteSubscriber(ctx context.Context, id string) error
	DeleteByEmail(ctx context.Context, email string) error
}

// Engine interface for running and inspecting digests.
type Engine interface {
	Run(ctx context.Context, now time.Time, opts digest.RunOptions) (*notifier.RunSummary, error)
	PreviewNew(ctx context.Context) ([]*notifier.Bounty, error)
	Watermark() (notifier.Watermark, bool)
}

// Source interface for fetching bounties to preview.
type Source interface {
	OpenBounties(ctx context.Context) ([]*notifier.Bounty, error)
}

// Renderer interface for digest previews.
type Renderer interface {
	RenderDigest(bounties []*notifier.Bounty, email string) string
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// IsDuplicate checks if an error is a duplicate email error.
type IsDuplicate func(error) bool

// Config holds server configuration.
type Config struct {
	Store       Store
	Engine      Engine
	Source      Source
	Renderer    Renderer
	Logger      *slog.Logger
	IsNotFound  IsNotFound
	IsDuplicate IsDuplicate
	Now         func() time.Time // Defaults to time.Now
	Provider    string           // Reported by /health
	RateLimit   rate.Limit       // Per-IP limit for mutating endpoints; zero uses the default
	RateBurst   int
}

// Server handles HTTP requests.
type Server struct {
	store       Store
	engine      Engine
	source      Source
	renderer    Renderer
	logger      *slog.Logger
	isNotFound  IsNotFound
	isDuplicate IsDuplicate
	now         func() time.Time
	limiter     *ipLimiter
	provider    string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit, burst := cfg.RateLimit, cfg.RateBurst
	if limit == 0 {
		limit = rate.Every(2 * time.Second)
	}
	if burst <= 0 {
		burst = 10
	}
	return &Server{
		store:       cfg.Store,
		engine:      cfg.Engine,
		source:      cfg.Source,
		renderer:    cfg.Renderer,
		logger:      cfg.Logger,
		isNotFound:  cfg.IsNotFound,
		isDuplicate: cfg.IsDuplicate,
		now:         now,
		limiter:     newIPLimiter(limit, burst),
		provider:    cfg.Provider,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /subscribers", s.handleListSubscribers)
	mux.HandleFunc("POST /subscribers", s.limited(s.handleCreateSubscriber))
	mux.HandleFunc("PATCH /subscribers/{id}", s.limited(s.handleUpdateSubscriber))
	mux.HandleFunc("DELETE /subscribers/{id}", s.limited(s.handleDeleteSubscriber))
	mux.HandleFunc("GET /subscribers/{id}/due", s.handleDue)
	mux.HandleFunc("POST /unsubscribe", s.limited(s.handleUnsubscribe))

	mux.HandleFunc("POST /trigger", s.limited(s.handleTrigger))
	mux.HandleFunc("GET /preview", s.limited(s.handlePreview))
	mux.HandleFunc("GET /preview/new", s.limited(s.handlePreviewNew))

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return securityHeaders(mux)
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // A forced /trigger waits for the whole run
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscribers(r.Context())
	if err != nil {
		s.logger.Error("Failed to list subscribers for health", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Subscriber store unavailable")
		return
	}

	active := 0
	for _, sub := range subs {
		if sub.Active {
			active++
		}
	}

	wm, _ := s.engine.Watermark()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"subscribers":       len(subs),
		"activeSubscribers": active,
		"lastDailyRun":      wm.LastDailyRun,
		"lastWeeklyRun":     wm.LastWeeklyRun,
		"knownBounties":     len(wm.KnownBountyIDs),
		"emailProvider":     s.provider,
		"dryRun":            s.provider == "mock",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

// maskEmail hides most of the local part: "alice@example.com" becomes "al***@example.com".
func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	r := []rune(local)
	keep := 2
	if len(r) <= 2 {
		keep = 1
	}
	return string(r[:keep]) + "***@" + domain
}

// normalizeTags lowercases, trims and de-duplicates tags, dropping empties.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
