// Package api serves the card HTTP API: owner-scoped card CRUD, appraisal
// submission, health and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/store"
	"github.com/sells-group/card-appraiser/internal/workflow"
)

// UserHeader carries the caller identity, verified upstream.
const UserHeader = "X-User-ID"

// Options configures a Server.
type Options struct {
	Cards  store.Cards
	Runner workflow.Runner
	// Health reports backend readiness; nil means always healthy.
	Health      func(ctx context.Context) error
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
}

// Server holds the API handlers.
type Server struct {
	cards    store.Cards
	runner   workflow.Runner
	health   func(ctx context.Context) error
	gatherer prometheus.Gatherer
	origins  []string
	newID    func() string
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	s := &Server{
		cards:    opts.Cards,
		runner:   opts.Runner,
		health:   opts.Health,
		gatherer: opts.Gatherer,
		origins:  opts.CORSOrigins,
		newID:    newID,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/cards", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/", s.handleCreateCard)
		r.Get("/", s.handleListCards)
		r.Route("/{cardID}", func(r chi.Router) {
			r.Get("/", s.handleGetCard)
			r.Patch("/", s.handleUpdateCard)
			r.Delete("/", s.handleDeleteCard)
			r.Post("/appraisals", s.handleAppraise)
		})
	})
	return r
}

type userKey struct{}

// requireUser rejects requests without an identity header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeError(w, r, unauthorized(UserHeader+" header is required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
