// Package server is the HTTP facade of a node. Local routes under /api
// act as the node's own agent and need the bearer secret; remote routes
// under /remote are called by peers and need a signed request.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/node"
	"github.com/ssd-technologies/nondominium/internal/ratelimit"
)

// Config tunes the facade.
type Config struct {
	Secret      string
	RemoteRate  float64
	RemoteBurst int
	Timeout     time.Duration
}

// Server is the HTTP facade of one node.
type Server struct {
	node    *node.Node
	remote  *Remote
	secret  string
	router  chi.Router
	limiter *ratelimit.Limiter
	now     func() time.Time
	log     *logger.L
}

// New creates a Server with all routes registered. remote is used to
// reach other nodes when a local call needs them.
func New(n *node.Node, remote *Remote, cfg Config) *Server {
	if cfg.RemoteRate <= 0 {
		cfg.RemoteRate = 5
	}
	if cfg.RemoteBurst <= 0 {
		cfg.RemoteBurst = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Server{
		node:    n,
		remote:  remote,
		secret:  cfg.Secret,
		router:  chi.NewRouter(),
		limiter: ratelimit.New(cfg.RemoteRate, cfg.RemoteBurst),
		now:     time.Now,
		log:     logger.New("http"),
	}
	s.routes(cfg.Timeout)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(timeout time.Duration) {
	r := s.router
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "nondominium")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Group(func(r chi.Router) {
			r.Use(s.bearerAuth)
			s.apiRoutes(r)
		})
	})
	r.Route("/remote", func(r chi.Router) {
		r.Use(s.remoteAuth)
		r.Post("/cosign", s.handleRemoteCosign)
		r.Post("/private-data", s.handleRemotePrivateData)
		r.Get("/records", s.handleRemoteRecords)
		r.Get("/links", s.handleRemoteLinks)
	})
}

// StartSweeper periodically forgets idle rate limit buckets.
func (s *Server) StartSweeper(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
				if n := s.limiter.Sweep(); n > 0 {
					s.log.Debugf("dropped %d idle rate limit buckets", n)
				}
			}
		}
	}()
}

type requestIDKey struct{}

// requestID tags each request with a unique id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		id, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Infof("%s %s %s: %d in %s", id, r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// bearerAuth checks the Authorization header against the server secret.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "nondominium",
		"agent":   string(s.node.Agent()),
	})
}

// errorBody is the JSON shape of every error response. Code names the
// error class sentinel, so a remote caller can rebuild it.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFault writes err with the status of its class.
func writeFault(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error(), Code: fault.Code(err)})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, fault.ErrAlreadyFulfilled):
		return http.StatusConflict
	case errors.Is(err, fault.ErrRateLimiting):
		return http.StatusTooManyRequests
	case errors.Is(err, fault.ErrCounterpartyUnavailable):
		return http.StatusServiceUnavailable
	case fault.IsErrNotFound(err):
		return http.StatusNotFound
	case fault.IsErrPermission(err):
		return http.StatusForbidden
	case fault.IsErrInvalid(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
