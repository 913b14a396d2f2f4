package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"codesubst/observability"
	"codesubst/subst"
)

const (
	moduleName      = "subst"
	maxRequestBytes = 64 << 20
)

// Server exposes the substitution context over HTTP.
type Server struct {
	subst        *subst.Context
	host         subst.Host
	logger       *slog.Logger
	adminAPIs    bool
	limiter      *RateLimiter
	auth         *Authenticator
	fetchTimeout time.Duration
	httpServer   *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithAdminAPIs mounts the write routes.
func WithAdminAPIs(enabled bool) ServerOption {
	return func(s *Server) {
		s.adminAPIs = enabled
	}
}

// WithRateLimit bounds write calls per client.
func WithRateLimit(limit RateLimit) ServerOption {
	return func(s *Server) {
		s.limiter = NewRateLimiter(limit, nil)
	}
}

// WithAuth requires an admin-scoped bearer token on write routes.
func WithAuth(cfg AuthConfig) ServerOption {
	return func(s *Server) {
		s.auth = NewAuthenticator(cfg, nil)
	}
}

// WithFetchTimeout bounds API-triggered manifest refreshes.
func WithFetchTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.fetchTimeout = d
	}
}

// NewServer builds the API over a substitution context and the host it drives.
func NewServer(sc *subst.Context, host subst.Host, opts ...ServerOption) *Server {
	s := &Server{
		subst:        sc,
		host:         host,
		logger:       slog.Default(),
		fetchTimeout: subst.DefaultFetchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.limiter != nil {
		s.limiter.logger = s.logger
	}
	if s.auth != nil {
		s.auth.logger = s.logger
	}
	if s.adminAPIs && s.auth == nil {
		s.logger.Warn("substitution admin APIs enabled without authentication; do not expose this endpoint publicly")
	}
	return s
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/subst", func(r chi.Router) {
		r.With(s.observe("status")).Post("/status", s.handleStatus)
		if !s.adminAPIs {
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(AdminScope))
			r.Use(s.limiter.Middleware(moduleName))
			r.With(s.observe("upsert")).Post("/upsert", s.handleUpsert)
			r.With(s.observe("activate")).Post("/activate", s.handleActivate)
			r.With(s.observe("deactivate")).Post("/deactivate", s.handleDeactivate)
			r.With(s.observe("remove")).Post("/remove", s.handleRemove)
			r.With(s.observe("fetch_manifest")).Post("/fetch_manifest", s.handleFetchManifest)
		})
	})
	return otelhttp.NewHandler(r, "substd")
}

// Start serves the API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("substitution API listening", "addr", addr, "admin_apis", s.adminAPIs)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) observe(method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			observability.ModuleMetrics().Observe(moduleName, method, status, time.Since(start))
		})
	}
}

func decode(r *http.Request, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", subst.ErrInvalidArgument, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", subst.ErrInvalidArgument, err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	account := strings.TrimSpace(req.Account)
	if account != "" {
		var st *subst.AccountStatus
		err := s.host.View(func() error {
			var err error
			st, err = s.subst.Status(account)
			return err
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	rows, err := s.statusAll()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RowsResponse{Rows: rows})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req UpsertRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	mustActivate := true
	if req.MustActivate != nil {
		mustActivate = *req.MustActivate
	}
	var st *subst.AccountStatus
	err := s.host.Transact(r.Context(), func() error {
		if err := s.subst.Upsert(req.Account, req.FromBlock, req.Code, mustActivate); err != nil {
			return err
		}
		var err error
		st, err = s.subst.Status(strings.TrimSpace(req.Account))
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.forEachAccount(w, r, func(account string) error {
		return s.subst.Activate(account, true)
	})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.forEachAccount(w, r, s.subst.Deactivate)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	err := s.host.Transact(r.Context(), func() error {
		accounts, err := s.targets(req.Account)
		if err != nil {
			return err
		}
		for _, account := range accounts {
			if err := s.subst.Remove(account); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	rows, err := s.statusAll()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RowsResponse{Rows: rows})
}

func (s *Server) handleFetchManifest(w http.ResponseWriter, r *http.Request) {
	if err := s.subst.FetchManifest(r.Context(), s.fetchTimeout); err != nil {
		writeErr(w, err)
		return
	}
	rows, err := s.statusAll()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RowsResponse{Rows: rows})
}

// forEachAccount applies op to the requested account, or to every tracked one,
// in a single unit of work and responds with the affected statuses.
func (s *Server) forEachAccount(w http.ResponseWriter, r *http.Request, op func(string) error) {
	var req AccountRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rows := []*subst.AccountStatus{}
	err := s.host.Transact(r.Context(), func() error {
		accounts, err := s.targets(req.Account)
		if err != nil {
			return err
		}
		for _, account := range accounts {
			if err := op(account); err != nil {
				return err
			}
			st, err := s.subst.Status(account)
			if errors.Is(err, subst.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			rows = append(rows, st)
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RowsResponse{Rows: rows})
}

// targets resolves an optional account to the list an operation applies to.
func (s *Server) targets(account string) ([]string, error) {
	account = strings.TrimSpace(account)
	if account != "" {
		return []string{account}, nil
	}
	return s.subst.Substitutions()
}

func (s *Server) statusAll() ([]*subst.AccountStatus, error) {
	var rows []*subst.AccountStatus
	err := s.host.View(func() error {
		var err error
		rows, err = s.subst.StatusAll()
		return err
	})
	if rows == nil {
		rows = []*subst.AccountStatus{}
	}
	return rows, err
}
