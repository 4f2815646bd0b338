package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/config"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/guard"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/identity"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/policy"
	"github.com/nosenfield/nerdy-tutor-quality-sub002/internal/ratelimit"
)

const maxBodyBytes = 1 << 20

// Pinger reports counter store liveness for the health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg       config.ServerCfg
	guard     *guard.Guard
	policies  *policy.Registry
	resolver  *identity.Resolver
	health    Pinger
	sigHeader string
	logger    *slog.Logger
	srv       *http.Server
}

type Option func(*Server)

func WithResolver(r *identity.Resolver) Option {
	return func(s *Server) {
		if r != nil {
			s.resolver = r
		}
	}
}

func WithSignatureHeader(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.sigHeader = name
		}
	}
}

func WithHealth(p Pinger) Option {
	return func(s *Server) { s.health = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(cfg config.ServerCfg, g *guard.Guard, policies *policy.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		guard:     g,
		policies:  policies,
		resolver:  identity.NewResolver(),
		sigHeader: "X-Webhook-Signature",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/hooks/{endpoint}", s.ingestHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/policies", s.listPoliciesHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/policies/{endpoint}", s.getPolicyHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/policies/{endpoint}", s.putPolicyHandler).Methods(http.MethodPut)
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
}

func (s *Server) ListenAndServe() error {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---------------- Handlers ----------------

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	endpoint := mux.Vars(r)["endpoint"]

	// Capture the exact body bytes before anything parses them; a
	// re-serialized payload would no longer match its signature.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		errResp(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	who := s.resolver.Resolve(r)
	dec, res := s.guard.Process(r.Context(), endpoint, who, body, r.Header.Get(s.sigHeader))

	writeRateLimitHeaders(w, res)

	if !dec.Allowed {
		if dec.Status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", retryAfterSeconds(res))
		}
		errResp(w, dec.Status, dec.Reason)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ReceiptResponse{
		Status:   "accepted",
		Endpoint: endpoint,
		Bytes:    len(body),
	})
}

func (s *Server) listPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	all := s.policies.All()
	out := make([]PolicyResponse, 0, len(all))
	for endpoint, cfg := range all {
		out = append(out, PolicyResponse{Endpoint: endpoint, Limit: cfg.Limit, WindowMs: cfg.WindowMs})
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) getPolicyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	endpoint := mux.Vars(r)["endpoint"]

	resp := PolicyResponse{Endpoint: endpoint}
	if cfg, ok := s.policies.Lookup(endpoint); ok {
		resp.Limit, resp.WindowMs = cfg.Limit, cfg.WindowMs
	} else {
		cfg := s.policies.DefaultConfig()
		resp.Limit, resp.WindowMs, resp.Default = cfg.Limit, cfg.WindowMs, true
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) putPolicyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	endpoint := mux.Vars(r)["endpoint"]

	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg := ratelimit.Config{Limit: req.Limit, WindowMs: req.WindowMs}
	if err := s.policies.Upsert(endpoint, cfg); err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(PolicyResponse{Endpoint: endpoint, Limit: cfg.Limit, WindowMs: cfg.WindowMs})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "err", err)
			errResp(w, http.StatusServiceUnavailable, "counter store unreachable")
			return
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))
}

func retryAfterSeconds(res ratelimit.Result) string {
	ms := res.Reset - time.Now().UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt((ms+999)/1000, 10)
}

func errResp(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
