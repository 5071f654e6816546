package mintgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"spatters/core/consent"
	"spatters/core/effects"
	"spatters/gateway/middleware"
	"spatters/observability"
)

const (
	serviceName    = "mint-gateway"
	maxRequestBody = 64 << 10
	maxRPCBody     = 1 << 20
)

// GenerationDispatcher kicks off artwork generation for a token.
type GenerationDispatcher interface {
	Dispatch(ctx context.Context, tokenID uint64, event effects.Event) error
}

// ServerConfig wires the gateway's collaborators. Store may be nil, in which
// case consent is validated but not persisted.
type ServerConfig struct {
	Store       *Store
	Limiter     Limiter
	Dispatcher  GenerationDispatcher
	RPC         RPCConfig
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server hosts the collaborator API used by mintd and browser clients.
type Server struct {
	store      *Store
	limiter    Limiter
	dispatcher GenerationDispatcher
	upstreams  map[string]string
	rpc        *http.Client
	origins    []string
	logger     *slog.Logger
	metrics    *observability.MintGatewayMetrics
	now        func() time.Time
	router     http.Handler
}

// NewServer constructs the router.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewLocalLimiter(5, time.Minute, cfg.Logger)
	}
	timeout := cfg.RPC.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s := &Server{
		store:      cfg.Store,
		limiter:    cfg.Limiter,
		dispatcher: cfg.Dispatcher,
		upstreams: map[string]string{
			"mainnet": strings.TrimSpace(cfg.RPC.MainnetURL),
			"sepolia": strings.TrimSpace(cfg.RPC.SepoliaURL),
		},
		rpc:     &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		origins: cfg.CORSOrigins,
		logger:  cfg.Logger,
		metrics: observability.MintGateway(),
		now:     time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, serviceName)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.origins}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(ar chi.Router) {
		ar.With(s.instrument("consent")).Post("/consent", s.handleConsent)
		ar.With(s.instrument("consent-lookup")).Get("/consent", s.handleConsentLookup)
		ar.With(s.instrument("trigger-generation")).Post("/trigger-generation", s.handleTrigger)
		ar.With(s.instrument("rpc")).Post("/rpc", s.handleRPC)
	})
	return r
}

func (s *Server) instrument(route string) func(http.Handler) http.Handler {
	return middleware.Instrument(serviceName, route, s.logger)
}

type consentResponse struct {
	Success bool   `json:"success"`
	Stored  bool   `json:"stored"`
	ID      string `json:"consentId,omitempty"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var rec consent.Record
	if err := decodeBody(r, &rec); err != nil {
		writeJSON(w, http.StatusBadRequest, consentResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(rec.WalletAddress) == "" {
		writeJSON(w, http.StatusBadRequest, consentResponse{Error: "missing required field: walletAddress"})
		return
	}
	if err := rec.Data.Validate(); err != nil {
		s.metrics.RecordConsent("rejected")
		writeJSON(w, http.StatusBadRequest, consentResponse{Error: err.Error()})
		return
	}
	if rec.MintTxHash == "" {
		s.metrics.RecordConsent("validated")
		writeJSON(w, http.StatusOK, consentResponse{Success: true})
		return
	}
	if raw, err := hexutil.Decode(rec.MintTxHash); err != nil || len(raw) != 32 {
		s.metrics.RecordConsent("rejected")
		writeJSON(w, http.StatusBadRequest, consentResponse{Error: "mintTxHash must be a 32-byte hex hash"})
		return
	}
	if s.store == nil {
		s.metrics.RecordConsent("validated")
		writeJSON(w, http.StatusOK, consentResponse{Success: true, Warning: "consent verified but not stored"})
		return
	}
	created, err := s.store.Save(r.Context(), rec)
	if err != nil {
		s.metrics.RecordConsent("error")
		s.logger.Error("store consent failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, consentResponse{Error: "failed to store consent"})
		return
	}
	outcome := "stored"
	if !created {
		outcome = "duplicate"
	}
	s.metrics.RecordConsent(outcome)
	resp := consentResponse{Success: true, Stored: true}
	if row, err := s.store.ByTxHash(r.Context(), rec.MintTxHash); err == nil && row != nil {
		resp.ID = row.ID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type consentSummary struct {
	ID           string    `json:"id"`
	TermsVersion string    `json:"termsVersion"`
	MintTxHash   string    `json:"mintTxHash"`
	TokenID      uint64    `json:"tokenId,omitempty"`
	StoredAt     time.Time `json:"storedAt"`
}

func (s *Server) handleConsentLookup(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address required"})
		return
	}
	resp := struct {
		HasConsent bool            `json:"hasConsent"`
		Latest     *consentSummary `json:"latestConsent"`
	}{}
	if s.store == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	row, err := s.store.Latest(r.Context(), address)
	if err != nil {
		s.logger.Warn("consent lookup failed", slog.Any("error", err))
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if row != nil {
		resp.HasConsent = true
		resp.Latest = &consentSummary{
			ID:           row.ID.String(),
			TermsVersion: row.TermsVersion,
			MintTxHash:   row.MintTxHash,
			TokenID:      row.TokenID,
			StoredAt:     row.CreatedAt.UTC(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	TokenID int64         `json:"tokenId"`
	Event   effects.Event `json:"event"`
}

type triggerResponse struct {
	Success    bool          `json:"success"`
	TokenID    uint64        `json:"tokenId,omitempty"`
	Event      effects.Event `json:"event,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryAfter int64         `json:"retryAfter,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	decision := s.limiter.Allow(r.Context(), middleware.ClientID(r))
	if !decision.Allowed {
		retry := int64(decision.Reset.Sub(s.now()).Round(time.Second) / time.Second)
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		observability.HTTP().RecordThrottle(serviceName, "trigger-generation")
		writeJSON(w, http.StatusTooManyRequests, triggerResponse{
			Error:      "rate limit exceeded, try again later",
			RetryAfter: retry,
		})
		return
	}

	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, triggerResponse{Error: err.Error()})
		return
	}
	if req.TokenID <= 0 {
		writeJSON(w, http.StatusBadRequest, triggerResponse{Error: "tokenId required"})
		return
	}
	if !req.Event.Valid() {
		writeJSON(w, http.StatusBadRequest, triggerResponse{Error: "event must be token-minted or token-mutated"})
		return
	}
	tokenID := uint64(req.TokenID)
	var err error
	if s.dispatcher == nil {
		err = ErrDispatchDisabled
	} else {
		err = s.dispatcher.Dispatch(r.Context(), tokenID, req.Event)
	}
	s.metrics.RecordTrigger(string(req.Event), err)
	if err != nil {
		s.logger.Error("generation dispatch failed",
			slog.Uint64("tokenId", tokenID),
			slog.String("event", string(req.Event)),
			slog.Any("error", err))
		status := http.StatusInternalServerError
		if errors.Is(err, ErrDispatchDisabled) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, triggerResponse{TokenID: tokenID, Event: req.Event, Error: err.Error()})
		return
	}
	s.logger.Info("generation dispatched", slog.Uint64("tokenId", tokenID), slog.String("event", string(req.Event)))
	writeJSON(w, http.StatusOK, triggerResponse{Success: true, TokenID: tokenID, Event: req.Event})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	network := strings.TrimSpace(r.URL.Query().Get("network"))
	if network == "" {
		network = "mainnet"
	}
	upstream, known := s.upstreams[network]
	if !known {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "network must be mainnet or sepolia"})
		return
	}
	if upstream == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rpc url not configured"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstream, bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rpc request failed"})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.rpc.Do(req)
	if err == nil {
		defer resp.Body.Close()
		var payload []byte
		payload, err = io.ReadAll(io.LimitReader(resp.Body, maxRPCBody))
		if err == nil && !json.Valid(payload) {
			err = errors.New("upstream answered with invalid JSON")
		}
		if err == nil {
			s.metrics.RecordRPC(network, nil)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write(payload)
			return
		}
	}
	s.metrics.RecordRPC(network, err)
	s.logger.Warn("rpc proxy failed", slog.String("network", network), slog.Any("error", err))
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": "rpc request failed"})
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
