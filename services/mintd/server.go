package mintd

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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"nhooyr.io/websocket"

	"spatters/chain"
	"spatters/core/consent"
	"spatters/core/preview"
	"spatters/core/session"
	"spatters/core/types"
	"spatters/gateway/middleware"
)

const (
	serviceName    = "mintd"
	maxRequestBody = 64 << 10
	wsWriteTimeout = 10 * time.Second
)

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	Session      *session.Session
	Hub          *PreviewHub
	Poller       *Poller
	Auth         *middleware.Authenticator
	Limiter      *middleware.RateLimiter
	Signer       consent.HashSigner
	CORSOrigins  []string
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server exposes the session over HTTP and a WebSocket stream.
type Server struct {
	session      *session.Session
	hub          *PreviewHub
	poller       *Poller
	auth         *middleware.Authenticator
	limiter      *middleware.RateLimiter
	signer       consent.HashSigner
	origins      []string
	writeTimeout time.Duration
	logger       *slog.Logger
	router       http.Handler
}

// NewServer constructs the router.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Session == nil {
		panic("session required")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewPreviewHub(0, cfg.Logger)
	}
	if cfg.Auth == nil {
		cfg.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = middleware.NewRateLimiter(serviceName, nil, cfg.Logger)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		session:      cfg.Session,
		hub:          cfg.Hub,
		poller:       cfg.Poller,
		auth:         cfg.Auth,
		limiter:      cfg.Limiter,
		signer:       cfg.Signer,
		origins:      cfg.CORSOrigins,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
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

	read := s.auth.Middleware(middleware.ScopeRead)
	write := s.auth.Middleware(middleware.ScopeWrite)
	owner := s.auth.Middleware(middleware.ScopeWrite, middleware.ScopeOwner)
	limited := s.limiter.Middleware("writes")

	r.Route("/session", func(sr chi.Router) {
		sr.With(read, s.instrument("session")).Get("/", s.handleState)
		sr.With(read, s.instrument("consent-message")).Get("/consent-message", s.handleConsentMessage)
		sr.With(queryToken, read).Get("/stream", s.handleStream)

		sr.With(write, limited, s.instrument("refresh")).Post("/refresh", s.handleRefresh)
		sr.With(write, limited, s.instrument("commit")).Post("/commit", s.handleCommit)
		sr.With(write, limited, s.instrument("request")).Post("/request", s.handleRequest)
		sr.With(write, s.instrument("select")).Post("/select", s.handleSelect)
		sr.With(write, limited, s.instrument("complete")).Post("/complete", s.handleComplete)
		sr.With(owner, limited, s.instrument("owner-mint")).Post("/owner-mint", s.handleOwnerMint)
		sr.With(write, s.instrument("reset")).Post("/reset", s.handleReset)
		sr.With(write, s.instrument("consent")).Post("/consent", s.handleConsent)
		sr.With(write, s.instrument("consent-sign")).Post("/consent/sign", s.handleConsentSign)
	})
	r.With(write, s.instrument("preview-ready")).Post("/preview/ready", s.handlePreviewReady)
	return r
}

func (s *Server) instrument(route string) func(http.Handler) http.Handler {
	return middleware.Instrument(serviceName, route, s.logger)
}

// queryToken lets browser WebSocket clients, which cannot set headers, pass
// the bearer token as access_token.
func queryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.State())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.Refresh(r.Context())
	s.respond(w, r, st, err)
}

type commitRequest struct {
	Palette string `json:"palette"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var palette types.Palette
	if strings.TrimSpace(req.Palette) != "" {
		parsed, err := types.ParsePalette(req.Palette)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		palette = parsed
	}
	ctx, cancel := s.writeContext(r)
	defer cancel()
	st, err := s.session.Commit(ctx, palette)
	s.respond(w, r, st, err)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.writeContext(r)
	defer cancel()
	st, err := s.session.Request(ctx)
	s.respond(w, r, st, err)
}

type selectRequest struct {
	Index *int `json:"index"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Index == nil {
		writeError(w, http.StatusBadRequest, errors.New("index required"))
		return
	}
	st, err := s.session.Select(r.Context(), *req.Index)
	s.respond(w, r, st, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.writeContext(r)
	defer cancel()
	st, err := s.session.Complete(ctx)
	s.respond(w, r, st, err)
}

type ownerMintRequest struct {
	Seed    string `json:"seed"`
	Palette string `json:"palette"`
}

func (s *Server) handleOwnerMint(w http.ResponseWriter, r *http.Request) {
	var req ownerMintRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	seed, err := parseSeedInput(req.Seed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var palette types.Palette
	if strings.TrimSpace(req.Palette) != "" {
		if palette, err = types.ParsePalette(req.Palette); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	ctx, cancel := s.writeContext(r)
	defer cancel()
	st, err := s.session.OwnerMint(ctx, seed, palette)
	s.respond(w, r, st, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.Reset()
	s.respond(w, r, st, err)
}

func (s *Server) handleConsentMessage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":      s.session.ConsentMessage(),
		"termsVersion": consent.TermsVersion,
		"wallet":       s.session.Caller().Hex(),
	})
}

type consentRequest struct {
	Signature string `json:"signature"`
	Message   string `json:"message"`
	SignedAt  string `json:"signedAt"`
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data := consent.Data{
		WalletAddress: s.session.Caller().Hex(),
		Signature:     strings.TrimSpace(req.Signature),
		Message:       req.Message,
		TermsVersion:  consent.TermsVersion,
		SignedAt:      strings.TrimSpace(req.SignedAt),
	}
	if err := s.session.SetConsent(data); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.State())
}

// handleConsentSign signs the current agreement with the session wallet, for
// operators who accept the terms from the CLI.
func (s *Server) handleConsentSign(w http.ResponseWriter, _ *http.Request) {
	if s.signer == nil {
		writeError(w, http.StatusConflict, errors.New("no local signer configured"))
		return
	}
	message := s.session.ConsentMessage()
	signature, err := consent.Sign(message, s.signer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	data := consent.Data{
		WalletAddress: s.session.Caller().Hex(),
		Signature:     signature,
		Message:       message,
		TermsVersion:  consent.TermsVersion,
	}
	if err := s.session.SetConsent(data); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.State())
}

func (s *Server) handlePreviewReady(w http.ResponseWriter, r *http.Request) {
	var sig preview.RenderReady
	if err := decodeBody(r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.session.PreviewReady(sig); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.State())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.origins {
		host := origin
		if idx := strings.Index(host, "://"); idx >= 0 {
			host = host[idx+3:]
		}
		opts.OriginPatterns = append(opts.OriginPatterns, host)
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	frames, unwatch := s.hub.Watch()
	defer unwatch()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) == -1 {
					s.logger.Debug("stream write failed", slog.Any("error", err))
				}
				return
			}
		}
	}
}

// writeContext detaches writes from the HTTP request so a dropped client does
// not abandon a transaction that is already on its way to confirmation.
func (s *Server) writeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.writeTimeout)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, st session.State, err error) {
	if s.poller != nil {
		s.poller.Observe(context.WithoutCancel(r.Context()), st)
	}
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("session call failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		writeJSON(w, status, errorResponse{Error: err.Error(), State: &st})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type errorResponse struct {
	Error string         `json:"error"`
	State *session.State `json:"state,omitempty"`
}

func statusFor(err error) int {
	var rejected *chain.RejectedError
	switch {
	case errors.Is(err, session.ErrActionNotAllowed), errors.Is(err, session.ErrWriteInFlight):
		return http.StatusConflict
	case errors.As(err, &rejected), errors.Is(err, chain.ErrReverted), errors.Is(err, chain.ErrPublicPalette):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrInvalidChoice),
		errors.Is(err, session.ErrConsentWallet),
		errors.Is(err, types.ErrInvalidPalette),
		errors.Is(err, types.ErrInvalidSeed),
		errors.Is(err, types.ErrSeedOutOfRange),
		errors.Is(err, consent.ErrInvalidMessage),
		errors.Is(err, consent.ErrInvalidSignature),
		errors.Is(err, preview.ErrUnknownSignal),
		errors.Is(err, preview.ErrIndexOutOfRange),
		errors.Is(err, preview.ErrNotLoaded),
		errors.Is(err, preview.ErrStopped):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// parseSeedInput accepts a 0x-prefixed hex seed or a decimal integer within
// the renderer's range.
func parseSeedInput(raw string) (types.Seed, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return types.Seed{}, fmt.Errorf("%w: seed required", types.ErrInvalidSeed)
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return types.ParseSeed(trimmed)
	}
	return types.SeedFromInteger(trimmed)
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func decodeOptional(r *http.Request, dst interface{}) error {
	err := decodeBody(r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
