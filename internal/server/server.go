package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"merchantfactory/internal/config"
	"merchantfactory/internal/contracts"
	"merchantfactory/internal/creation"
	"merchantfactory/internal/hmacauth"
	"merchantfactory/internal/idempotency"
	"merchantfactory/internal/wallet"
)

type Server struct {
	cfg         *config.AppConfig
	controller  *creation.Controller
	session     *wallet.Session
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	limiter     *rate.Limiter
	feed        *creation.Feed
	httpServer  *http.Server
	metrics     *metricsRegistry
	logger      *zap.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// NewServer builds the controller and wallet session for provider and
// exposes them over HTTP.
func NewServer(cfg *config.AppConfig, provider wallet.Provider, store idempotency.Store, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := newMetricsRegistry()
	feed := creation.NewFeed(cfg.Service.NotificationFeedSize)

	controller, err := creation.NewController(cfg.ControllerConfig(), provider,
		creation.WithLogger(logger.Named("creation")),
		creation.WithNotifier(feed),
		creation.WithNotifier(metrics),
		creation.WithObserver(metrics.observeTransition),
	)
	if err != nil {
		return nil, fmt.Errorf("creation controller: %w", err)
	}

	session := wallet.NewSession(provider)
	session.Subscribe(controller.OnAccountChanged)

	perMinute := cfg.Service.CreateRatePerMinute
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	burst := cfg.Service.CreateRateBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Server{
		cfg:        cfg,
		controller: controller,
		session:    session,
		store:      store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		limiter: rate.NewLimiter(limit, burst),
		feed:    feed,
		metrics: metrics,
		logger:  logger,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := provider.(wallet.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/session", s.handleSession)
	mux.Handle("PUT /api/v1/session/account", s.hmac.Middleware(http.HandlerFunc(s.handleAccount)))
	mux.Handle("POST /api/v1/session/creations", s.hmac.Middleware(http.HandlerFunc(s.handleCreate)))
	mux.Handle("POST /api/v1/session/refresh", s.hmac.Middleware(http.HandlerFunc(s.handleRefresh)))
	mux.HandleFunc("GET /api/v1/notifications", s.handleNotifications)
	mux.HandleFunc("GET /api/v1/contracts/merchant/abi", s.handleMerchantABI)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.accessLog(mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.controller.Close()
	return err
}

type sessionResponse struct {
	Attempt    creation.Attempt `json:"attempt"`
	CanRequest bool             `json:"canRequest"`
	Network    string           `json:"network"`
	Factory    string           `json:"factory"`
}

type accountRequest struct {
	Account *string `json:"account"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const creationKeyPrefix = "creation:"

func (s *Server) sessionView() sessionResponse {
	cc := s.controller.Config()
	return sessionResponse{
		Attempt:    s.controller.Snapshot(),
		CanRequest: s.controller.CanRequest(),
		Network:    s.cfg.Chain.Network,
		Factory:    cc.FactoryAddress.Hex(),
	}
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	var payload accountRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	if payload.Account == nil || strings.TrimSpace(*payload.Account) == "" {
		s.session.Disconnect()
		writeJSON(w, http.StatusOK, s.sessionView())
		return
	}

	raw := strings.TrimSpace(*payload.Account)
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "account must be a hex address")
		return
	}
	if err := s.session.Connect(common.HexToAddress(raw)); err != nil {
		if errors.Is(err, wallet.ErrUnknownAccount) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing X-Idempotency-Key header")
		return
	}

	ctx := r.Context()

	existing, err := s.store.Get(ctx, creationKeyPrefix+key)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incRequest("cached")
		return
	}

	if !s.limiter.Allow() {
		s.metrics.incRequest("rate_limited")
		writeError(w, http.StatusTooManyRequests, "too many creation requests")
		return
	}

	if err := s.controller.RequestCreation(ctx); err != nil {
		s.metrics.incRequest("rejected")
		writeError(w, statusFor(err), err.Error())
		return
	}

	body, err := json.Marshal(s.sessionView())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	record := idempotency.Record{
		StatusCode: http.StatusAccepted,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(ctx, creationKeyPrefix+key, record); err != nil {
		s.logger.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body)
	s.metrics.incRequest("accepted")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.controller.Refresh(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.feed.Recent())
}

func (s *Server) handleMerchantABI(w http.ResponseWriter, _ *http.Request) {
	if s.controller.Snapshot().State != creation.StateSucceeded {
		writeError(w, http.StatusConflict, "merchant contract not created yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", contracts.MerchantABIFilename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(contracts.MerchantContractABI)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, creation.ErrNoAccountConnected):
		return http.StatusPreconditionFailed
	case errors.Is(err, creation.ErrAttemptInFlight),
		errors.Is(err, creation.ErrAlreadyCreated),
		errors.Is(err, creation.ErrRetryDisabled),
		errors.Is(err, creation.ErrNothingToRefresh):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string         `json:"status"`
		Network  string         `json:"network"`
		RPC      any            `json:"rpc"`
		Database any            `json:"database"`
		Session  creation.State `json:"session"`
	}{
		Status:   status,
		Network:  s.cfg.Chain.Network,
		RPC:      rpcInfo,
		Database: dbInfo,
		Session:  s.controller.Snapshot().State,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", r.Header.Get("X-Request-Id")))
	})
}
