package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/recon"
	"coopledger/services/settlementd/rewards"
	"coopledger/services/settlementd/settlement"
)

// Purchases starts and reads fiat purchases.
type Purchases interface {
	BeginPurchase(ctx context.Context, req settlement.PurchaseRequest) (*settlement.PurchaseResult, error)
	GetOnrampStatus(ctx context.Context, id uuid.UUID, userID string, admin bool) (*models.OnrampTransaction, error)
}

// Orders completes store orders and awards their rewards.
type Orders interface {
	CompleteStoreOrder(ctx context.Context, orderID uuid.UUID) (rewards.Award, error)
}

// Reconciler runs checks, repairs and stats on demand.
type Reconciler interface {
	Run(ctx context.Context, opts recon.RunOptions) (*recon.Result, error)
	ReconcileSCRewards(ctx context.Context) (*recon.RepairResult, error)
	ReconcileOnramps(ctx context.Context) (*recon.RepairResult, error)
	GetSCRewardStats(ctx context.Context) (*recon.RewardStats, error)
}

// Pinger reports database liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the HTTP API.
type Config struct {
	Purchases  Purchases
	Orders     Orders
	Reconciler Reconciler
	Webhooks   http.Handler
	Health     Pinger
	Auth       AuthConfig
	// Metrics serves /metrics. Defaults to the default prometheus registry.
	Metrics       http.Handler
	MaxBodyBytes  int64
	TracingName   string
	Logger        *slog.Logger
	DisableTraces bool
}

// Server is the settlement HTTP API.
type Server struct {
	cfg      Config
	verifier *verifier
	logger   *slog.Logger
	handler  http.Handler
}

// New validates the config and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Purchases == nil {
		return nil, errors.New("server: purchases required")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("server: reconciler required")
	}
	v, err := newVerifier(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.TracingName == "" {
		cfg.TracingName = "settlementd"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, verifier: v, logger: logger}
	var handler http.Handler = s.buildRouter()
	if !cfg.DisableTraces {
		handler = otelhttp.NewHandler(handler, cfg.TracingName)
	}
	s.handler = handler
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.cfg.Metrics)
	if s.cfg.Webhooks != nil {
		r.Method(http.MethodPost, "/webhooks/{processor}", s.cfg.Webhooks)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.verifier.authenticate)
		api.Post("/onramp/intents", s.handleCreateIntent)
		api.Get("/onramp/transactions/{id}", s.handleGetTransaction)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(requireAdmin)
			admin.Post("/rewards/reconcile", s.handleReconcileRewards)
			admin.Get("/rewards/stats", s.handleRewardStats)
			admin.Post("/reconciliation/run", s.handleRunReconciliation)
			admin.Post("/onramp/reconcile", s.handleReconcileOnramps)
			admin.Post("/orders/{id}/complete", s.handleCompleteOrder)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(started)),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Ping(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", slog.Any("error", err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createIntentRequest struct {
	AmountFiat   decimal.Decimal `json:"amountFiat"`
	Processor    string          `json:"processor"`
	StoreOrderID *uuid.UUID      `json:"storeOrderId,omitempty"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	claims, err := FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req createIntentRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	proc, ok := models.ParseProcessor(req.Processor)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported processor %q", req.Processor))
		return
	}
	result, err := s.cfg.Purchases.BeginPurchase(r.Context(), settlement.PurchaseRequest{
		UserID:       claims.Subject,
		AmountFiat:   req.AmountFiat,
		Processor:    proc,
		StoreOrderID: req.StoreOrderID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	claims, err := FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	tx, err := s.cfg.Purchases.GetOnrampStatus(r.Context(), id, claims.Subject, claims.IsAdmin())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleReconcileRewards(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Reconciler.ReconcileSCRewards(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReconcileOnramps(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Reconciler.ReconcileOnramps(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRewardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Reconciler.GetSCRewardStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type runRequest struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

func (s *Server) handleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	opts := recon.RunOptions{Kind: recon.KindManual}
	if req.Start != nil {
		opts.Start = *req.Start
	}
	if req.End != nil {
		opts.End = *req.End
	}
	result, err := s.cfg.Reconciler.Run(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompleteOrder(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Orders == nil {
		writeError(w, http.StatusNotImplemented, "store orders not configured")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	award, err := s.cfg.Orders.CompleteStoreOrder(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":      id,
		"buyerReward":  award.BuyerReward(),
		"sellerReward": award.SellerReward(),
		"buyer":        award.Buyer,
		"seller":       award.Seller,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	writeError(w, status, message)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrUnsupportedProcessor),
		errors.Is(err, settlement.ErrNoWallet),
		errors.Is(err, settlement.ErrInvalidOrder),
		errors.Is(err, recon.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrTransactionNotFound),
		errors.Is(err, rewards.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, rewards.ErrOrderNotPending):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrProcessorUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, recon.ErrNoChain):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(message)})
}
