// Package webhook authenticates payment processor callbacks and hands them to
// the settlement state machine.
package webhook

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
	"golang.org/x/time/rate"

	"coopledger/observability"
	"coopledger/observability/logging"
	"coopledger/services/settlementd/alerts"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/settlement"
)

// Settler applies a verified notification.
type Settler interface {
	OnProcessorNotification(ctx context.Context, n settlement.Notification) (settlement.Outcome, error)
}

// ReplayGuard remembers signed requests for a while.
type ReplayGuard interface {
	PutIfAbsent(key string, ttl time.Duration) (bool, error)
	Delete(key string) error
}

// RateLimit is a per-processor token bucket.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// Config wires an Ingress.
type Config struct {
	Settler    Settler
	Replay     ReplayGuard
	TrustModel string
	// Secrets are the per-processor signing secrets for the direct trust model.
	Secrets     map[models.Processor][]byte
	RelaySecret []byte
	RelayHeader string
	Tolerance   time.Duration
	ReplayTTL   time.Duration
	MaxBody     int64
	RateLimit   RateLimit
	Alerts      alerts.Notifier
	Metrics     *observability.WebhookMetrics
	Logger      *slog.Logger
	Now         func() time.Time
}

type route struct {
	verifier Verifier
	parse    Parser
	limiter  *rate.Limiter
}

// Ingress serves POST /webhooks/{processor}.
type Ingress struct {
	settler   Settler
	replay    ReplayGuard
	routes    map[models.Processor]*route
	replayTTL time.Duration
	maxBody   int64
	alerts    alerts.Notifier
	metrics   *observability.WebhookMetrics
	logger    *slog.Logger
}

// NewIngress builds the verifiers for the configured trust model. Processors
// without a secret are not routed.
func NewIngress(cfg Config) (*Ingress, error) {
	if cfg.Settler == nil || cfg.Replay == nil {
		return nil, errors.New("webhook: settler and replay guard are required")
	}
	trust := strings.ToLower(strings.TrimSpace(cfg.TrustModel))
	if trust == "" {
		trust = TrustDirect
	}
	if trust != TrustDirect && trust != TrustRelay {
		return nil, fmt.Errorf("webhook: unknown trust model %q", cfg.TrustModel)
	}
	if trust == TrustRelay && len(cfg.RelaySecret) == 0 {
		return nil, errors.New("webhook: relay trust model requires a relay secret")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "webhook")
	notifier := cfg.Alerts
	if notifier == nil {
		notifier = alerts.LogNotifier{Logger: logger}
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	ttl := cfg.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	perSecond := cfg.RateLimit.RequestsPerMinute / 60
	if perSecond <= 0 {
		perSecond = 10
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 20
	}

	parsers := map[models.Processor]Parser{
		models.ProcessorStripe:      ParseStripe,
		models.ProcessorNOWPayments: ParseNOWPayments,
	}
	routes := make(map[models.Processor]*route)
	for processor, parse := range parsers {
		var verifier Verifier
		switch {
		case trust == TrustRelay:
			verifier = RelayVerifier{Secret: cfg.RelaySecret, Header: cfg.RelayHeader}
		case len(cfg.Secrets[processor]) == 0:
			continue
		case processor == models.ProcessorStripe:
			verifier = StripeVerifier{Secret: cfg.Secrets[processor], Tolerance: cfg.Tolerance, Now: cfg.Now}
		default:
			verifier = NOWPaymentsVerifier{Secret: cfg.Secrets[processor]}
		}
		routes[processor] = &route{
			verifier: verifier,
			parse:    parse,
			limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		}
	}
	if len(routes) == 0 {
		return nil, errors.New("webhook: no processor has a signing secret")
	}
	return &Ingress{
		settler:   cfg.Settler,
		replay:    cfg.Replay,
		routes:    routes,
		replayTTL: ttl,
		maxBody:   maxBody,
		alerts:    notifier,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// ServeHTTP implements http.Handler. The processor comes from the {processor}
// route parameter.
func (h *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	processor, ok := models.ParseProcessor(chi.URLParam(r, "processor"))
	rt := h.routes[processor]
	if !ok || rt == nil {
		h.metrics.RecordDelivery(chi.URLParam(r, "processor"), "unknown_processor")
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown processor"})
		return
	}
	name := string(processor)
	if !rt.limiter.Allow() {
		h.metrics.RecordDelivery(name, "rate_limited")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": http.StatusText(http.StatusTooManyRequests)})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	_ = r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.metrics.RecordDelivery(name, "bad_body")
		writeJSON(w, status, map[string]string{"error": "unreadable body"})
		return
	}

	digest, err := rt.verifier.Verify(r.Header, body)
	if err != nil {
		h.metrics.RecordDelivery(name, "unauthorized")
		h.logger.WarnContext(ctx, "webhook signature rejected",
			slog.String("processor", name),
			slog.String("remote", r.RemoteAddr),
			slog.Any("error", err))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	replayKey := "sig:" + name + ":" + digest
	fresh, err := h.replay.PutIfAbsent(replayKey, h.replayTTL)
	if err != nil {
		h.metrics.RecordDelivery(name, "error")
		h.logger.ErrorContext(ctx, "replay guard unavailable", slog.String("processor", name), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !fresh {
		h.metrics.RecordDelivery(name, "replayed")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": true})
		return
	}

	notification, err := rt.parse(body)
	if err != nil {
		h.metrics.RecordDelivery(name, "malformed")
		h.logger.WarnContext(ctx, "webhook payload rejected", slog.String("processor", name), slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}

	outcome, err := h.settler.OnProcessorNotification(ctx, notification)
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrTransactionNotFound):
		h.unknownIntent(ctx, name, notification, err)
		outcome = settlement.OutcomeUnknownIntent
	default:
		// Forget the signature so the processor's retry of this exact request
		// is processed again.
		if derr := h.replay.Delete(replayKey); derr != nil {
			h.logger.ErrorContext(ctx, "replay entry not released", slog.Any("error", derr))
		}
		h.metrics.RecordDelivery(name, "error")
		h.logger.ErrorContext(ctx, "webhook processing failed", slog.String("processor", name), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	h.metrics.RecordDelivery(name, string(outcome))
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Ingress) unknownIntent(ctx context.Context, processor string, n settlement.Notification, err error) {
	h.logger.ErrorContext(ctx, "payment for unknown intent", slog.String("processor", processor), slog.Any("error", err))
	fields := map[string]string{"processor": processor}
	if ev, ok := n.(settlement.PaymentSucceeded); ok {
		fields["external_payment_id"] = logging.MaskTail(ev.ExternalPaymentID, 6)
		fields["event_id"] = ev.EventID
	}
	notifyErr := h.alerts.Notify(ctx, alerts.Alert{
		Severity: alerts.SeverityWarning,
		Source:   "webhook",
		Title:    "captured payment for unknown intent",
		Message:  err.Error(),
		Fields:   fields,
	})
	if notifyErr != nil {
		h.logger.ErrorContext(ctx, "alert delivery failed", slog.Any("error", notifyErr))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
