package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"coopledger/services/settlementd/models"
)

const defaultStripeBaseURL = "https://api.stripe.com"

// Stripe creates payment intents and refunds against the Stripe REST API.
type Stripe struct {
	secretKey string
	baseURL   string
	http      *http.Client
}

// NewStripe constructs a Stripe client. An empty baseURL targets production.
func NewStripe(baseURL, secretKey string) *Stripe {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultStripeBaseURL
	}
	return &Stripe{
		secretKey: strings.TrimSpace(secretKey),
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Name implements Client.
func (s *Stripe) Name() models.Processor { return models.ProcessorStripe }

type stripeIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

type stripeRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreatePaymentIntent implements Client. Amounts are sent in minor units.
func (s *Stripe) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	form := url.Values{}
	form.Set("amount", req.Amount.Shift(2).Round(0).String())
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	setMetadata(form, req.Metadata)

	var intent stripeIntent
	if err := s.post(ctx, "/v1/payment_intents", form, "intent-"+req.Reference, &intent); err != nil {
		return nil, err
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, fmt.Errorf("%w: payment intent response missing id or client secret", ErrUnavailable)
	}
	return &Intent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// IssueRefund implements Client.
func (s *Stripe) IssueRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	form := url.Values{}
	if req.ChargeID != "" {
		form.Set("charge", req.ChargeID)
	} else {
		form.Set("payment_intent", req.PaymentIntentID)
	}
	form.Set("reason", "requested_by_customer")
	setMetadata(form, req.Metadata)

	var refund stripeRefund
	if err := s.post(ctx, "/v1/refunds", form, req.IdempotencyKey, &refund); err != nil {
		return nil, err
	}
	switch refund.Status {
	case "failed", "canceled":
		return nil, fmt.Errorf("%w: refund %s is %s", ErrRejected, refund.ID, refund.Status)
	}
	return &Refund{ID: refund.ID, Status: refund.Status}, nil
}

func (s *Stripe) post(ctx context.Context, path string, form url.Values, idempotencyKey string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: stripe %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: stripe %s: read body: %v", ErrUnavailable, path, err)
	}
	if resp.StatusCode >= 300 {
		var apiErr stripeError
		_ = json.Unmarshal(body, &apiErr)
		return statusError("stripe "+path, resp.StatusCode, apiErr.Error.Message)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: stripe %s: decode: %v", ErrUnavailable, path, err)
	}
	return nil
}

func setMetadata(form url.Values, metadata map[string]string) {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := metadata[k]
		if len(value) > 500 {
			value = value[:500]
		}
		form.Set("metadata["+k+"]", value)
	}
}
