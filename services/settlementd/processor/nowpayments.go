package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"coopledger/services/settlementd/models"
)

const defaultNOWPaymentsBaseURL = "https://api.nowpayments.io/v1"

// NOWPayments collects crypto-denominated payments through hosted invoices. The
// invoice URL doubles as the client secret handed to the app.
type NOWPayments struct {
	apiKey      string
	baseURL     string
	callbackURL string
	http        *http.Client
}

// NewNOWPayments constructs a NOWPayments client.
func NewNOWPayments(baseURL, apiKey, callbackURL string) *NOWPayments {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultNOWPaymentsBaseURL
	}
	return &NOWPayments{
		apiKey:      strings.TrimSpace(apiKey),
		baseURL:     strings.TrimRight(baseURL, "/"),
		callbackURL: strings.TrimSpace(callbackURL),
		http:        &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Client.
func (c *NOWPayments) Name() models.Processor { return models.ProcessorNOWPayments }

type nowInvoiceRequest struct {
	PriceAmount   string `json:"price_amount"`
	PriceCurrency string `json:"price_currency"`
	OrderID       string `json:"order_id"`
	OrderDesc     string `json:"order_description,omitempty"`
	IPNCallback   string `json:"ipn_callback_url,omitempty"`
	FixedRate     bool   `json:"is_fixed_rate"`
}

type nowInvoice struct {
	ID         json.Number `json:"id"`
	InvoiceURL string      `json:"invoice_url"`
}

// CreatePaymentIntent implements Client by creating a hosted invoice.
func (c *NOWPayments) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	payload := nowInvoiceRequest{
		PriceAmount:   req.Amount.StringFixed(2),
		PriceCurrency: strings.ToLower(req.Currency),
		OrderID:       req.Reference,
		OrderDesc:     "co-op currency purchase",
		IPNCallback:   c.callbackURL,
		FixedRate:     true,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoice", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: nowpayments /invoice: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, statusError("nowpayments /invoice", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var invoice nowInvoice
	if err := json.Unmarshal(body, &invoice); err != nil {
		return nil, fmt.Errorf("%w: nowpayments /invoice: decode: %v", ErrUnavailable, err)
	}
	if invoice.ID.String() == "" || invoice.InvoiceURL == "" {
		return nil, fmt.Errorf("%w: nowpayments invoice response incomplete", ErrUnavailable)
	}
	return &Intent{ID: invoice.ID.String(), ClientSecret: invoice.InvoiceURL}, nil
}

// IssueRefund implements Client. NOWPayments has no refund endpoint for
// invoice payments, so every refund needs an operator.
func (c *NOWPayments) IssueRefund(context.Context, RefundRequest) (*Refund, error) {
	return nil, ErrRefundUnsupported
}
