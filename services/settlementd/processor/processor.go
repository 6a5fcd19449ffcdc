// Package processor talks to the external payment processors that capture fiat
// for onramp purchases and refund it when a mint cannot be completed.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"coopledger/services/settlementd/models"
)

var (
	// ErrUnavailable wraps transport failures and 5xx responses.
	ErrUnavailable = errors.New("processor: unavailable")
	// ErrRejected wraps 4xx responses.
	ErrRejected = errors.New("processor: request rejected")
	// ErrRefundUnsupported is returned by processors without a refund API.
	ErrRefundUnsupported = errors.New("processor: refunds not supported")
	// ErrUnknownProcessor is returned by the registry for unconfigured processors.
	ErrUnknownProcessor = errors.New("processor: not configured")
)

// IntentRequest describes a payment to collect.
type IntentRequest struct {
	Amount   decimal.Decimal
	Currency string
	// Reference is echoed back by the processor and used as the idempotency key.
	Reference string
	Metadata  map[string]string
}

// Intent is a created payment intent.
type Intent struct {
	ID           string
	ClientSecret string
}

// RefundRequest asks the processor to return a captured payment.
type RefundRequest struct {
	PaymentIntentID string
	ChargeID        string
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

// Refund is an accepted refund.
type Refund struct {
	ID     string
	Status string
}

// Client is one payment processor.
type Client interface {
	Name() models.Processor
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	IssueRefund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// Registry resolves configured processors by name.
type Registry struct {
	clients map[models.Processor]Client
}

// NewRegistry indexes clients by their Name.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[models.Processor]Client, len(clients))}
	for _, c := range clients {
		if c != nil {
			r.clients[c.Name()] = c
		}
	}
	return r
}

// Get returns the client for name.
func (r *Registry) Get(name models.Processor) (Client, error) {
	if r != nil {
		if c, ok := r.clients[name]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
}

// Names lists the configured processors in a stable order.
func (r *Registry) Names() []models.Processor {
	if r == nil {
		return nil
	}
	out := make([]models.Processor, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func statusError(op string, status int, body string) error {
	kind := ErrRejected
	if status >= 500 || status == 429 {
		kind = ErrUnavailable
	}
	if body != "" {
		return fmt.Errorf("%w: %s returned %d: %s", kind, op, status, body)
	}
	return fmt.Errorf("%w: %s returned %d", kind, op, status)
}
