package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/settlement"
)

// ErrMalformedPayload is returned for authenticated deliveries that cannot be decoded.
var ErrMalformedPayload = errors.New("webhook: malformed payload")

// Parser decodes an authenticated delivery into a settlement notification.
type Parser func(body []byte) (settlement.Notification, error)

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string `json:"id"`
			Amount           int64  `json:"amount"`
			AmountReceived   int64  `json:"amount_received"`
			Currency         string `json:"currency"`
			LatestCharge     string `json:"latest_charge"`
			LastPaymentError *struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// ParseStripe maps Stripe payment intent events.
func ParseStripe(body []byte) (settlement.Notification, error) {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	obj := ev.Data.Object
	switch ev.Type {
	case "payment_intent.succeeded":
		if obj.ID == "" {
			return nil, fmt.Errorf("%w: payment intent id missing", ErrMalformedPayload)
		}
		cents := obj.AmountReceived
		if cents == 0 {
			cents = obj.Amount
		}
		return settlement.PaymentSucceeded{
			Processor:         models.ProcessorStripe,
			EventID:           ev.ID,
			ExternalPaymentID: obj.ID,
			ChargeID:          obj.LatestCharge,
			Amount:            decimal.New(cents, -2),
			Currency:          strings.ToUpper(obj.Currency),
		}, nil
	case "payment_intent.payment_failed":
		if obj.ID == "" {
			return nil, fmt.Errorf("%w: payment intent id missing", ErrMalformedPayload)
		}
		message := ""
		if obj.LastPaymentError != nil {
			message = obj.LastPaymentError.Message
		}
		return settlement.PaymentFailed{
			Processor:         models.ProcessorStripe,
			EventID:           ev.ID,
			ExternalPaymentID: obj.ID,
			Message:           message,
		}, nil
	default:
		return settlement.Unknown{Processor: models.ProcessorStripe, EventID: ev.ID, Type: ev.Type}, nil
	}
}

type nowPaymentsIPN struct {
	PaymentID     json.Number `json:"payment_id"`
	InvoiceID     json.Number `json:"invoice_id"`
	PaymentStatus string      `json:"payment_status"`
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	OrderID       string      `json:"order_id"`
}

// ParseNOWPayments maps NOWPayments IPN callbacks. Intermediate statuses such
// as waiting or confirming are reported as Unknown.
func ParseNOWPayments(body []byte) (settlement.Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var ipn nowPaymentsIPN
	if err := dec.Decode(&ipn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	status := strings.ToLower(strings.TrimSpace(ipn.PaymentStatus))
	eventID := ipn.PaymentID.String() + ":" + status
	invoice := strings.TrimSpace(ipn.InvoiceID.String())
	switch status {
	case "finished":
		if invoice == "" {
			return nil, fmt.Errorf("%w: invoice id missing", ErrMalformedPayload)
		}
		amount := decimal.Zero
		if ipn.PriceAmount != "" {
			parsed, err := decimal.NewFromString(ipn.PriceAmount.String())
			if err != nil {
				return nil, fmt.Errorf("%w: price_amount: %v", ErrMalformedPayload, err)
			}
			amount = parsed
		}
		return settlement.PaymentSucceeded{
			Processor:         models.ProcessorNOWPayments,
			EventID:           eventID,
			ExternalPaymentID: invoice,
			ChargeID:          ipn.PaymentID.String(),
			Amount:            amount,
			Currency:          strings.ToUpper(ipn.PriceCurrency),
		}, nil
	case "failed", "expired":
		if invoice == "" {
			return nil, fmt.Errorf("%w: invoice id missing", ErrMalformedPayload)
		}
		return settlement.PaymentFailed{
			Processor:         models.ProcessorNOWPayments,
			EventID:           eventID,
			ExternalPaymentID: invoice,
			Message:           "payment " + status,
		}, nil
	default:
		return settlement.Unknown{Processor: models.ProcessorNOWPayments, EventID: eventID, Type: status}, nil
	}
}
