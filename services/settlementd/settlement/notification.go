package settlement

import (
	"github.com/shopspring/decimal"

	"coopledger/services/settlementd/models"
)

// Notification is a verified processor event. The set of implementations is
// closed: PaymentSucceeded, PaymentFailed and Unknown.
type Notification interface {
	notification()
	Source() models.Processor
}

// PaymentSucceeded reports that the processor captured the funds for an intent.
type PaymentSucceeded struct {
	Processor         models.Processor
	EventID           string
	ExternalPaymentID string
	ChargeID          string
	Amount            decimal.Decimal
	Currency          string
}

// PaymentFailed reports that the processor could not capture the funds.
type PaymentFailed struct {
	Processor         models.Processor
	EventID           string
	ExternalPaymentID string
	Message           string
}

// Unknown is any other processor event. It is acknowledged and ignored.
type Unknown struct {
	Processor models.Processor
	EventID   string
	Type      string
}

func (PaymentSucceeded) notification() {}
func (PaymentFailed) notification()    {}
func (Unknown) notification()          {}

// Source returns the processor that sent the event.
func (e PaymentSucceeded) Source() models.Processor { return e.Processor }

// Source returns the processor that sent the event.
func (e PaymentFailed) Source() models.Processor { return e.Processor }

// Source returns the processor that sent the event.
func (e Unknown) Source() models.Processor { return e.Processor }

// Outcome summarises what handling a notification did.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeRefunded           Outcome = "refunded"
	OutcomeManualIntervention Outcome = "manual_intervention"
	OutcomeFailed             Outcome = "failed"
	OutcomeMarkedFailed       Outcome = "marked_failed"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeInProgress         Outcome = "in_progress"
	OutcomeIgnored            Outcome = "ignored"
	OutcomeUnknownIntent      Outcome = "unknown_intent"
)
