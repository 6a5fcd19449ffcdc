// Package recon compares the reward and purchase records in the database with
// what the chain recorded, raises alerts on drift, and repairs row status when
// an operator asks for it.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"coopledger/observability"
	"coopledger/services/settlementd/alerts"
	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/store"
)

// ErrInvalidWindow is returned when a run window does not end after it starts.
var ErrInvalidWindow = errors.New("recon: invalid window")

// Status is the outcome of a single check.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// level orders statuses for metrics.
func (s Status) level() int {
	switch s {
	case StatusWarn:
		return 1
	case StatusFail:
		return 2
	default:
		return 0
	}
}

// Check names.
const (
	CheckPurchaseCount      = "purchase_count"
	CheckExecutionRate      = "reward_execution_rate"
	CheckStalePending       = "stale_pending"
	CheckRewardAmount       = "reward_amount"
	CheckOnrampStale        = "onramp_stale_pending"
	CheckManualIntervention = "onramp_manual_intervention"
	CheckRefundedButMinted  = "refunded_but_minted"
)

// Run kinds.
const (
	KindHourly = "hourly"
	KindDaily  = "daily"
	KindManual = "manual"
)

// Chain is the read side of the ledger used by reconciliation.
type Chain interface {
	Token() ledger.Token
	BlockRange(ctx context.Context, start, end time.Time) (uint64, uint64, error)
	EventLogs(ctx context.Context, eventName string, fromBlock, toBlock uint64) ([]ledger.Event, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error)
	TotalSupply(ctx context.Context, id *big.Int) (*big.Int, error)
}

// Thresholds configures when checks warn or fail. Percentages are 0-100.
type Thresholds struct {
	PurchaseCountDriftPct  float64
	ExecutionWarnPct       float64
	ExecutionFailPct       float64
	StaleAfter             time.Duration
	CriticalStaleThreshold int64
	AmountDriftPct         float64
}

// DefaultThresholds returns the standard tolerances.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PurchaseCountDriftPct:  5,
		ExecutionWarnPct:       20,
		ExecutionFailPct:       50,
		StaleAfter:             time.Hour,
		CriticalStaleThreshold: 10,
		AmountDriftPct:         10,
	}
}

// Config wires an Engine.
type Config struct {
	Store      *store.Store
	Chain      Chain
	Thresholds Thresholds
	// Budget bounds the wall-clock time of one Run.
	Budget time.Duration
	// RepairLookback bounds how far back COMPLETED reward rows are re-verified.
	RepairLookback time.Duration
	// OutputDir, when set, receives a CSV and parquet report per run.
	OutputDir   string
	SaveHistory bool
	Alerts      alerts.Notifier
	Metrics     *observability.ReconciliationMetrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Engine runs reconciliation checks and repairs.
type Engine struct {
	store          *store.Store
	chain          Chain
	thresholds     Thresholds
	budget         time.Duration
	repairLookback time.Duration
	outputDir      string
	saveHistory    bool
	alerts         alerts.Notifier
	metrics        *observability.ReconciliationMetrics
	logger         *slog.Logger
	now            func() time.Time
}

// NewEngine builds an Engine. A nil Chain restricts checks to database
// fallbacks and disables the repair passes.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	th := cfg.Thresholds
	def := DefaultThresholds()
	if th.PurchaseCountDriftPct <= 0 {
		th.PurchaseCountDriftPct = def.PurchaseCountDriftPct
	}
	if th.ExecutionWarnPct <= 0 {
		th.ExecutionWarnPct = def.ExecutionWarnPct
	}
	if th.ExecutionFailPct <= 0 {
		th.ExecutionFailPct = def.ExecutionFailPct
	}
	if th.StaleAfter <= 0 {
		th.StaleAfter = def.StaleAfter
	}
	if th.CriticalStaleThreshold <= 0 {
		th.CriticalStaleThreshold = def.CriticalStaleThreshold
	}
	if th.AmountDriftPct <= 0 {
		th.AmountDriftPct = def.AmountDriftPct
	}
	if th.ExecutionFailPct < th.ExecutionWarnPct {
		return nil, fmt.Errorf("recon: execution fail threshold %.1f below warn threshold %.1f", th.ExecutionFailPct, th.ExecutionWarnPct)
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = 2 * time.Minute
	}
	lookback := cfg.RepairLookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recon")
	notifier := cfg.Alerts
	if notifier == nil {
		notifier = alerts.LogNotifier{Logger: logger}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:          cfg.Store,
		chain:          cfg.Chain,
		thresholds:     th,
		budget:         budget,
		repairLookback: lookback,
		outputDir:      strings.TrimSpace(cfg.OutputDir),
		saveHistory:    cfg.SaveHistory,
		alerts:         notifier,
		metrics:        cfg.Metrics,
		logger:         logger,
		now:            now,
	}, nil
}

// Check is the result of one reconciliation check.
type Check struct {
	Name         string  `json:"name"`
	Status       Status  `json:"status"`
	Expected     float64 `json:"expected"`
	Actual       float64 `json:"actual"`
	DriftPct     float64 `json:"driftPct"`
	ThresholdPct float64 `json:"thresholdPct"`
	Message      string  `json:"message"`
}

// Alert is raised for every non-passing check.
type Alert struct {
	Severity alerts.Severity `json:"severity"`
	Check    string          `json:"check"`
	Message  string          `json:"message"`
}

// Result is the outcome of a Run.
type Result struct {
	Kind        string    `json:"kind"`
	GeneratedAt time.Time `json:"generatedAt"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	Checks      []Check   `json:"checks"`
	Alerts      []Alert   `json:"alerts"`
	// Partial is set when the budget ran out before every check finished.
	Partial bool        `json:"partial"`
	Report  *ReportFile `json:"report,omitempty"`
}

// Status returns the worst check status.
func (r *Result) Status() Status {
	worst := StatusPass
	for _, c := range r.Checks {
		if c.Status.level() > worst.level() {
			worst = c.Status
		}
	}
	return worst
}

// RunOptions selects the window for a Run. A zero window covers the hour
// before now.
type RunOptions struct {
	Start time.Time
	End   time.Time
	Kind  string
}

// Run executes every check over the window. Checks run in a fixed order; once
// the budget is spent the remaining checks are skipped and the result is
// marked partial. A check cut off by the deadline is dropped.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	started := e.now()
	end := opts.End.UTC()
	if end.IsZero() {
		end = started.UTC()
	}
	start := opts.Start.UTC()
	if start.IsZero() {
		start = end.Add(-time.Hour)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end %s not after start %s", ErrInvalidWindow, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	kind := opts.Kind
	if kind == "" {
		kind = KindManual
	}

	budgetCtx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	result := &Result{Kind: kind, GeneratedAt: started.UTC(), WindowStart: start, WindowEnd: end}
	w := &window{engine: e, start: start, end: end}
	for _, run := range e.checks() {
		if budgetCtx.Err() != nil {
			result.Partial = true
			break
		}
		check := run(budgetCtx, w)
		if budgetCtx.Err() != nil {
			result.Partial = true
			break
		}
		result.Checks = append(result.Checks, check)
		e.metrics.RecordCheck(check.Name, check.Status.level(), check.DriftPct)
	}
	if result.Partial {
		e.logger.WarnContext(ctx, "reconciliation budget exhausted",
			slog.String("kind", kind),
			slog.Int("completed_checks", len(result.Checks)),
			slog.Duration("budget", e.budget))
	}

	// Alert delivery and persistence use the caller's context, not the spent budget.
	for _, check := range result.Checks {
		if check.Status == StatusPass {
			continue
		}
		alert := Alert{Severity: alerts.SeverityWarning, Check: check.Name, Message: check.Message}
		if check.Status == StatusFail {
			alert.Severity = alerts.SeverityCritical
		}
		result.Alerts = append(result.Alerts, alert)
		e.raise(ctx, kind, alert, check)
	}

	if e.outputDir != "" {
		report, err := writeReport(e.outputDir, result)
		if err != nil {
			e.logger.ErrorContext(ctx, "reconciliation report failed", slog.Any("error", err))
		} else {
			result.Report = report
		}
	}
	if e.saveHistory {
		if err := e.saveRun(ctx, result); err != nil {
			e.logger.ErrorContext(ctx, "reconciliation history not saved", slog.Any("error", err))
		}
	}
	elapsed := e.now().Sub(started)
	e.metrics.RecordRun(kind, result.Partial, elapsed)
	e.logger.InfoContext(ctx, "reconciliation finished",
		slog.String("kind", kind),
		slog.String("status", string(result.Status())),
		slog.Int("checks", len(result.Checks)),
		slog.Int("alerts", len(result.Alerts)),
		slog.Bool("partial", result.Partial),
		slog.Duration("elapsed", elapsed))
	return result, nil
}

func (e *Engine) raise(ctx context.Context, kind string, alert Alert, check Check) {
	e.metrics.RecordAlert(string(alert.Severity))
	err := e.alerts.Notify(ctx, alerts.Alert{
		Severity: alert.Severity,
		Source:   "recon",
		Title:    fmt.Sprintf("%s check %s", check.Name, check.Status),
		Message:  alert.Message,
		Fields: map[string]string{
			"check":    check.Name,
			"kind":     kind,
			"expected": formatFloat(check.Expected),
			"actual":   formatFloat(check.Actual),
			"drift":    formatFloat(check.DriftPct),
		},
		RaisedAt: e.now().UTC(),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "alert delivery failed", slog.String("check", check.Name), slog.Any("error", err))
	}
}

func (e *Engine) saveRun(ctx context.Context, result *Result) error {
	checks, err := json.Marshal(result.Checks)
	if err != nil {
		return err
	}
	raised, err := json.Marshal(result.Alerts)
	if err != nil {
		return err
	}
	return e.store.SaveReconciliationRun(ctx, &models.ReconciliationRun{
		Kind:        result.Kind,
		WindowStart: result.WindowStart,
		WindowEnd:   result.WindowEnd,
		Partial:     result.Partial,
		Checks:      checks,
		Alerts:      raised,
		CreatedAt:   result.GeneratedAt,
	})
}

// DriftPct is the relative difference between expected and actual in percent.
// With nothing expected, any actual value is a full drift.
func DriftPct(expected, actual float64) float64 {
	if expected == 0 {
		if actual == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(expected-actual) * 100 / math.Abs(expected)
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.4g", v)
}
