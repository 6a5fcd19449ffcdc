package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/store"
)

// RewardStats is the admin summary of reward issuance.
type RewardStats struct {
	TotalMintedDB decimal.Decimal `json:"totalMintedDB"`
	// TotalOnChain is the reward currency supply; nil when the chain could not be read.
	TotalOnChain *decimal.Decimal `json:"totalOnChain"`
	ChainError   string           `json:"chainError,omitempty"`
	SuccessRate  float64          `json:"successRate"`
	Completed    int64            `json:"completed"`
	Failed       int64            `json:"failed"`
	Pending      int64            `json:"pending"`
	WeekMinted   decimal.Decimal  `json:"weekMinted"`
	TodayMinted  decimal.Decimal  `json:"todayMinted"`
	GeneratedAt  time.Time        `json:"generatedAt"`
}

// GetSCRewardStats summarises reward issuance from the database and the
// reward currency supply from the chain. Minted totals use the actual amount
// when the chain reported one.
func (e *Engine) GetSCRewardStats(ctx context.Context) (*RewardStats, error) {
	now := e.now().UTC()
	completed := []models.RewardStatus{models.RewardCompleted}

	total, err := e.store.SumRewards(ctx, store.RewardFilter{Statuses: completed})
	if err != nil {
		return nil, err
	}
	week, err := e.store.SumRewards(ctx, store.RewardFilter{Statuses: completed, Start: now.Add(-7 * 24 * time.Hour)})
	if err != nil {
		return nil, err
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := e.store.SumRewards(ctx, store.RewardFilter{Statuses: completed, Start: midnight})
	if err != nil {
		return nil, err
	}
	counts, err := e.store.CountRewardsByStatus(ctx, store.RewardFilter{})
	if err != nil {
		return nil, err
	}

	stats := &RewardStats{
		TotalMintedDB: total,
		Completed:     counts[models.RewardCompleted],
		Failed:        counts[models.RewardFailed],
		Pending:       counts[models.RewardPending],
		WeekMinted:    week,
		TodayMinted:   today,
		SuccessRate:   100,
		GeneratedAt:   now,
	}
	if settled := stats.Completed + stats.Failed; settled > 0 {
		stats.SuccessRate = float64(stats.Completed) * 100 / float64(settled)
	}

	if e.chain == nil {
		stats.ChainError = ErrNoChain.Error()
		return stats, nil
	}
	token := e.chain.Token()
	supply, err := e.chain.TotalSupply(ctx, token.SCID)
	if err != nil {
		stats.ChainError = fmt.Sprintf("total supply unavailable: %v", err)
		return stats, nil
	}
	onChain := token.FromBaseUnits(supply)
	stats.TotalOnChain = &onChain
	return stats, nil
}
