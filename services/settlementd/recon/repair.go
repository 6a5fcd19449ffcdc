package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/models"
)

// ErrNoChain is returned by the repair passes when no chain source is configured.
var ErrNoChain = errors.New("recon: chain source not configured")

// RepairResult summarises a repair pass.
type RepairResult struct {
	FixedCount int      `json:"fixedCount"`
	Scanned    int      `json:"scanned"`
	Errors     []string `json:"errors,omitempty"`
}

// ReconcileSCRewards corrects reward rows whose status disagrees with the
// chain. A successful receipt means COMPLETED; a reverted one means FAILED, as
// does a missing one unless the row is a PENDING submission younger than the
// stale threshold. PENDING rows that never got a hash are FAILED once stale. Only the
// status column is written and each row is fixed in its own transaction, so a
// second pass with no new chain activity fixes nothing.
func (e *Engine) ReconcileSCRewards(ctx context.Context) (*RepairResult, error) {
	if e.chain == nil {
		return nil, ErrNoChain
	}
	now := e.now().UTC()
	rows, err := e.store.ListRewardRepairCandidates(ctx, now.Add(-e.repairLookback))
	if err != nil {
		return nil, err
	}
	staleCutoff := now.Add(-e.thresholds.StaleAfter)
	result := &RepairResult{Scanned: len(rows)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		target, ok, err := e.rewardTarget(ctx, row, staleCutoff)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", row.ID, err))
			continue
		}
		if !ok || target == row.Status {
			continue
		}
		fixed, err := e.store.RepairRewardStatus(ctx, row.ID, row.Status, target)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", row.ID, err))
			continue
		}
		if fixed {
			result.FixedCount++
			e.logger.InfoContext(ctx, "reward status repaired",
				slog.String("reward_id", row.ID.String()),
				slog.String("from", string(row.Status)),
				slog.String("to", string(target)))
		}
	}
	e.metrics.RecordRepaired("sc_reward_transactions", result.FixedCount)
	e.logger.InfoContext(ctx, "reward repair finished",
		slog.Int("scanned", result.Scanned),
		slog.Int("fixed", result.FixedCount),
		slog.Int("errors", len(result.Errors)))
	return result, nil
}

// rewardTarget returns the status the chain says row should have. ok is false
// when the chain gives no verdict yet.
func (e *Engine) rewardTarget(ctx context.Context, row models.SCRewardTransaction, staleCutoff time.Time) (models.RewardStatus, bool, error) {
	if row.TxHash == nil || strings.TrimSpace(*row.TxHash) == "" {
		if row.Status == models.RewardPending && row.CreatedAt.Before(staleCutoff) {
			return models.RewardFailed, true, nil
		}
		return "", false, nil
	}
	receipt, err := e.chain.TransactionReceipt(ctx, common.HexToHash(*row.TxHash))
	switch {
	case errors.Is(err, ledger.ErrReceiptNotFound):
		// A fresh submission may simply not be mined yet; its issuer settles it.
		if row.Status == models.RewardPending && !row.CreatedAt.Before(staleCutoff) {
			return "", false, nil
		}
		return models.RewardFailed, true, nil
	case err != nil:
		return "", false, err
	case receipt.Success:
		return models.RewardCompleted, true, nil
	default:
		return models.RewardFailed, true, nil
	}
}

// ReconcileOnramps completes purchases whose mint landed although the row
// never reached COMPLETED, and fails PENDING purchases whose mint reverted.
// REFUNDED rows are never touched.
func (e *Engine) ReconcileOnramps(ctx context.Context) (*RepairResult, error) {
	if e.chain == nil {
		return nil, ErrNoChain
	}
	rows, err := e.store.ListOnrampsWithMintHash(ctx, models.OnrampPending, models.OnrampFailed)
	if err != nil {
		return nil, err
	}
	token := e.chain.Token()
	result := &RepairResult{Scanned: len(rows)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		receipt, err := e.chain.TransactionReceipt(ctx, common.HexToHash(*row.MintTxHash))
		if errors.Is(err, ledger.ErrReceiptNotFound) {
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", row.ID, err))
			continue
		}

		var target models.OnrampStatus
		switch {
		case receipt.Success && e.mintMatches(ctx, token, receipt, row):
			target = models.OnrampCompleted
		case !receipt.Success && row.Status == models.OnrampPending:
			target = models.OnrampFailed
		default:
			continue
		}
		fixed, err := e.store.RepairOnrampStatus(ctx, row.ID, row.Status, target, e.now().UTC())
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", row.ID, err))
			continue
		}
		if fixed {
			result.FixedCount++
			e.logger.InfoContext(ctx, "purchase status repaired",
				slog.String("transaction_id", row.ID.String()),
				slog.String("from", string(row.Status)),
				slog.String("to", string(target)))
		}
	}
	e.metrics.RecordRepaired("onramp_transactions", result.FixedCount)
	return result, nil
}

func (e *Engine) mintMatches(ctx context.Context, token ledger.Token, receipt *ledger.Receipt, row models.OnrampTransaction) bool {
	wallet, err := e.store.GetWallet(ctx, models.UserPrincipal(row.UserID))
	if err != nil {
		e.logger.WarnContext(ctx, "wallet lookup failed during repair",
			slog.String("transaction_id", row.ID.String()), slog.Any("error", err))
		return false
	}
	return token.FindMint(receipt, common.HexToAddress(wallet.Address), token.ToBaseUnits(row.AmountToken))
}
