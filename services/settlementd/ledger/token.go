package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const tokenABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"computePurchaseRewards","stateMutability":"view","inputs":[{"name":"amountSpent","type":"uint256"}],"outputs":[{"name":"buyerReward","type":"uint256"},{"name":"sellerReward","type":"uint256"}]},
 {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"issueReward","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"reason","type":"uint8"},{"name":"ref","type":"bytes32"}],"outputs":[]},
 {"type":"event","name":"TransferSingle","anonymous":false,"inputs":[{"name":"operator","type":"address","indexed":true},{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"id","type":"uint256","indexed":false},{"name":"value","type":"uint256","indexed":false}]},
 {"type":"event","name":"RewardIssued","anonymous":false,"inputs":[{"name":"to","type":"address","indexed":true},{"name":"requested","type":"uint256","indexed":false},{"name":"actual","type":"uint256","indexed":false},{"name":"reason","type":"uint8","indexed":false},{"name":"ref","type":"bytes32","indexed":true}]}
]`

// Event names understood by EventLogs.
const (
	EventTransferSingle = "TransferSingle"
	EventRewardIssued   = "RewardIssued"
)

var tokenABI = mustParseABI(tokenABIJSON)

// ABI returns the parsed token contract ABI.
func ABI() abi.ABI {
	return tokenABI
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse token abi: %v", err))
	}
	return parsed
}

// ErrUnknownEvent is returned when a log does not belong to the token ABI.
var ErrUnknownEvent = errors.New("ledger: unknown event")

// Token describes the co-op's multi-token contract and the ids of its two
// currencies.
type Token struct {
	Address  common.Address
	UCID     *big.Int
	SCID     *big.Int
	Decimals int32
}

// ToBaseUnits converts a decimal token amount into integer base units,
// truncating anything beyond the token's precision.
func (t Token) ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(t.Decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts integer base units back into a decimal amount.
func (t Token) FromBaseUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -t.Decimals)
}

// PackMint encodes mint(to, UC, amount, ref).
func (t Token) PackMint(to common.Address, amount *big.Int, ref uuid.UUID) ([]byte, error) {
	data, err := tokenABI.Pack("mint", to, t.UCID, amount, ref[:])
	if err != nil {
		return nil, fmt.Errorf("ledger: pack mint: %w", err)
	}
	return data, nil
}

// PackIssueReward encodes issueReward(to, amount, reason, ref). The row id is
// carried as the ref so emitted events can be traced back to database rows.
func (t Token) PackIssueReward(to common.Address, amount *big.Int, reason uint8, ref uuid.UUID) ([]byte, error) {
	data, err := tokenABI.Pack("issueReward", to, amount, reason, RefHash(ref))
	if err != nil {
		return nil, fmt.Errorf("ledger: pack issueReward: %w", err)
	}
	return data, nil
}

// RefHash left-aligns a uuid into a bytes32 reference.
func RefHash(ref uuid.UUID) [32]byte {
	var out [32]byte
	copy(out[:], ref[:])
	return out
}

// RefFromHash recovers the uuid carried by a bytes32 reference.
func RefFromHash(h [32]byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], h[:16])
	return id
}

// Event is a decoded token log. The concrete types are TransferSingle and
// RewardIssued.
type Event interface {
	eventName() string
	Position() LogPosition
}

// LogPosition locates a log on chain.
type LogPosition struct {
	BlockNumber uint64
	TxHash      common.Hash
	Index       uint
}

// TransferSingle is the ERC-1155 single transfer event. Mints have a zero From.
type TransferSingle struct {
	LogPosition
	Operator common.Address
	From     common.Address
	To       common.Address
	ID       *big.Int
	Value    *big.Int
}

func (TransferSingle) eventName() string { return EventTransferSingle }

// Position returns where the log was emitted.
func (e TransferSingle) Position() LogPosition { return e.LogPosition }

// RewardIssued reports a reward mint. Actual is below Requested when the
// contract's diminishing returns policy capped the award.
type RewardIssued struct {
	LogPosition
	To        common.Address
	Requested *big.Int
	Actual    *big.Int
	Reason    uint8
	Ref       [32]byte
}

func (RewardIssued) eventName() string { return EventRewardIssued }

// Position returns where the log was emitted.
func (e RewardIssued) Position() LogPosition { return e.LogPosition }

// EventTopic returns the topic0 hash of a token event.
func EventTopic(name string) (common.Hash, error) {
	ev, ok := tokenABI.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return ev.ID, nil
}

// DecodeLog turns a raw token log into its typed event.
func DecodeLog(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	pos := LogPosition{BlockNumber: lg.BlockNumber, TxHash: lg.TxHash, Index: lg.Index}
	switch lg.Topics[0] {
	case tokenABI.Events[EventTransferSingle].ID:
		if len(lg.Topics) != 4 {
			return nil, fmt.Errorf("ledger: TransferSingle: want 4 topics, got %d", len(lg.Topics))
		}
		values, err := tokenABI.Unpack(EventTransferSingle, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("ledger: unpack TransferSingle: %w", err)
		}
		if len(values) != 2 {
			return nil, fmt.Errorf("ledger: TransferSingle: unexpected field count %d", len(values))
		}
		return TransferSingle{
			LogPosition: pos,
			Operator:    common.BytesToAddress(lg.Topics[1].Bytes()),
			From:        common.BytesToAddress(lg.Topics[2].Bytes()),
			To:          common.BytesToAddress(lg.Topics[3].Bytes()),
			ID:          values[0].(*big.Int),
			Value:       values[1].(*big.Int),
		}, nil
	case tokenABI.Events[EventRewardIssued].ID:
		if len(lg.Topics) != 3 {
			return nil, fmt.Errorf("ledger: RewardIssued: want 3 topics, got %d", len(lg.Topics))
		}
		values, err := tokenABI.Unpack(EventRewardIssued, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("ledger: unpack RewardIssued: %w", err)
		}
		if len(values) != 3 {
			return nil, fmt.Errorf("ledger: RewardIssued: unexpected field count %d", len(values))
		}
		return RewardIssued{
			LogPosition: pos,
			To:          common.BytesToAddress(lg.Topics[1].Bytes()),
			Requested:   values[0].(*big.Int),
			Actual:      values[1].(*big.Int),
			Reason:      values[2].(uint8),
			Ref:         lg.Topics[2],
		}, nil
	}
	return nil, ErrUnknownEvent
}

// FindMint reports whether the receipt carries a TransferSingle minting value
// of the spendable currency to the recipient.
func (t Token) FindMint(receipt *Receipt, to common.Address, value *big.Int) bool {
	if receipt == nil {
		return false
	}
	for _, ev := range receipt.Events {
		transfer, ok := ev.(TransferSingle)
		if !ok {
			continue
		}
		if transfer.From != (common.Address{}) || transfer.To != to {
			continue
		}
		if transfer.ID.Cmp(t.UCID) == 0 && transfer.Value.Cmp(value) == 0 {
			return true
		}
	}
	return false
}

// FindReward returns the RewardIssued event carrying ref, if any.
func FindReward(receipt *Receipt, ref uuid.UUID) (RewardIssued, bool) {
	if receipt == nil {
		return RewardIssued{}, false
	}
	want := RefHash(ref)
	for _, ev := range receipt.Events {
		if issued, ok := ev.(RewardIssued); ok && issued.Ref == want {
			return issued, true
		}
	}
	return RewardIssued{}, false
}
