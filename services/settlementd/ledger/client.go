// Package ledger is the I/O adapter for the co-op token contract. It reads
// balances, receipts and event logs and submits signed transactions; it keeps
// no business state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrReceiptNotFound reports that the chain has no receipt for a hash.
	ErrReceiptNotFound = errors.New("ledger: receipt not found")
	// ErrConfirmationTimeout reports that a transaction was not confirmed in time.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")
	// ErrNoBlocksInRange reports that no block was produced inside a time window.
	ErrNoBlocksInRange = errors.New("ledger: no blocks in range")
)

// Backend is the subset of the JSON-RPC surface the service uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial opens an RPC connection to the configured endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Receipt is a decoded transaction receipt.
type Receipt struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
	Events      []Event
}

// Client wraps a Backend with the token contract's ABI.
type Client struct {
	backend       Backend
	token         Token
	confirmations uint64
	pollInterval  time.Duration
	maxLogRange   uint64
}

// Option customises a Client.
type Option func(*Client)

// WithConfirmations sets how many blocks must include a transaction before
// WaitForConfirmation returns it. Zero and one both mean "mined".
func WithConfirmations(n uint64) Option {
	return func(c *Client) { c.confirmations = n }
}

// WithPollInterval sets the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithMaxLogRange caps the number of blocks per eth_getLogs request.
func WithMaxLogRange(blocks uint64) Option {
	return func(c *Client) {
		if blocks > 0 {
			c.maxLogRange = blocks
		}
	}
}

// NewClient constructs a ledger client.
func NewClient(backend Backend, token Token, opts ...Option) *Client {
	c := &Client{
		backend:      backend,
		token:        token,
		pollInterval: 2 * time.Second,
		maxLogRange:  5000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the contract description.
func (c *Client) Token() Token {
	return c.token
}

// BalanceOf returns the holder's balance of a token id in base units.
func (c *Client) BalanceOf(ctx context.Context, holder common.Address, id *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, "balanceOf", holder, id)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// TotalSupply returns the outstanding supply of a token id in base units.
func (c *Client) TotalSupply(ctx context.Context, id *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, "totalSupply", id)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// ComputePurchaseRewards asks the contract what buyer and seller rewards a
// purchase of amountSpent base units would request.
func (c *Client) ComputePurchaseRewards(ctx context.Context, amountSpent *big.Int) (buyer, seller *big.Int, err error) {
	out, err := c.call(ctx, "computePurchaseRewards", amountSpent)
	if err != nil {
		return nil, nil, err
	}
	if len(out) != 2 {
		return nil, nil, fmt.Errorf("ledger: computePurchaseRewards returned %d values", len(out))
	}
	return out[0].(*big.Int), out[1].(*big.Int), nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	to := c.token.Address
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	out, err := tokenABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ledger: %s returned no values", method)
	}
	return out, nil
}

// TransactionReceipt fetches and decodes a receipt. Logs emitted by other
// contracts are ignored.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	raw, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("ledger: fetch receipt %s: %w", hash.Hex(), err)
	}
	if raw == nil {
		return nil, ErrReceiptNotFound
	}
	receipt := &Receipt{
		TxHash:  hash,
		Success: raw.Status == types.ReceiptStatusSuccessful,
	}
	if raw.BlockNumber != nil {
		receipt.BlockNumber = raw.BlockNumber.Uint64()
	}
	for _, lg := range raw.Logs {
		if lg == nil || lg.Address != c.token.Address {
			continue
		}
		ev, err := DecodeLog(*lg)
		if err != nil {
			continue
		}
		receipt.Events = append(receipt.Events, ev)
	}
	return receipt, nil
}

// EventLogs returns the decoded token events named eventName emitted in the
// inclusive block range, in chain order.
func (c *Client) EventLogs(ctx context.Context, eventName string, fromBlock, toBlock uint64) ([]Event, error) {
	topic, err := EventTopic(eventName)
	if err != nil {
		return nil, err
	}
	if toBlock < fromBlock {
		return nil, nil
	}
	var events []Event
	for start := fromBlock; start <= toBlock; start += c.maxLogRange {
		end := start + c.maxLogRange - 1
		if end > toBlock {
			end = toBlock
		}
		logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{c.token.Address},
			Topics:    [][]common.Hash{{topic}},
		})
		if err != nil {
			return nil, fmt.Errorf("ledger: filter %s logs [%d,%d]: %w", eventName, start, end, err)
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			ev, err := DecodeLog(lg)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		if end == toBlock {
			break
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].Position(), events[j].Position()
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.Index < b.Index
	})
	return events, nil
}

// BlockRange maps the half-open time window [start, end) onto the inclusive
// range of blocks whose timestamps fall inside it.
func (c *Client) BlockRange(ctx context.Context, start, end time.Time) (uint64, uint64, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: fetch head: %w", err)
	}
	if head == nil || head.Number == nil {
		return 0, 0, fmt.Errorf("ledger: head unavailable")
	}
	latest := head.Number.Uint64()
	from, err := c.firstBlockAtOrAfter(ctx, start, latest)
	if err != nil {
		return 0, 0, err
	}
	past, err := c.firstBlockAtOrAfter(ctx, end, latest)
	if err != nil {
		return 0, 0, err
	}
	if past == 0 || from > latest || past <= from {
		return 0, 0, ErrNoBlocksInRange
	}
	return from, past - 1, nil
}

// firstBlockAtOrAfter returns latest+1 when every block is older than ts.
func (c *Client) firstBlockAtOrAfter(ctx context.Context, ts time.Time, latest uint64) (uint64, error) {
	target := uint64(ts.Unix())
	lo, hi := uint64(0), latest+1
	for lo < hi {
		mid := lo + (hi-lo)/2
		header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, fmt.Errorf("ledger: fetch header %d: %w", mid, err)
		}
		if header.Time < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// SubmitSignedTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SubmitSignedTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, fmt.Errorf("ledger: nil transaction")
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("ledger: submit %s: %w", tx.Hash().Hex(), err)
	}
	return tx.Hash(), nil
}

// WaitForConfirmation polls until the transaction is mined with the configured
// confirmation depth. A reverted transaction is returned with Success=false.
// Exceeding timeout yields ErrConfirmationTimeout.
func (c *Client) WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("ledger: confirmation timeout must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.confirmed(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ErrReceiptNotFound), errors.Is(err, errShallow):
		case ctx.Err() != nil:
		default:
			return nil, err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, hash.Hex(), timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var errShallow = errors.New("ledger: insufficient confirmations")

func (c *Client) confirmed(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipt, err := c.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if c.confirmations <= 1 {
		return receipt, nil
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch head: %w", err)
	}
	if head == nil || head.Number == nil || head.Number.Uint64() < receipt.BlockNumber {
		return nil, errShallow
	}
	if head.Number.Uint64()-receipt.BlockNumber+1 < c.confirmations {
		return nil, errShallow
	}
	return receipt, nil
}
