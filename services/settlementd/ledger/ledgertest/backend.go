// Package ledgertest provides an in-memory chain backend for tests.
package ledgertest

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"coopledger/services/settlementd/ledger"
)

// Backend implements ledger.Backend over in-memory receipts, logs and headers.
type Backend struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
	headers  []*types.Header
	views    map[string][]byte
	sent     []*types.Transaction

	// SendErr, when set, is returned by SendTransaction.
	SendErr error
	// ReceiptErr, when set, is returned by TransactionReceipt for every hash.
	ReceiptErr error
	// CallErr, when set, is returned by CallContract.
	CallErr error
	// OnSend runs after a transaction is accepted, typically to script a receipt.
	OnSend func(tx *types.Transaction)
}

// NewBackend returns an empty backend with a single genesis block.
func NewBackend() *Backend {
	return &Backend{
		receipts: make(map[common.Hash]*types.Receipt),
		views:    make(map[string][]byte),
		headers:  []*types.Header{{Number: big.NewInt(0), BaseFee: big.NewInt(1_000_000_000)}},
	}
}

// AddBlock appends a block with the given unix timestamp and returns its number.
func (b *Backend) AddBlock(timestamp uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := uint64(len(b.headers))
	b.headers = append(b.headers, &types.Header{
		Number:  new(big.Int).SetUint64(n),
		Time:    timestamp,
		BaseFee: big.NewInt(1_000_000_000),
	})
	return n
}

// SetReceipt scripts the receipt returned for hash.
func (b *Backend) SetReceipt(hash common.Hash, success bool, block uint64, logs ...types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	receipt := &types.Receipt{Status: status, TxHash: hash, BlockNumber: new(big.Int).SetUint64(block)}
	for i := range logs {
		lg := logs[i]
		lg.TxHash = hash
		lg.BlockNumber = block
		receipt.Logs = append(receipt.Logs, &lg)
		b.logs = append(b.logs, lg)
	}
	b.receipts[hash] = receipt
}

// DropReceipt forgets a scripted receipt.
func (b *Backend) DropReceipt(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.receipts, hash)
}

// RespondView scripts the return values of a view method.
func (b *Backend) RespondView(method string, outputs ...interface{}) {
	m, ok := ledger.ABI().Methods[method]
	if !ok {
		panic(fmt.Sprintf("ledgertest: unknown method %s", method))
	}
	packed, err := m.Outputs.Pack(outputs...)
	if err != nil {
		panic(fmt.Sprintf("ledgertest: pack %s outputs: %v", method, err))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.views[string(m.ID)] = packed
}

// Sent returns the transactions accepted so far.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if b.CallErr != nil {
		return nil, b.CallErr
	}
	if len(call.Data) < 4 {
		return nil, fmt.Errorf("ledgertest: short call data")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out, ok := b.views[string(call.Data[:4])]
	if !ok {
		return nil, fmt.Errorf("ledgertest: no scripted response for selector %x", call.Data[:4])
	}
	return out, nil
}

func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Log
	for _, lg := range b.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && (len(lg.Topics) == 0 || !containsHash(q.Topics[0], lg.Topics[0])) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if b.ReceiptErr != nil {
		return nil, b.ReceiptErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.SendErr != nil {
		return b.SendErr
	}
	b.mu.Lock()
	b.sent = append(b.sent, tx)
	hook := b.OnSend
	b.mu.Unlock()
	if hook != nil {
		hook(tx)
	}
	return nil
}

func (b *Backend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if number == nil {
		return b.headers[len(b.headers)-1], nil
	}
	n := number.Uint64()
	if n >= uint64(len(b.headers)) {
		return nil, ethereum.NotFound
	}
	return b.headers[n], nil
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(31337), nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, candidate := range list {
		if candidate == addr {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, candidate := range list {
		if bytes.Equal(candidate[:], h[:]) {
			return true
		}
	}
	return false
}
