// Package custody holds sealed signing keys and signs transactions on behalf of
// members and service principals. A key is opened for one call and wiped
// before the call returns.
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/store"
)

// ErrNoWallet is returned when a principal has no custodial wallet.
var ErrNoWallet = errors.New("custody: no wallet for principal")

// WalletStore loads sealed wallets.
type WalletStore interface {
	GetWallet(ctx context.Context, principal string) (*models.Wallet, error)
}

// ChainBackend is the RPC surface needed to build transactions.
type ChainBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Submitter broadcasts signed transactions. ledger.Client satisfies it.
type Submitter interface {
	SubmitSignedTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
}

// Config wires a custody service.
type Config struct {
	Wallets   WalletStore
	Backend   ChainBackend
	Submitter Submitter
	ChainID   *big.Int
	MasterKey []byte
	// GasBufferPercent is added on top of the node's gas estimate.
	GasBufferPercent uint64
	Logger           *slog.Logger
}

// Service signs and submits transactions for custodial principals.
type Service struct {
	wallets   WalletStore
	backend   ChainBackend
	submitter Submitter
	chainID   *big.Int
	signer    types.Signer
	masterKey []byte
	gasBuffer uint64
	logger    *slog.Logger

	locks sync.Map // principal -> *sync.Mutex
}

// NewService validates cfg and builds a custody service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Wallets == nil || cfg.Backend == nil || cfg.Submitter == nil {
		return nil, fmt.Errorf("custody: wallet store, chain backend and submitter required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("custody: chain id required")
	}
	if len(cfg.MasterKey) != 32 {
		return nil, ErrInvalidMasterKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.GasBufferPercent
	if buffer == 0 {
		buffer = 20
	}
	return &Service{
		wallets:   cfg.Wallets,
		backend:   cfg.Backend,
		submitter: cfg.Submitter,
		chainID:   new(big.Int).Set(cfg.ChainID),
		signer:    types.LatestSignerForChainID(cfg.ChainID),
		masterKey: append([]byte(nil), cfg.MasterKey...),
		gasBuffer: buffer,
		logger:    logger.With("component", "custody"),
	}, nil
}

// Address returns the on-chain address of a principal without opening its key.
func (s *Service) Address(ctx context.Context, principal string) (common.Address, error) {
	wallet, err := s.wallet(ctx, principal)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(wallet.Address), nil
}

// SignAndSubmit builds an EIP-1559 call to `to` with callData, signs it with
// the principal's key and broadcasts it. Nonce assignment is serialised per
// principal so concurrent callers do not collide.
func (s *Service) SignAndSubmit(ctx context.Context, principal string, to common.Address, callData []byte) (common.Hash, error) {
	wallet, err := s.wallet(ctx, principal)
	if err != nil {
		return common.Hash{}, err
	}
	from := common.HexToAddress(wallet.Address)

	mu := s.lock(principal)
	mu.Lock()
	defer mu.Unlock()

	unsigned, err := s.buildTx(ctx, from, to, callData)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := s.sign(principal, wallet, unsigned)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := s.submitter.SubmitSignedTransaction(ctx, signed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: submit: %w", err)
	}
	s.logger.InfoContext(ctx, "transaction submitted",
		slog.String("principal", principal),
		slog.String("tx_hash", hash.Hex()),
		slog.Uint64("nonce", signed.Nonce()))
	return hash, nil
}

func (s *Service) wallet(ctx context.Context, principal string) (*models.Wallet, error) {
	wallet, err := s.wallets.GetWallet(ctx, principal)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoWallet, principal)
		}
		return nil, fmt.Errorf("custody: load wallet: %w", err)
	}
	if !common.IsHexAddress(wallet.Address) {
		return nil, fmt.Errorf("custody: wallet %s has invalid address", principal)
	}
	return wallet, nil
}

func (s *Service) lock(principal string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(principal, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) buildTx(ctx context.Context, from, to common.Address, data []byte) (*types.DynamicFeeTx, error) {
	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("custody: nonce: %w", err)
	}
	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("custody: gas tip: %w", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("custody: head: %w", err)
	}
	baseFee := big.NewInt(0)
	if head != nil && head.BaseFee != nil {
		baseFee = head.BaseFee
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("custody: estimate gas: %w", err)
	}
	gas += gas * s.gasBuffer / 100
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	return &types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	}, nil
}

// sign opens the sealed key, signs and wipes the key material.
func (s *Service) sign(principal string, wallet *models.Wallet, unsigned *types.DynamicFeeTx) (*types.Transaction, error) {
	raw, err := open(s.masterKey, principal, wallet.SealedKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(raw)
	wipe(raw)
	if err != nil {
		return nil, fmt.Errorf("custody: invalid key material for %s", principal)
	}
	defer wipeKey(key)

	if crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(wallet.Address) {
		return nil, fmt.Errorf("custody: key does not match wallet address for %s", principal)
	}
	signed, err := types.SignNewTx(key, s.signer, unsigned)
	if err != nil {
		return nil, fmt.Errorf("custody: sign: %w", err)
	}
	return signed, nil
}

func wipeKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
}

// NewWallet seals a private key for principal, ready to be stored.
func NewWallet(masterKey []byte, principal string, key *ecdsa.PrivateKey) (*models.Wallet, error) {
	raw := crypto.FromECDSA(key)
	defer wipe(raw)
	sealed, err := Seal(masterKey, principal, raw)
	if err != nil {
		return nil, err
	}
	return &models.Wallet{
		Principal: principal,
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		SealedKey: sealed,
	}, nil
}
