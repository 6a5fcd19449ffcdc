package ledgertest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"coopledger/services/settlementd/ledger"
)

// TransferSingleLog builds a TransferSingle log emitted by token.
func TransferSingleLog(token, operator, from, to common.Address, id, value *big.Int) types.Log {
	ev := ledger.ABI().Events[ledger.EventTransferSingle]
	data, err := ev.Inputs.NonIndexed().Pack(id, value)
	if err != nil {
		panic(fmt.Sprintf("ledgertest: pack TransferSingle: %v", err))
	}
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(operator.Bytes()),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}
}

// RewardIssuedLog builds a RewardIssued log emitted by token.
func RewardIssuedLog(token, to common.Address, requested, actual *big.Int, reason uint8, ref [32]byte) types.Log {
	ev := ledger.ABI().Events[ledger.EventRewardIssued]
	data, err := ev.Inputs.NonIndexed().Pack(requested, actual, reason)
	if err != nil {
		panic(fmt.Sprintf("ledgertest: pack RewardIssued: %v", err))
	}
	return types.Log{
		Address: token,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(to.Bytes()), common.Hash(ref)},
		Data:    data,
	}
}
