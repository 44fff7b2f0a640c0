package wallet

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownAccount = errors.New("account is not available in this wallet")
	ErrReverted       = errors.New("transaction reverted")
	ErrUnknownTx      = errors.New("transaction not found")
)

// Target identifies a contract by address and interface schema.
type Target struct {
	Address common.Address
	ABI     *abi.ABI
}

// Provider abstracts the wallet: which accounts it can sign for, how it
// submits transactions and how it reads contract state.
type Provider interface {
	HasAccount(addr common.Address) bool
	Accounts() []common.Address
	SubmitTransaction(ctx context.Context, from common.Address, target Target, method string, args ...any) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, hash common.Hash) error
	ReadContractState(ctx context.Context, target Target, method string, args ...any) ([]any, error)
}

// HealthChecker is implemented by providers backed by a remote node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
