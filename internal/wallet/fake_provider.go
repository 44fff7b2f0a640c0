package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"merchantfactory/internal/contracts"
)

// FakeProvider emulates a factory deployment in memory for local development
// and tests. Confirming a createMerchantContract transaction records a
// deterministic merchant address for the sender.
type FakeProvider struct {
	// ConfirmDelay simulates block time.
	ConfirmDelay time.Duration

	mu        sync.Mutex
	accounts  map[common.Address]struct{}
	nonce     uint64
	pending   map[common.Hash]fakeTx
	merchants map[common.Address]common.Address
}

type fakeTx struct {
	from   common.Address
	target common.Address
	method string
	nonce  uint64
}

// NewFakeProvider returns a provider that signs for the given accounts, or for
// any account when none are given.
func NewFakeProvider(accounts ...common.Address) *FakeProvider {
	f := &FakeProvider{
		accounts:  make(map[common.Address]struct{}, len(accounts)),
		pending:   make(map[common.Hash]fakeTx),
		merchants: make(map[common.Address]common.Address),
	}
	for _, a := range accounts {
		f.accounts[a] = struct{}{}
	}
	return f
}

func (f *FakeProvider) HasAccount(addr common.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accounts) == 0 {
		return addr != (common.Address{})
	}
	_, ok := f.accounts[addr]
	return ok
}

func (f *FakeProvider) Accounts() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]common.Address, 0, len(f.accounts))
	for a := range f.accounts {
		out = append(out, a)
	}
	return out
}

func (f *FakeProvider) SubmitTransaction(_ context.Context, from common.Address, target Target, method string, args ...any) (common.Hash, error) {
	if !f.HasAccount(from) {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	if target.ABI == nil {
		return common.Hash{}, fmt.Errorf("missing abi for %s", target.Address.Hex())
	}
	data, err := target.ABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s tx: %w", method, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	hash := crypto.Keccak256Hash(from.Bytes(), target.Address.Bytes(), data, new(big.Int).SetUint64(f.nonce).Bytes())
	f.pending[hash] = fakeTx{from: from, target: target.Address, method: method, nonce: f.nonce}
	return hash, nil
}

func (f *FakeProvider) AwaitConfirmation(ctx context.Context, hash common.Hash) error {
	if f.ConfirmDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.ConfirmDelay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.pending[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTx, hash.Hex())
	}
	delete(f.pending, hash)
	if tx.method == contracts.MethodCreateMerchantContract {
		f.merchants[tx.from] = crypto.CreateAddress(tx.target, tx.nonce)
	}
	return nil
}

func (f *FakeProvider) ReadContractState(_ context.Context, target Target, method string, args ...any) ([]any, error) {
	if method != contracts.MethodMerchantContracts || len(args) != 1 {
		return nil, fmt.Errorf("call %s: unsupported by fake provider", method)
	}
	account, ok := args[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("call %s: expected address argument", method)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return []any{f.merchants[account]}, nil
}
