package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"merchantfactory/internal/contracts"
)

type receiptResult struct {
	receipt *types.Receipt
	err     error
}

// fakeBackend implements only what the provider touches; the embedded nil
// interface panics on anything else.
type fakeBackend struct {
	Backend

	chainID    *big.Int
	callOutput []byte
	calls      []ethereum.CallMsg
	receipts   []receiptResult
	polled     int
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return b.chainID, nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return 42, nil
}

func (b *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.calls = append(b.calls, call)
	return b.callOutput, nil
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	idx := b.polled
	b.polled++
	if idx >= len(b.receipts) {
		idx = len(b.receipts) - 1
	}
	return b.receipts[idx].receipt, b.receipts[idx].err
}

func testKey(t *testing.T) (string, common.Address) {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(crypto.FromECDSA(pk)), crypto.PubkeyToAddress(pk.PublicKey)
}

func factoryTarget(t *testing.T) Target {
	t.Helper()
	parsed, err := contracts.ParseFactory()
	require.NoError(t, err)
	return Target{Address: common.HexToAddress("0xFfe3Ac0A460BFb8d33eC28F3feF951bD716f4265"), ABI: &parsed}
}

func TestEthProviderRegistersSigners(t *testing.T) {
	key, addr := testKey(t)
	p, err := newEthProvider(context.Background(), &fakeBackend{chainID: big.NewInt(11155111)}, EthProviderConfig{
		PrivateKeys: []string{key},
	})
	require.NoError(t, err)

	require.True(t, p.HasAccount(addr))
	require.Equal(t, []common.Address{addr}, p.Accounts())
	require.Equal(t, int64(11155111), p.ChainID().Int64())
	require.NoError(t, p.Ping(context.Background()))
}

func TestEthProviderRejectsBadKey(t *testing.T) {
	_, err := newEthProvider(context.Background(), &fakeBackend{chainID: big.NewInt(1)}, EthProviderConfig{
		PrivateKeys: []string{"not-a-key"},
	})
	require.Error(t, err)

	_, err = newEthProvider(context.Background(), &fakeBackend{chainID: big.NewInt(1)}, EthProviderConfig{})
	require.Error(t, err)
}

func TestEthProviderSubmitUnknownAccount(t *testing.T) {
	key, _ := testKey(t)
	p, err := newEthProvider(context.Background(), &fakeBackend{chainID: big.NewInt(1)}, EthProviderConfig{
		PrivateKeys: []string{key},
	})
	require.NoError(t, err)

	_, err = p.SubmitTransaction(context.Background(), common.HexToAddress("0x01"), factoryTarget(t),
		contracts.MethodCreateMerchantContract, common.Address{}, common.Address{})
	require.ErrorIs(t, err, ErrUnknownAccount)
}

func TestEthProviderReadsMerchantAddress(t *testing.T) {
	key, account := testKey(t)
	target := factoryTarget(t)
	merchant := common.HexToAddress("0x00000000000000000000000000000000000abc12")

	out, err := target.ABI.Methods[contracts.MethodMerchantContracts].Outputs.Pack(merchant)
	require.NoError(t, err)

	backend := &fakeBackend{chainID: big.NewInt(1), callOutput: out}
	p, err := newEthProvider(context.Background(), backend, EthProviderConfig{PrivateKeys: []string{key}})
	require.NoError(t, err)

	res, err := p.ReadContractState(context.Background(), target, contracts.MethodMerchantContracts, account)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, merchant, res[0])

	require.Len(t, backend.calls, 1)
	require.Equal(t, target.Address, *backend.calls[0].To)
	expected, err := target.ABI.Pack(contracts.MethodMerchantContracts, account)
	require.NoError(t, err)
	require.Equal(t, expected, backend.calls[0].Data)
}

func TestEthProviderAwaitConfirmation(t *testing.T) {
	key, _ := testKey(t)
	backend := &fakeBackend{
		chainID: big.NewInt(1),
		receipts: []receiptResult{
			{err: ethereum.NotFound},
			{err: ethereum.NotFound},
			{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}},
		},
	}
	p, err := newEthProvider(context.Background(), backend, EthProviderConfig{
		PrivateKeys:  []string{key},
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, p.AwaitConfirmation(context.Background(), common.HexToHash("0x01")))
	require.Equal(t, 3, backend.polled)
}

func TestEthProviderAwaitConfirmationReverted(t *testing.T) {
	key, _ := testKey(t)
	backend := &fakeBackend{
		chainID: big.NewInt(1),
		receipts: []receiptResult{
			{receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}},
		},
	}
	p, err := newEthProvider(context.Background(), backend, EthProviderConfig{PrivateKeys: []string{key}})
	require.NoError(t, err)

	err = p.AwaitConfirmation(context.Background(), common.HexToHash("0x02"))
	require.ErrorIs(t, err, ErrReverted)
}

func TestEthProviderAwaitConfirmationRPCError(t *testing.T) {
	key, _ := testKey(t)
	backend := &fakeBackend{
		chainID:  big.NewInt(1),
		receipts: []receiptResult{{err: errors.New("connection refused")}},
	}
	p, err := newEthProvider(context.Background(), backend, EthProviderConfig{PrivateKeys: []string{key}})
	require.NoError(t, err)

	err = p.AwaitConfirmation(context.Background(), common.HexToHash("0x03"))
	require.ErrorContains(t, err, "connection refused")
}

func TestEthProviderAwaitConfirmationCancelled(t *testing.T) {
	key, _ := testKey(t)
	backend := &fakeBackend{
		chainID:  big.NewInt(1),
		receipts: []receiptResult{{err: ethereum.NotFound}},
	}
	p, err := newEthProvider(context.Background(), backend, EthProviderConfig{
		PrivateKeys:  []string{key},
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.AwaitConfirmation(ctx, common.HexToHash("0x04"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
