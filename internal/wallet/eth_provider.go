package wallet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const defaultPollInterval = 2 * time.Second

// Backend is the subset of an Ethereum node client the provider needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthProvider signs with locally configured keys and talks to a JSON-RPC node.
type EthProvider struct {
	backend      Backend
	closer       func()
	chainID      *big.Int
	signers      map[common.Address]*bind.TransactOpts
	pollInterval time.Duration
	logger       *zap.Logger
}

type EthProviderConfig struct {
	RPCURL       string
	PrivateKeys  []string
	PollInterval time.Duration
	Logger       *zap.Logger
}

func NewEthProvider(ctx context.Context, cfg EthProviderConfig) (*EthProvider, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	p, err := newEthProvider(ctx, cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}
	p.closer = cli.Close
	return p, nil
}

func newEthProvider(ctx context.Context, backend Backend, cfg EthProviderConfig) (*EthProvider, error) {
	if len(cfg.PrivateKeys) == 0 {
		return nil, fmt.Errorf("at least one private key is required")
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	signers := make(map[common.Address]*bind.TransactOpts, len(cfg.PrivateKeys))
	for _, hexKey := range cfg.PrivateKeys {
		pk, err := parsePrivateKey(hexKey)
		if err != nil {
			return nil, err
		}
		opts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		// nil gas fields let the node estimate
		opts.GasLimit = 0
		opts.GasPrice = nil
		opts.Nonce = nil
		signers[opts.From] = opts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &EthProvider{
		backend:      backend,
		chainID:      chainID,
		signers:      signers,
		pollInterval: poll,
		logger:       logger,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (p *EthProvider) ChainID() *big.Int {
	return new(big.Int).Set(p.chainID)
}

func (p *EthProvider) HasAccount(addr common.Address) bool {
	_, ok := p.signers[addr]
	return ok
}

func (p *EthProvider) Accounts() []common.Address {
	out := make([]common.Address, 0, len(p.signers))
	for addr := range p.signers {
		out = append(out, addr)
	}
	slices.SortFunc(out, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}

func (p *EthProvider) bound(target Target) *bind.BoundContract {
	return bind.NewBoundContract(target.Address, *target.ABI, p.backend, p.backend, p.backend)
}

func (p *EthProvider) SubmitTransaction(ctx context.Context, from common.Address, target Target, method string, args ...any) (common.Hash, error) {
	signer, ok := p.signers[from]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	if target.ABI == nil {
		return common.Hash{}, fmt.Errorf("missing abi for %s", target.Address.Hex())
	}

	opts := *signer
	opts.Context = ctx

	tx, err := p.bound(target).Transact(&opts, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s tx: %w", method, err)
	}
	p.logger.Info("transaction submitted",
		zap.String("method", method),
		zap.String("from", from.Hex()),
		zap.String("to", target.Address.Hex()),
		zap.String("tx", tx.Hash().Hex()))
	return tx.Hash(), nil
}

// AwaitConfirmation polls until the transaction is mined or ctx is done.
func (p *EthProvider) AwaitConfirmation(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: %s in block %s", ErrReverted, hash.Hex(), receipt.BlockNumber)
			}
			return nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *EthProvider) ReadContractState(ctx context.Context, target Target, method string, args ...any) ([]any, error) {
	if target.ABI == nil {
		return nil, fmt.Errorf("missing abi for %s", target.Address.Hex())
	}
	var out []any
	if err := p.bound(target).Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

func (p *EthProvider) Ping(ctx context.Context) error {
	if p.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := p.backend.BlockNumber(ctx)
	return err
}

func (p *EthProvider) Close() {
	if p.closer != nil {
		p.closer()
	}
}
