package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"merchantfactory/internal/config"
	"merchantfactory/internal/idempotency"
	"merchantfactory/internal/logging"
	"merchantfactory/internal/wallet"
)

var rootCmd = &cobra.Command{
	Use:           "merchantd",
	Short:         "Create merchant contracts through the payment factory",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, createCmd, lookupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runtime is what every subcommand needs before it can touch the chain.
type runtime struct {
	cfg      *config.AppConfig
	logger   *zap.Logger
	provider wallet.Provider
	close    func()
}

func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		FilePath:    cfg.Log.FilePath,
	})
	if err != nil {
		return nil, fmt.Errorf("logger error: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, close: func() { _ = logger.Sync() }}

	if len(cfg.Chain.PrivateKeys) == 0 {
		logger.Warn("no CHAIN_PRIVATE_KEYS configured, using the in-memory fake chain")
		rt.provider = wallet.NewFakeProvider()
		return rt, nil
	}

	eth, err := wallet.NewEthProvider(ctx, wallet.EthProviderConfig{
		RPCURL:       cfg.Chain.RPCURL,
		PrivateKeys:  cfg.Chain.PrivateKeys,
		PollInterval: cfg.Chain.ReceiptPollInterval,
		Logger:       logger.Named("wallet"),
	})
	if err != nil {
		return nil, fmt.Errorf("wallet provider error: %w", err)
	}
	if cfg.Chain.ChainID != 0 && eth.ChainID().Int64() != cfg.Chain.ChainID {
		eth.Close()
		return nil, fmt.Errorf("rpc reports chain %s, %s expects %d", eth.ChainID(), cfg.Chain.Network, cfg.Chain.ChainID)
	}
	logger.Info("wallet provider ready",
		zap.String("network", cfg.Chain.Network),
		zap.Int("accounts", len(eth.Accounts())))

	rt.provider = eth
	rt.close = func() {
		eth.Close()
		_ = logger.Sync()
	}
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	switch {
	case cfg.Service.PostgresDSN != "":
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case cfg.Service.IdempotencyStorePath != "":
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		return idempotency.NewMemoryStore(0, cfg.Service.IdempotencyWindow), func() {}, nil
	}
}
