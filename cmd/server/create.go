package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"merchantfactory/internal/contracts"
	"merchantfactory/internal/creation"
	"merchantfactory/internal/wallet"
)

var (
	createAccount string
	createWait    time.Duration
	createABIOut  string

	lookupAccount string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a merchant contract for one account and wait for its address",
	RunE:  runCreate,
}

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Print the merchant contract registered for an account",
	RunE:  runLookup,
}

func init() {
	createCmd.Flags().StringVar(&createAccount, "account", "", "account to create for (defaults to the first configured signer)")
	createCmd.Flags().DurationVar(&createWait, "wait", 10*time.Minute, "how long to wait for the attempt to settle")
	createCmd.Flags().StringVar(&createABIOut, "abi-out", "", "write the merchant ABI here once the contract exists")

	lookupCmd.Flags().StringVar(&lookupAccount, "account", "", "account to look up")
	_ = lookupCmd.MarkFlagRequired("account")
}

func pickAccount(flag string, provider wallet.Provider) (common.Address, error) {
	if flag != "" {
		if !common.IsHexAddress(flag) {
			return common.Address{}, fmt.Errorf("invalid account %q", flag)
		}
		return common.HexToAddress(flag), nil
	}
	accounts := provider.Accounts()
	if len(accounts) == 0 {
		return common.Address{}, errors.New("--account is required when the wallet lists no accounts")
	}
	return accounts[0], nil
}

func runCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	account, err := pickAccount(createAccount, rt.provider)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	controller, err := creation.NewController(rt.cfg.ControllerConfig(), rt.provider,
		creation.WithLogger(rt.logger.Named("creation")),
		creation.WithNotifier(creation.NotifierFunc(func(n creation.Notification) {
			fmt.Fprintf(out, "[%s] %s\n", n.Level, n.Message)
		})),
	)
	if err != nil {
		return err
	}
	defer controller.Close()

	session := wallet.NewSession(rt.provider)
	session.Subscribe(controller.OnAccountChanged)
	if err := session.Connect(account); err != nil {
		return fmt.Errorf("connect %s: %w", account.Hex(), err)
	}

	if err := controller.RequestCreation(ctx); err != nil {
		return err
	}

	select {
	case <-controller.Settled():
	case <-time.After(createWait):
		rt.logger.Warn("gave up waiting for the attempt", zap.Duration("wait", createWait))
	case <-ctx.Done():
		return ctx.Err()
	}

	snap := controller.Snapshot()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}

	switch snap.State {
	case creation.StateFailed:
		return fmt.Errorf("creation failed (%s): %s", snap.ErrorKind, snap.LastError)
	case creation.StateSucceeded:
		if createABIOut != "" {
			if err := os.WriteFile(createABIOut, contracts.MerchantContractABI, 0o644); err != nil {
				return fmt.Errorf("write abi: %w", err)
			}
			fmt.Fprintf(out, "merchant ABI written to %s\n", createABIOut)
		}
	default:
		fmt.Fprintln(out, "transaction confirmed but the factory does not report an address yet; run `merchantd lookup` later")
	}
	return nil
}

func runLookup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	account, err := pickAccount(lookupAccount, rt.provider)
	if err != nil {
		return err
	}
	target, err := creation.FactoryTarget(common.HexToAddress(rt.cfg.Creation.FactoryAddress))
	if err != nil {
		return err
	}

	addr, err := creation.LookupMerchant(ctx, rt.provider, target, account)
	if err != nil {
		return err
	}
	if addr == (common.Address{}) {
		fmt.Fprintf(cmd.OutOrStdout(), "no merchant contract for %s\n", account.Hex())
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), addr.Hex())
	return nil
}
