// Package creation drives the lifecycle of a merchant-contract creation for
// the connected wallet account: submit to the factory, wait for the chain to
// confirm, then read the created address back from the factory mapping.
package creation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"merchantfactory/internal/contracts"
	"merchantfactory/internal/wallet"
)

const (
	msgConnectFirst   = "Please connect your wallet first"
	msgCreated        = "Merchant contract created successfully!"
	msgCreationFailed = "Failed to create merchant contract."
)

// Config holds the fixed deployment the controller talks to.
type Config struct {
	FactoryAddress common.Address
	TokenA         common.Address
	TokenB         common.Address
	// ChainEndpoint is informational; the provider owns transport.
	ChainEndpoint string
	// AttemptTimeout bounds submit+confirm+read. Zero waits forever.
	AttemptTimeout time.Duration
	// RetryFromFailed allows RequestCreation from the failed state.
	RetryFromFailed bool
}

func (c Config) validate() error {
	zero := common.Address{}
	if c.FactoryAddress == zero {
		return errors.New("factory address is required")
	}
	if c.TokenA == zero || c.TokenB == zero {
		return errors.New("both token addresses are required")
	}
	if c.AttemptTimeout < 0 {
		return errors.New("attempt timeout must not be negative")
	}
	return nil
}

// Transition is reported to observers on every state change.
type Transition struct {
	Account *common.Address
	From    State
	To      State
	At      time.Time
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNotifier adds a notifier; repeated use fans out to all of them.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = append(c.notifier, n)
	}
}

// WithObserver registers fn for transitions. It runs under the controller
// lock and must not call back into the controller.
func WithObserver(fn func(Transition)) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, fn)
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

type Controller struct {
	cfg       Config
	provider  wallet.Provider
	factory   wallet.Target
	logger    *zap.Logger
	notifier  fanout
	observers []func(Transition)
	now       func() time.Time

	mu        sync.Mutex
	attempt   Attempt
	gen       uint64
	confirmed bool
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewController(cfg Config, provider wallet.Provider, opts ...Option) (*Controller, error) {
	if provider == nil {
		return nil, errors.New("wallet provider is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	factory, err := FactoryTarget(cfg.FactoryAddress)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		provider: provider,
		factory:  factory,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.attempt = Attempt{State: StateDisconnected, UpdatedAt: c.now()}
	return c, nil
}

// FactoryTarget binds the embedded factory schema to addr.
func FactoryTarget(addr common.Address) (wallet.Target, error) {
	parsed, err := contracts.ParseFactory()
	if err != nil {
		return wallet.Target{}, err
	}
	return wallet.Target{Address: addr, ABI: &parsed}, nil
}

// LookupMerchant reads the factory's account→merchant mapping. The zero
// address means no contract has been created for account.
func LookupMerchant(ctx context.Context, provider wallet.Provider, factory wallet.Target, account common.Address) (common.Address, error) {
	out, err := provider.ReadContractState(ctx, factory, contracts.MethodMerchantContracts, account)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s returned %d values", contracts.MethodMerchantContracts, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s returned %T, want address", contracts.MethodMerchantContracts, out[0])
	}
	return addr, nil
}

func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) Snapshot() Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt.clone()
}

// CanRequest reports whether RequestCreation would start an attempt.
func (c *Controller) CanRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt.Account != nil && c.admit() == nil
}

// Settled returns a channel closed once the current attempt task has
// finished. With no attempt running the channel is already closed.
func (c *Controller) Settled() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *Controller) admit() error {
	switch c.attempt.State {
	case StateIdle:
		return nil
	case StateFailed:
		if c.cfg.RetryFromFailed {
			return nil
		}
		return ErrRetryDisabled
	case StateSubmitting, StateConfirming:
		return ErrAttemptInFlight
	case StateSucceeded:
		return ErrAlreadyCreated
	default:
		return ErrNoAccountConnected
	}
}

// RequestCreation starts a creation attempt for the connected account and
// returns immediately; progress is observed through Snapshot. The attempt is
// not bound to ctx cancellation.
func (c *Controller) RequestCreation(ctx context.Context) error {
	c.mu.Lock()
	if c.attempt.Account == nil {
		c.mu.Unlock()
		c.notify(LevelError, nil, msgConnectFirst, "")
		return ErrNoAccountConnected
	}
	if err := c.admit(); err != nil {
		c.mu.Unlock()
		return err
	}

	account := *c.attempt.Account
	c.abandon()
	gen := c.gen

	base := context.WithoutCancel(ctx)
	var runCtx context.Context
	var cancel context.CancelFunc
	if c.cfg.AttemptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(base, c.cfg.AttemptTimeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done

	c.reset(&account, StateSubmitting)
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("creation requested",
		zap.String("account", account.Hex()),
		zap.String("factory", c.factory.Address.Hex()))

	go func() {
		defer c.wg.Done()
		defer close(done)
		defer cancel()
		c.run(runCtx, gen, account)
	}()
	return nil
}

func (c *Controller) run(ctx context.Context, gen uint64, account common.Address) {
	hash, err := c.provider.SubmitTransaction(ctx, account, c.factory,
		contracts.MethodCreateMerchantContract, c.cfg.TokenA, c.cfg.TokenB)
	if err != nil {
		c.fail(gen, KindSubmitRejected, err)
		return
	}
	if !c.apply(gen, StateConfirming, func(a *Attempt) { a.TxHash = &hash }) {
		return
	}
	c.logger.Info("creation submitted",
		zap.String("account", account.Hex()),
		zap.String("tx", hash.Hex()))

	if err := c.provider.AwaitConfirmation(ctx, hash); err != nil {
		c.fail(gen, KindConfirmationFailed, err)
		return
	}
	if !c.markConfirmed(gen) {
		return
	}
	c.notify(LevelSuccess, &account, msgCreated, hash.Hex())

	addr, err := LookupMerchant(ctx, c.provider, c.factory, account)
	if err != nil {
		c.fail(gen, KindReadFailed, err)
		return
	}
	c.resolve(gen, account, addr)
}

// Refresh re-reads the merchant address of a confirmed attempt whose first
// read returned the zero address.
func (c *Controller) Refresh(ctx context.Context) (Attempt, error) {
	c.mu.Lock()
	if c.attempt.State != StateConfirming || !c.confirmed {
		snap := c.attempt.clone()
		c.mu.Unlock()
		return snap, ErrNothingToRefresh
	}
	gen := c.gen
	account := *c.attempt.Account
	c.mu.Unlock()

	addr, err := LookupMerchant(ctx, c.provider, c.factory, account)
	if err != nil {
		// the caller going away is not a chain failure
		if ctx.Err() != nil {
			return c.Snapshot(), ctx.Err()
		}
		c.fail(gen, KindReadFailed, err)
		return c.Snapshot(), nil
	}
	c.resolve(gen, account, addr)
	return c.Snapshot(), nil
}

// OnAccountChanged applies a wallet account change. nil disconnects. Any
// attempt of the previous account is cancelled and its results dropped.
func (c *Controller) OnAccountChanged(account *common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if account == nil {
		if c.attempt.State == StateDisconnected {
			return
		}
		c.abandon()
		c.reset(nil, StateDisconnected)
		c.logger.Info("wallet disconnected")
		return
	}
	if c.attempt.Account != nil && *c.attempt.Account == *account {
		return
	}
	acct := *account
	c.abandon()
	c.reset(&acct, StateIdle)
	c.logger.Info("wallet account changed", zap.String("account", acct.Hex()))
}

// Close cancels any running attempt, discards its results and waits for it.
func (c *Controller) Close() {
	c.mu.Lock()
	c.abandon()
	c.mu.Unlock()
	c.wg.Wait()
}

// abandon invalidates the running attempt. Caller holds c.mu.
func (c *Controller) abandon() {
	c.gen++
	c.confirmed = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// reset replaces the attempt with a fresh one in state to. Caller holds c.mu.
func (c *Controller) reset(account *common.Address, to State) {
	from := c.attempt.State
	c.attempt = Attempt{Account: account}
	c.enter(from, to)
}

func (c *Controller) enter(from, to State) {
	at := c.now()
	c.attempt.State = to
	c.attempt.UpdatedAt = at
	if len(c.observers) == 0 {
		return
	}
	t := Transition{From: from, To: to, At: at}
	if c.attempt.Account != nil {
		acct := *c.attempt.Account
		t.Account = &acct
	}
	for _, fn := range c.observers {
		fn(t)
	}
}

// apply moves an in-flight attempt of generation gen to state to. It returns
// false when the attempt was abandoned or already settled.
func (c *Controller) apply(gen uint64, to State, mutate func(*Attempt)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.attempt.State.InFlight() {
		return false
	}
	if mutate != nil {
		mutate(&c.attempt)
	}
	if c.attempt.State != to {
		c.enter(c.attempt.State, to)
	}
	return true
}

func (c *Controller) markConfirmed(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.attempt.State != StateConfirming {
		return false
	}
	c.confirmed = true
	return true
}

func (c *Controller) resolve(gen uint64, account common.Address, addr common.Address) {
	if addr == (common.Address{}) {
		c.logger.Info("merchant address not visible yet",
			zap.String("account", account.Hex()))
		return
	}
	ok := c.apply(gen, StateSucceeded, func(a *Attempt) { a.ContractAddress = &addr })
	if ok {
		c.logger.Info("merchant contract resolved",
			zap.String("account", account.Hex()),
			zap.String("contract", addr.Hex()))
	}
}

func (c *Controller) fail(gen uint64, kind ErrorKind, cause error) {
	var account *common.Address
	ok := c.apply(gen, StateFailed, func(a *Attempt) {
		a.LastError = cause.Error()
		a.ErrorKind = kind
		if a.Account != nil {
			acct := *a.Account
			account = &acct
		}
	})
	if !ok {
		c.logger.Debug("dropping result of abandoned attempt",
			zap.String("kind", string(kind)),
			zap.Error(cause))
		return
	}
	c.logger.Warn("creation attempt failed",
		zap.String("kind", string(kind)),
		zap.Error(cause))
	c.notify(LevelError, account, msgCreationFailed, cause.Error())
}

func (c *Controller) notify(level Level, account *common.Address, msg, detail string) {
	if len(c.notifier) == 0 {
		return
	}
	c.notifier.Notify(Notification{
		Level:   level,
		Message: msg,
		Detail:  detail,
		Account: account,
		At:      c.now(),
	})
}
