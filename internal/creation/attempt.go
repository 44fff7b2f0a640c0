package creation

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateIdle         State = "idle"
	StateSubmitting   State = "submitting"
	StateConfirming   State = "confirming"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
)

// States lists every lifecycle state in transition order.
var States = []State{StateDisconnected, StateIdle, StateSubmitting, StateConfirming, StateSucceeded, StateFailed}

// InFlight reports whether an attempt is waiting on the wallet or the chain.
func (s State) InFlight() bool {
	return s == StateSubmitting || s == StateConfirming
}

// ErrorKind classifies why an attempt failed.
type ErrorKind string

const (
	KindSubmitRejected     ErrorKind = "submit_rejected"
	KindConfirmationFailed ErrorKind = "confirmation_failed"
	KindReadFailed         ErrorKind = "read_failed"
)

var (
	ErrNoAccountConnected = errors.New("no account connected")
	ErrAttemptInFlight    = errors.New("creation attempt already in flight")
	ErrAlreadyCreated     = errors.New("merchant contract already created for this account")
	ErrRetryDisabled      = errors.New("retry after a failed attempt is disabled")
	ErrNothingToRefresh   = errors.New("no confirmed creation awaiting its address")
)

// Attempt is a point-in-time copy of the creation lifecycle for the
// connected account.
type Attempt struct {
	Account         *common.Address `json:"account"`
	State           State           `json:"state"`
	TxHash          *common.Hash    `json:"txHash,omitempty"`
	ContractAddress *common.Address `json:"contractAddress,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	ErrorKind       ErrorKind       `json:"errorKind,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (a Attempt) clone() Attempt {
	out := a
	if a.Account != nil {
		acct := *a.Account
		out.Account = &acct
	}
	if a.TxHash != nil {
		h := *a.TxHash
		out.TxHash = &h
	}
	if a.ContractAddress != nil {
		addr := *a.ContractAddress
		out.ContractAddress = &addr
	}
	return out
}
