package wallet

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Session tracks which provider account is currently connected and fans
// account changes out to subscribers. A nil account means disconnected.
type Session struct {
	provider Provider

	mu        sync.Mutex
	account   *common.Address
	listeners []func(*common.Address)
}

func NewSession(provider Provider) *Session {
	return &Session{provider: provider}
}

// Subscribe registers fn for account changes. Listeners run with the session
// lock held and must not call back into the session.
func (s *Session) Subscribe(fn func(*common.Address)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) Connect(addr common.Address) error {
	if !s.provider.HasAccount(addr) {
		return ErrUnknownAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account != nil && *s.account == addr {
		return nil
	}
	s.account = &addr
	s.emit()
	return nil
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return
	}
	s.account = nil
	s.emit()
}

func (s *Session) CurrentAccount() (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return common.Address{}, false
	}
	return *s.account, true
}

func (s *Session) emit() {
	for _, fn := range s.listeners {
		if s.account == nil {
			fn(nil)
			continue
		}
		acct := *s.account
		fn(&acct)
	}
}
