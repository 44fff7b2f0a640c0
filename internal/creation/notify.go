package creation

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a transient, user-facing message about an attempt.
type Notification struct {
	Level   Level           `json:"level"`
	Message string          `json:"message"`
	Detail  string          `json:"detail,omitempty"`
	Account *common.Address `json:"account,omitempty"`
	At      time.Time       `json:"at"`
}

type Notifier interface {
	Notify(Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Feed keeps the most recent notifications, newest last.
type Feed struct {
	mu    sync.Mutex
	size  int
	items []Notification
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 1
	}
	return &Feed{size: size}
}

func (f *Feed) Notify(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, n)
	if over := len(f.items) - f.size; over > 0 {
		f.items = append(f.items[:0:0], f.items[over:]...)
	}
}

func (f *Feed) Recent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, len(f.items))
	copy(out, f.items)
	return out
}

// fanout delivers to every notifier in order.
type fanout []Notifier

func (f fanout) Notify(n Notification) {
	for _, target := range f {
		target.Notify(n)
	}
}
