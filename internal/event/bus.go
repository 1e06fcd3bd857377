package event

import (
	"context"
	"sync"
)

// Bus はプロセス内の同期的なイベント配送を行う。
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus はBusを生成する。
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe は購読者を登録する。
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Notify はNotifierを実装する。登録済みの全購読者へ同期的に配送する。
func (b *Bus) Notify(_ context.Context, ev Event) {
	b.Dispatch(ev)
}

// Dispatch は登録済みの全購読者へイベントを配送する。
func (b *Bus) Dispatch(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h.HandleEvent(ev)
	}
}

// compile-time interface check
var _ Notifier = (*Bus)(nil)
