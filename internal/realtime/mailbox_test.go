package realtime

import (
	"sync"
	"testing"
)

func TestMailbox_PreservesOrder(t *testing.T) {
	m := newMailbox[int]()
	for i := 0; i < 5; i++ {
		m.push(i)
	}
	<-m.ready
	got := m.drain()
	for i, v := range got {
		if v != i {
			t.Fatalf("drain() = %v, want 0..4 in order", got)
		}
	}
	if len(m.drain()) != 0 {
		t.Error("second drain should be empty")
	}
}

func TestMailbox_PushAfterClose(t *testing.T) {
	m := newMailbox[string]()
	m.push("a")
	rest := m.close()
	if len(rest) != 1 || rest[0] != "a" {
		t.Errorf("close() = %v, want [a]", rest)
	}
	if m.push("b") {
		t.Error("push after close should return false")
	}
}

// 並行にpushしても要素を失わない
func TestMailbox_ConcurrentPush(t *testing.T) {
	m := newMailbox[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			m.push(v)
		}(i)
	}
	wg.Wait()
	if got := len(m.drain()); got != 50 {
		t.Errorf("drained %d items, want 50", got)
	}
}
