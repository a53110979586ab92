package feed

import "sync"

// Latest is a one-slot mailbox that keeps only the newest State. A slow
// reader skips intermediate states instead of blocking the controller.
type Latest struct {
	mu sync.Mutex
	ch chan State
}

func NewLatest() *Latest {
	return &Latest{ch: make(chan State, 1)}
}

// Put replaces any unread state with s.
func (l *Latest) Put(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.ch:
	default:
	}
	l.ch <- s
}

func (l *Latest) C() <-chan State {
	return l.ch
}
