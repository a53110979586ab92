package calculation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// liveQueryTimeout bounds each re-run of a live query.
const liveQueryTimeout = 10 * time.Second

type queryFunc func(ctx context.Context, q Query) ([]*Record, error)

// changeFeed fans change signals out to every open live query. Each query
// owns one goroutine and a one-slot wake channel, so bursts of changes
// coalesce into a single re-query.
type changeFeed struct {
	mu       sync.Mutex
	watchers map[*liveQuery]struct{}
}

func newChangeFeed() *changeFeed {
	return &changeFeed{watchers: make(map[*liveQuery]struct{})}
}

// Notify wakes every live query.
func (f *changeFeed) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for lq := range f.watchers {
		lq.wakeUp()
	}
}

func (f *changeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *changeFeed) subscribe(q Query, run queryFunc, onSnapshot func([]*Record), onError func(error)) *liveQuery {
	lq := &liveQuery{
		query:      q,
		run:        run,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		feed:       f,
	}
	f.mu.Lock()
	f.watchers[lq] = struct{}{}
	f.mu.Unlock()

	lq.wakeUp()
	go lq.loop()
	return lq
}

func (f *changeFeed) remove(lq *liveQuery) {
	f.mu.Lock()
	delete(f.watchers, lq)
	f.mu.Unlock()
}

type liveQuery struct {
	query      Query
	run        queryFunc
	onSnapshot func([]*Record)
	onError    func(error)

	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	feed   *changeFeed
}

func (lq *liveQuery) wakeUp() {
	select {
	case lq.wake <- struct{}{}:
	default:
	}
}

func (lq *liveQuery) loop() {
	for {
		select {
		case <-lq.done:
			return
		case <-lq.wake:
		}
		if lq.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), liveQueryTimeout)
		recs, err := lq.run(ctx, lq.query)
		cancel()

		if lq.closed.Load() {
			return
		}
		if err != nil {
			if lq.onError != nil {
				lq.onError(err)
			}
			continue
		}
		lq.onSnapshot(recs)
	}
}

// Unsubscribe stops the query. It is safe to call more than once and from
// inside a snapshot callback.
func (lq *liveQuery) Unsubscribe() {
	lq.once.Do(func() {
		lq.closed.Store(true)
		close(lq.done)
		lq.feed.remove(lq)
	})
}
