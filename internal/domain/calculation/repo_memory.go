package calculation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	feed    *changeFeed
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{feed: newChangeFeed(), now: time.Now}
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored := rec.Clone()
	stored.ID = uuid.New().String()
	stored.CreatedAt = s.now().UTC()

	s.mu.Lock()
	s.records = append(s.records, stored)
	s.mu.Unlock()

	rec.ID = stored.ID
	rec.CreatedAt = stored.CreatedAt
	s.feed.Notify()
	return stored.ID, nil
}

func (s *MemoryStore) Subscribe(q Query, onSnapshot func([]*Record), onError func(error)) (Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return s.feed.subscribe(q.Normalize(), s.query, onSnapshot, onError), nil
}

func (s *MemoryStore) query(ctx context.Context, q Query) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, q.Limit)
	for _, rec := range s.newestFirst(q.Descending) {
		if !q.Matches(rec) {
			continue
		}
		out = append(out, rec.Clone())
		if len(out) == q.Limit {
			break
		}
	}
	return out, ctx.Err()
}

func (s *MemoryStore) List(ctx context.Context, p ListParams) ([]*Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*Record
	for _, rec := range s.newestFirst(true) {
		if p.matches(rec) {
			matched = append(matched, rec)
		}
	}
	total := len(matched)
	if p.Offset >= total {
		return []*Record{}, total, ctx.Err()
	}
	end := total
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	out := make([]*Record, 0, end-p.Offset)
	for _, rec := range matched[p.Offset:end] {
		out = append(out, rec.Clone())
	}
	return out, total, ctx.Err()
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// newestFirst returns records ordered by creation time. Ties keep insertion
// order, so the later insert sorts first when descending. Caller holds mu.
func (s *MemoryStore) newestFirst(desc bool) []*Record {
	out := make([]*Record, len(s.records))
	copy(out, s.records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if desc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}
