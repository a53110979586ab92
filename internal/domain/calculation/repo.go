package calculation

import (
	"context"
	"errors"
)

// Collection is the name of the record collection and of the change
// notification channel.
const Collection = "calculations"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("calculation not found")

// Subscription is a handle to a live query. Unsubscribe is idempotent; a
// callback already in flight may still complete after it returns.
type Subscription interface {
	Unsubscribe()
}

// Store is the create-only record store with live queries.
type Store interface {
	// Create persists rec, assigning its ID and server timestamp.
	Create(ctx context.Context, rec *Record) (string, error)
	// Subscribe delivers a full snapshot for q now and after every change.
	Subscribe(q Query, onSnapshot func([]*Record), onError func(error)) (Subscription, error)
	List(ctx context.Context, p ListParams) ([]*Record, int, error)
	GetByID(ctx context.Context, id string) (*Record, error)
}
