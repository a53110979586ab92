package calculation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/risk"
)

type Service struct {
	store  Store
	logger zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger.With().Str("component", "calculations").Logger()}
}

// Create stores a finished assessment. The result is re-derived from its
// score so category and color always agree.
func (s *Service) Create(ctx context.Context, rec *Record) (string, error) {
	if rec.Result.Score < risk.MinScore || rec.Result.Score > risk.MaxScore {
		return "", fmt.Errorf("score must be between %d and %d", risk.MinScore, risk.MaxScore)
	}
	rec.Result = risk.NewResult(rec.Result.Score)
	if rec.NeonatalComplications == nil {
		rec.NeonatalComplications = []string{}
	}
	if rec.MaternalComplications == nil {
		rec.MaternalComplications = []string{}
	}
	id, err := s.store.Create(ctx, rec)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("id", id).Str("category", string(rec.Result.Category)).Msg("calculation stored")
	return id, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, p ListParams) ([]*Record, int, error) {
	if p.Category != "" && !p.Category.Valid() {
		return nil, 0, fmt.Errorf("invalid category: %s", p.Category)
	}
	return s.store.List(ctx, p)
}

func (s *Service) Subscribe(q Query, onSnapshot func([]*Record), onError func(error)) (Subscription, error) {
	return s.store.Subscribe(q, onSnapshot, onError)
}
