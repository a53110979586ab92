package feed

import (
	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/risk"
)

const (
	HomePageSize  = 20
	AlertPageSize = 50
)

// HomeFeed is the most recent calculations, newest first.
func HomeFeed() calculation.Query {
	return calculation.Query{
		OrderBy:    calculation.FieldTimestamp,
		Descending: true,
		Limit:      HomePageSize,
	}
}

// AlertFeed is the most recent high-risk calculations.
func AlertFeed() calculation.Query {
	return calculation.Query{
		OrderBy:    calculation.FieldTimestamp,
		Descending: true,
		Limit:      AlertPageSize,
		Where: &calculation.Filter{
			Field: calculation.FieldCategory,
			Op:    calculation.OpEqual,
			Value: string(risk.CategoryHigh),
		},
	}
}
