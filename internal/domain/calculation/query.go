package calculation

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/middec/middec/internal/domain/risk"
)

// Field names accepted in queries. They match the JSON paths of a Record.
type Field string

const (
	FieldTimestamp   Field = "timestamp"
	FieldCategory    Field = "result.category"
	FieldArchiveNo   Field = "archiveNo"
	FieldPatientName Field = "patientName"
)

// OpEqual is the only supported filter operator.
const OpEqual = "=="

const (
	DefaultQueryLimit = 20
	MaxQueryLimit     = 100
)

var filterableFields = map[Field]bool{
	FieldCategory: true, FieldArchiveNo: true, FieldPatientName: true,
}

// Filter is a single field predicate.
type Filter struct {
	Field Field  `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Query describes a live or one-shot ordered, limited, optionally filtered
// read of the calculations collection.
type Query struct {
	OrderBy    Field   `json:"orderBy"`
	Descending bool    `json:"descending"`
	Limit      int     `json:"limit"`
	Where      *Filter `json:"where,omitempty"`
}

// Normalize fills defaults and clamps the limit.
func (q Query) Normalize() Query {
	if q.OrderBy == "" {
		q.OrderBy = FieldTimestamp
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	return q
}

// Validate rejects fields and operators the stores cannot serve.
func (q Query) Validate() error {
	if q.OrderBy != "" && q.OrderBy != FieldTimestamp {
		return fmt.Errorf("unsupported order field: %s", q.OrderBy)
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if q.Where == nil {
		return nil
	}
	if !filterableFields[q.Where.Field] {
		return fmt.Errorf("unsupported filter field: %s", q.Where.Field)
	}
	if q.Where.Op != OpEqual {
		return fmt.Errorf("unsupported filter operator: %s", q.Where.Op)
	}
	if q.Where.Field == FieldCategory && !risk.Category(q.Where.Value).Valid() {
		return fmt.Errorf("invalid category: %s", q.Where.Value)
	}
	return nil
}

// Matches reports whether rec satisfies the query's filter.
func (q Query) Matches(rec *Record) bool {
	if q.Where == nil {
		return true
	}
	return fieldValue(rec, q.Where.Field) == q.Where.Value
}

func fieldValue(rec *Record, f Field) string {
	switch f {
	case FieldCategory:
		return string(rec.Result.Category)
	case FieldArchiveNo:
		return rec.ArchiveNo
	case FieldPatientName:
		return rec.PatientName
	default:
		return ""
	}
}

// ListParams drives the browse/search endpoint.
type ListParams struct {
	Category risk.Category
	Search   string
	Limit    int
	Offset   int
}

func (p ListParams) matches(rec *Record) bool {
	if p.Category != "" && rec.Result.Category != p.Category {
		return false
	}
	if p.Search == "" {
		return true
	}
	needle := strings.ToLower(p.Search)
	return strings.Contains(strings.ToLower(rec.PatientName), needle) ||
		strings.Contains(strings.ToLower(rec.ArchiveNo), needle)
}

// Values encodes q as URL query parameters for the live endpoint.
func (q Query) Values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Descending {
		v.Set("order", "asc")
	}
	if q.Where != nil {
		v.Set(string(q.Where.Field), q.Where.Value)
	}
	return v
}

// QueryFromValues is the inverse of Values. Results are newest first unless
// order=asc; at most one filter field may be given.
func QueryFromValues(v url.Values) (Query, error) {
	q := Query{OrderBy: FieldTimestamp, Descending: v.Get("order") != "asc"}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Query{}, fmt.Errorf("invalid limit: %s", raw)
		}
		q.Limit = n
	}
	for _, f := range []Field{FieldCategory, FieldArchiveNo, FieldPatientName} {
		if !v.Has(string(f)) {
			continue
		}
		if q.Where != nil {
			return Query{}, fmt.Errorf("only one filter is supported")
		}
		q.Where = &Filter{Field: f, Op: OpEqual, Value: v.Get(string(f))}
	}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q.Normalize(), nil
}

// Topic names the live query for connection bookkeeping.
func (q Query) Topic() string {
	if enc := q.Values().Encode(); enc != "" {
		return Collection + "?" + enc
	}
	return Collection
}
