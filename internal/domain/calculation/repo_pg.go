package calculation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/middec/middec/internal/domain/risk"
)

var filterColumns = map[Field]string{
	FieldCategory:    "category",
	FieldArchiveNo:   "archive_no",
	FieldPatientName: "patient_name",
}

// PGStore stores records in PostgreSQL. Every insert raises a NOTIFY on the
// calculations channel so that other nodes can wake their live queries; see
// Changed.
type PGStore struct {
	pool *pgxpool.Pool
	feed *changeFeed
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, feed: newChangeFeed()}
}

// Changed wakes every live query on this node. It is driven by the
// database change listener.
func (s *PGStore) Changed() {
	s.feed.Notify()
}

const calcCols = `id, form, score, category, color_hint, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		id   uuid.UUID
		form []byte
		r    Record
		cat  string
	)
	if err := row.Scan(&id, &form, &r.Result.Score, &cat, &r.Result.ColorHint, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(form, &r.FormData); err != nil {
		return nil, fmt.Errorf("decode form %s: %w", id, err)
	}
	r.ID = id.String()
	r.Result.Category = risk.Category(cat)
	return &r, nil
}

func (s *PGStore) Create(ctx context.Context, rec *Record) (string, error) {
	form, err := json.Marshal(rec.FormData)
	if err != nil {
		return "", fmt.Errorf("encode form: %w", err)
	}
	id := uuid.New()
	err = s.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO calculations (id, form, patient_name, archive_no, score, category, color_hint)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at
		)
		SELECT created_at, pg_notify('`+Collection+`', id::text) FROM ins`,
		id, form, rec.PatientName, rec.ArchiveNo, rec.Result.Score, string(rec.Result.Category), rec.Result.ColorHint,
	).Scan(&rec.CreatedAt, nil)
	if err != nil {
		return "", fmt.Errorf("insert calculation: %w", err)
	}
	rec.ID = id.String()
	s.feed.Notify()
	return rec.ID, nil
}

func (s *PGStore) Subscribe(q Query, onSnapshot func([]*Record), onError func(error)) (Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return s.feed.subscribe(q.Normalize(), s.query, onSnapshot, onError), nil
}

func (s *PGStore) query(ctx context.Context, q Query) ([]*Record, error) {
	sql := `SELECT ` + calcCols + ` FROM calculations`
	var args []interface{}
	if q.Where != nil {
		args = append(args, q.Where.Value)
		sql += fmt.Sprintf(` WHERE %s = $%d`, filterColumns[q.Where.Field], len(args))
	}
	sql += ` ORDER BY created_at ` + direction(q.Descending) + `, seq ` + direction(q.Descending)
	args = append(args, q.Limit)
	sql += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]*Record, 0, q.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *PGStore) List(ctx context.Context, p ListParams) ([]*Record, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	if p.Category != "" {
		args = append(args, string(p.Category))
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if p.Search != "" {
		args = append(args, "%"+p.Search+"%")
		conds = append(conds, fmt.Sprintf("(patient_name ILIKE $%d OR archive_no ILIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM calculations`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, p.Limit, p.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT `+calcCols+` FROM calculations`+where+
		` ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (s *PGStore) GetByID(ctx context.Context, id string) (*Record, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+calcCols+` FROM calculations WHERE id = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func direction(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}
