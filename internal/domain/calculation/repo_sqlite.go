package calculation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/middec/middec/internal/domain/risk"
)

// SQLiteStore stores records in a SQLite database opened with
// db.OpenSQLite. Change signals stay in process.
type SQLiteStore struct {
	db   *sql.DB
	feed *changeFeed
	now  func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, feed: newChangeFeed(), now: time.Now}
}

const sqliteCols = `id, form, score, category, color_hint, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*Record, error) {
	var (
		r       Record
		form    string
		cat     string
		created int64
	)
	if err := row.Scan(&r.ID, &form, &r.Result.Score, &cat, &r.Result.ColorHint, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(form), &r.FormData); err != nil {
		return nil, fmt.Errorf("decode form %s: %w", r.ID, err)
	}
	r.Result.Category = risk.Category(cat)
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec *Record) (string, error) {
	form, err := json.Marshal(rec.FormData)
	if err != nil {
		return "", fmt.Errorf("encode form: %w", err)
	}
	id := uuid.New().String()
	created := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO calculations (id, form, patient_name, archive_no, score, category, color_hint, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(form), rec.PatientName, rec.ArchiveNo, rec.Result.Score, string(rec.Result.Category), rec.Result.ColorHint, created.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert calculation: %w", err)
	}
	rec.ID = id
	rec.CreatedAt = created
	s.feed.Notify()
	return id, nil
}

func (s *SQLiteStore) Subscribe(q Query, onSnapshot func([]*Record), onError func(error)) (Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return s.feed.subscribe(q.Normalize(), s.query, onSnapshot, onError), nil
}

func (s *SQLiteStore) query(ctx context.Context, q Query) ([]*Record, error) {
	stmt := `SELECT ` + sqliteCols + ` FROM calculations`
	var args []any
	if q.Where != nil {
		stmt += ` WHERE ` + filterColumns[q.Where.Field] + ` = ?`
		args = append(args, q.Where.Value)
	}
	stmt += ` ORDER BY created_at ` + direction(q.Descending) + `, rowid ` + direction(q.Descending) + ` LIMIT ?`
	args = append(args, q.Limit)
	return s.collect(ctx, stmt, args...)
}

func (s *SQLiteStore) List(ctx context.Context, p ListParams) ([]*Record, int, error) {
	var (
		conds []string
		args  []any
	)
	if p.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(p.Category))
	}
	if p.Search != "" {
		conds = append(conds, "(patient_name LIKE ? OR archive_no LIKE ?)")
		like := "%" + p.Search + "%"
		args = append(args, like, like)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calculations`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, p.Offset)
	items, err := s.collect(ctx, `SELECT `+sqliteCols+` FROM calculations`+where+
		` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, args...)
	return items, total, err
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Record, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, `SELECT `+sqliteCols+` FROM calculations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) collect(ctx context.Context, stmt string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Record{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
