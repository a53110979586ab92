package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type userRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserRepoSQLite(db *sql.DB) UserRepository {
	return &userRepoSQLite{db: db, now: time.Now}
}

func scanSQLiteUser(row *sql.Row) (*User, error) {
	var (
		u                User
		id               string
		created, updated int64
	)
	err := row.Scan(&id, &u.Name, &u.Surname, &u.Job, &u.Email, &u.Institution,
		&u.PasswordHash, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("user id %q: %w", id, err)
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	u.UpdatedAt = time.Unix(0, updated).UTC()
	return &u, nil
}

func (r *userRepoSQLite) Create(ctx context.Context, u *User) error {
	now := r.now().UTC()
	id := uuid.New()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, name, surname, job, email, institution, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), u.Name, u.Surname, string(u.Job), u.Email, u.Institution, u.PasswordHash,
		now.UnixNano(), now.UnixNano())
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID = id
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

func (r *userRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id.String()))
}

func (r *userRepoSQLite) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ? COLLATE NOCASE`, email))
}

func (r *userRepoSQLite) Update(ctx context.Context, u *User) error {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET name = ?, surname = ?, job = ?, institution = ?, updated_at = ?
		WHERE id = ?`,
		u.Name, u.Surname, string(u.Job), u.Institution, now.UnixNano(), u.ID.String())
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	u.UpdatedAt = now
	return nil
}
