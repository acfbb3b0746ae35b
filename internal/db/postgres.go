package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const userColumns = `id, username, email, full_name, password_hash, COALESCE(refresh_token, ''), created_at, updated_at`

// PostgresStore keeps users in a Postgres table
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash, &u.RefreshToken, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable(err)
	}
	return u, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) FindByIdentity(ctx context.Context, identity Identity) (*User, error) {
	if identity.Email == "" && identity.Username == "" {
		return nil, ErrUserNotFound
	}

	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1 OR username = $2
		ORDER BY (email = $1) DESC
		LIMIT 1
	`
	return scanUser(s.db.QueryRowContext(ctx, query, identity.Email, identity.Username))
}

func (s *PostgresStore) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, username, email, full_name, password_hash, refresh_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Username, user.Email, user.FullName, user.PasswordHash, user.RefreshToken, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		return unavailable(err)
	}
	return nil
}

// Update applies patch in one statement. The compare-and-swap guard is part of the WHERE
// clause, so a concurrent rotation makes the statement match zero rows.
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, patch Patch) (*User, error) {
	query := `
		UPDATE users SET
			password_hash = COALESCE($2, password_hash),
			refresh_token = CASE WHEN $3 THEN NULLIF($4, '') ELSE refresh_token END,
			updated_at = $5
		WHERE id = $1 AND (NOT $6 OR COALESCE(refresh_token, '') = $7)
		RETURNING ` + userColumns

	var passwordHash sql.NullString
	if patch.PasswordHash != nil {
		passwordHash = sql.NullString{String: *patch.PasswordHash, Valid: true}
	}
	var refreshToken, ifRefreshToken string
	if patch.RefreshToken != nil {
		refreshToken = *patch.RefreshToken
	}
	if patch.IfRefreshToken != nil {
		ifRefreshToken = *patch.IfRefreshToken
	}

	u, err := scanUser(s.db.QueryRowContext(ctx, query,
		id, passwordHash, patch.RefreshToken != nil, refreshToken, s.now().UTC(),
		patch.IfRefreshToken != nil, ifRefreshToken,
	))
	if !errors.Is(err, ErrUserNotFound) || patch.IfRefreshToken == nil {
		return u, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, unavailable(err)
	}
	if exists {
		return nil, ErrTokenMismatch
	}
	return nil, ErrUserNotFound
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
