package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	username     TEXT NOT NULL UNIQUE,
	api_key_hash TEXT NOT NULL UNIQUE,
	banned       INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS donated_tokens (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_user_id INTEGER NOT NULL REFERENCES users(id),
	label         TEXT NOT NULL DEFAULT '',
	auth_method   TEXT NOT NULL DEFAULT 'social',
	region        TEXT NOT NULL DEFAULT 'us-east-1',
	profile_arn   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'ACTIVE',
	visibility    TEXT NOT NULL DEFAULT 'PRIVATE',
	credentials   BLOB NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_used_at  TIMESTAMP,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tokens_owner ON donated_tokens(owner_user_id, status);
CREATE INDEX IF NOT EXISTS idx_tokens_pool  ON donated_tokens(visibility, status);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	cipher *Cipher
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Credential blobs are encrypted with encryptionSecret.
func OpenSQLite(path, encryptionSecret string) (*SQLiteStore, error) {
	cipher, err := NewCipher(encryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("store cipher: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, cipher: cipher}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser mints an API key, stores its hash, and returns the key
// once; it is not recoverable afterwards.
func (s *SQLiteStore) CreateUser(ctx context.Context, username string) (*User, string, error) {
	apiKey, err := NewAPIKey()
	if err != nil {
		return nil, "", err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, api_key_hash) VALUES (?, ?)`,
		username, HashAPIKey(apiKey))
	if err != nil {
		return nil, "", fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, "", err
	}
	return &User{ID: id, Username: username, CreatedAt: time.Now()}, apiKey, nil
}

func (s *SQLiteStore) GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, banned, created_at FROM users WHERE api_key_hash = ?`,
		HashAPIKey(apiKey))

	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Banned, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) SetUserBanned(ctx context.Context, userID int64, banned bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET banned = ? WHERE id = ?`, banned, userID)
	if err != nil {
		return fmt.Errorf("update user ban: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddDonatedToken(ctx context.Context, token *DonatedToken, credentials []byte) (int64, error) {
	sealed, err := s.cipher.Encrypt(credentials)
	if err != nil {
		return 0, fmt.Errorf("seal credentials: %w", err)
	}

	status := token.Status
	if status == "" {
		status = StatusActive
	}
	visibility := token.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO donated_tokens
			(owner_user_id, label, auth_method, region, profile_arn, status, visibility, credentials)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.OwnerUserID, token.Label, token.AuthMethod, token.Region,
		token.ProfileArn, status, visibility, sealed)
	if err != nil {
		return 0, fmt.Errorf("add token: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetTokenCredentials(ctx context.Context, tokenID int64) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT credentials FROM donated_tokens WHERE id = ?`, tokenID)

	var sealed []byte
	if err := row.Scan(&sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup credentials: %w", err)
	}
	return s.cipher.Decrypt(sealed)
}

const tokenColumns = `id, owner_user_id, label, auth_method, region, profile_arn,
	status, visibility, success_count, failure_count, last_used_at, created_at`

func (s *SQLiteStore) scanTokens(rows *sql.Rows) ([]*DonatedToken, error) {
	defer rows.Close()
	var tokens []*DonatedToken
	for rows.Next() {
		var t DonatedToken
		var lastUsed sql.NullTime
		if err := rows.Scan(&t.ID, &t.OwnerUserID, &t.Label, &t.AuthMethod,
			&t.Region, &t.ProfileArn, &t.Status, &t.Visibility,
			&t.SuccessCount, &t.FailureCount, &lastUsed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		if lastUsed.Valid {
			t.LastUsedAt = lastUsed.Time
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) ListTokensForOwner(ctx context.Context, ownerID int64) ([]*DonatedToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM donated_tokens WHERE owner_user_id = ? AND status = ?`,
		ownerID, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list owner tokens: %w", err)
	}
	return s.scanTokens(rows)
}

func (s *SQLiteStore) ListPublicActiveTokens(ctx context.Context) ([]*DonatedToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM donated_tokens WHERE visibility = ? AND status = ?`,
		VisibilityPublic, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list pool tokens: %w", err)
	}
	return s.scanTokens(rows)
}

func (s *SQLiteStore) UpdateTokenStatus(ctx context.Context, tokenID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE donated_tokens SET status = ? WHERE id = ?`, status, tokenID)
	if err != nil {
		return fmt.Errorf("update token status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordTokenResult(ctx context.Context, tokenID int64, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE donated_tokens SET `+column+` = `+column+` + 1, last_used_at = CURRENT_TIMESTAMP WHERE id = ?`,
		tokenID)
	if err != nil {
		return fmt.Errorf("record token result: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
