// Package db provides database connection helpers, schema migration, and the
// oauth_tokens data access used to persist the signed-in user's credential.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/crypto"
)

// ProviderTwitch is the oauth_tokens row holding the Twitch user credential.
const ProviderTwitch = "twitch"

// Encryption versions stored in oauth_tokens.encryption_version.
const (
	EncryptionNone   = 0
	EncryptionAESGCM = 1
)

// Connect opens a Postgres connection pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DB_DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Migrate applies the schema with idempotent statements. It is the fallback
// when versioned migrations cannot run and matches their end state.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_key_id TEXT`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// NewSealer builds the token sealer from ENCRYPTION_KEY style settings.
// An empty key disables encryption and returns a nil Sealer.
func NewSealer(key, previous string) (crypto.Sealer, error) {
	if key == "" {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
		return nil, nil
	}
	kr, err := crypto.NewKeyring(key, previous)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"), slog.String("key_id", kr.PrimaryID()))
	return kr, nil
}

// UpsertOAuthToken stores or replaces the token row for provider. With a non-nil
// sealer both tokens are encrypted and the row is stamped with the key id.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, sealer crypto.Sealer, provider string, c credential.Credential) error {
	access, refresh := c.AccessToken, c.RefreshToken
	encVersion, keyID := EncryptionNone, ""
	if sealer != nil {
		var err error
		if access, keyID, err = sealer.Seal(c.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, _, err = sealer.Seal(c.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion = EncryptionAESGCM
	}

	var expiry sql.NullTime
	if !c.ExpiresAt.IsZero() {
		expiry = sql.NullTime{Time: c.ExpiresAt, Valid: true}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err := dbx.ExecContext(ctx, q, provider, access, refresh, expiry, c.Scope, encVersion, keyID)
	return err
}

// GetOAuthToken loads the token row for provider; ok is false when there is none.
// Plaintext rows (encryption_version=0) are returned as stored.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, sealer crypto.Sealer, provider string) (c credential.Credential, ok bool, err error) {
	var (
		access, refresh, scope, keyID sql.NullString
		expiry                        sql.NullTime
		encVersion                    int
	)
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expiry, &scope, &encVersion, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, false, nil
	}
	if err != nil {
		return credential.Credential{}, false, err
	}

	c = credential.Credential{
		AccessToken:  access.String,
		RefreshToken: refresh.String,
		Scope:        scope.String,
	}
	if expiry.Valid {
		c.ExpiresAt = expiry.Time
	}

	if encVersion == EncryptionAESGCM {
		if sealer == nil {
			return credential.Credential{}, false, fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if c.AccessToken, err = sealer.Open(access.String, keyID.String); err != nil {
			return credential.Credential{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if c.RefreshToken, err = sealer.Open(refresh.String, keyID.String); err != nil {
			return credential.Credential{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return c, true, nil
}

// ResealTokens rewrites every row that is plaintext or sealed under a key other
// than the keyring's primary key. It returns the number of rows that needed it;
// with dryRun nothing is written.
func ResealTokens(ctx context.Context, dbx *sql.DB, kr *crypto.Keyring, dryRun bool) (int, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT provider FROM oauth_tokens
		 WHERE COALESCE(encryption_version, 0) = 0 OR COALESCE(encryption_key_id, '') <> $1`, kr.PrimaryID())
	if err != nil {
		return 0, fmt.Errorf("query tokens: %w", err)
	}
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range providers {
		logger := slog.With(slog.String("provider", p), slog.String("component", "db_encryption"))
		if dryRun {
			logger.Info("would reseal token")
			continue
		}
		c, ok, err := GetOAuthToken(ctx, dbx, kr, p)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", p, err)
		}
		if !ok {
			continue
		}
		if err := UpsertOAuthToken(ctx, dbx, kr, p, c); err != nil {
			return 0, fmt.Errorf("reseal %s: %w", p, err)
		}
		logger.Info("token resealed", slog.String("key_id", kr.PrimaryID()))
	}
	return len(providers), nil
}

// TokenStore persists one provider's credential. It implements credential.Persister.
type TokenStore struct {
	DB       *sql.DB
	Sealer   crypto.Sealer
	Provider string
}

func (t *TokenStore) provider() string {
	if t.Provider == "" {
		return ProviderTwitch
	}
	return t.Provider
}

func (t *TokenStore) LoadCredential(ctx context.Context) (credential.Credential, bool, error) {
	return GetOAuthToken(ctx, t.DB, t.Sealer, t.provider())
}

func (t *TokenStore) SaveCredential(ctx context.Context, c credential.Credential) error {
	return UpsertOAuthToken(ctx, t.DB, t.Sealer, t.provider(), c)
}
