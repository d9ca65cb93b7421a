package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const identityColumns = `id, github_user_id, github_login, access_token_enc, refresh_token_enc,
	token_expires_at, whitelisted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var (
		id            Identity
		access, rfrsh sql.NullString
	)
	if err := row.Scan(&id.ID, &id.GitHubUserID, &id.GitHubLogin, &access, &rfrsh,
		&id.TokenExpiresAt, &id.Whitelisted, &id.CreatedAt, &id.UpdatedAt); err != nil {
		return nil, err
	}
	id.AccessTokenEncrypted = access.String
	id.RefreshTokenEncrypted = rfrsh.String
	return &id, nil
}

// UpsertIdentityOnLogin inserts a new identity or refreshes the stored
// third-party tokens of an existing one, keyed by GitHub user id.
// The identity id and whitelist flag of an existing row are never changed.
func (s *Store) UpsertIdentityOnLogin(ctx context.Context, in *Identity, now time.Time) (*Identity, error) {
	now = dbTime(now)
	_, err := s.exec(ctx,
		`INSERT INTO identities
		   (id, github_user_id, github_login, access_token_enc, refresh_token_enc, token_expires_at, whitelisted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(github_user_id) DO UPDATE SET
		   github_login = excluded.github_login,
		   access_token_enc = excluded.access_token_enc,
		   refresh_token_enc = excluded.refresh_token_enc,
		   token_expires_at = excluded.token_expires_at,
		   updated_at = excluded.updated_at`,
		in.ID, in.GitHubUserID, in.GitHubLogin,
		nullString(in.AccessTokenEncrypted), nullString(in.RefreshTokenEncrypted), nullTime(in.TokenExpiresAt),
		false, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert identity: %w", err)
	}
	return s.GetIdentityByGitHubUserID(ctx, in.GitHubUserID)
}

// GetIdentity retrieves an identity by id. Returns nil, nil if absent.
func (s *Store) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	ident, err := scanIdentity(s.queryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return ident, nil
}

// GetIdentityByGitHubUserID retrieves an identity by GitHub user id.
func (s *Store) GetIdentityByGitHubUserID(ctx context.Context, githubUserID int64) (*Identity, error) {
	ident, err := scanIdentity(s.queryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE github_user_id = ?`, githubUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity by github user id: %w", err)
	}
	return ident, nil
}

// GetWhitelistStatus reads only the whitelist flag. found is false when the
// identity does not exist.
func (s *Store) GetWhitelistStatus(ctx context.Context, id string) (whitelisted, found bool, err error) {
	err = s.queryRow(ctx, `SELECT whitelisted FROM identities WHERE id = ?`, id).Scan(&whitelisted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("get whitelist status: %w", err)
	}
	return whitelisted, true, nil
}

// SetWhitelisted changes the whitelist flag. Returns true if the identity exists.
func (s *Store) SetWhitelisted(ctx context.Context, id string, whitelisted bool, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE identities SET whitelisted = ?, updated_at = ? WHERE id = ?`,
		whitelisted, dbTime(now), id,
	)
	if err != nil {
		return false, fmt.Errorf("set whitelisted: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateIdentityTokens replaces the stored third-party token envelopes.
func (s *Store) UpdateIdentityTokens(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt *time.Time, now time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE identities
		 SET access_token_enc = ?, refresh_token_enc = ?, token_expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		nullString(accessEnc), nullString(refreshEnc), nullTime(expiresAt), dbTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("update identity tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update identity tokens: identity %q not found", id)
	}
	return nil
}

// ListIdentitiesWithTokens pages through identities holding at least one
// encrypted token, ordered by id, starting strictly after afterID.
func (s *Store) ListIdentitiesWithTokens(ctx context.Context, afterID string, limit int) ([]Identity, error) {
	rows, err := s.query(ctx,
		`SELECT `+identityColumns+` FROM identities
		 WHERE id > ? AND (access_token_enc IS NOT NULL OR refresh_token_enc IS NOT NULL)
		 ORDER BY id
		 LIMIT ?`, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list identities with tokens: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, *ident)
	}
	return out, rows.Err()
}

// ReplaceTokenEnvelopes applies a batch of re-encrypted envelopes in one
// transaction. An update whose old envelopes no longer match the stored row
// is skipped. Returns the number of rows updated.
func (s *Store) ReplaceTokenEnvelopes(ctx context.Context, updates []EnvelopeUpdate, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt := s.rebind(`UPDATE identities
		SET access_token_enc = ?, refresh_token_enc = ?, updated_at = ?
		WHERE id = ? AND COALESCE(access_token_enc, '') = ? AND COALESCE(refresh_token_enc, '') = ?`)

	updated := 0
	for _, u := range updates {
		res, err := tx.ExecContext(ctx, stmt,
			nullString(u.NewAccessToken), nullString(u.NewRefresh), dbTime(now),
			u.IdentityID, u.OldAccessToken, u.OldRefresh,
		)
		if err != nil {
			return 0, fmt.Errorf("replace envelopes for %s: %w", u.IdentityID, err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}
