package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertRevocation records a revoked token id. Inserting an id that is already
// present is a no-op; inserted reports whether a new row was written.
func (s *Store) InsertRevocation(ctx context.Context, r *Revocation) (inserted bool, err error) {
	res, err := s.exec(ctx,
		`INSERT INTO revoked_tokens (jti, identity_id, issued_at, expires_at, revoked_at, revoked_by, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(jti) DO NOTHING`,
		r.TokenID, r.IdentityID, dbTime(r.IssuedAt), dbTime(r.ExpiresAt), dbTime(r.RevokedAt), r.RevokedBy, r.Reason,
	)
	if err != nil {
		return false, fmt.Errorf("insert revocation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsTokenRevoked reports whether jti has a revocation record. The lookup is a
// primary-key probe.
func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM revoked_tokens WHERE jti = ?`, jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return true, nil
}

// GetRevocation retrieves the revocation record for jti. Returns nil, nil if absent.
func (s *Store) GetRevocation(ctx context.Context, jti string) (*Revocation, error) {
	r := &Revocation{}
	err := s.queryRow(ctx,
		`SELECT jti, identity_id, issued_at, expires_at, revoked_at, revoked_by, reason
		 FROM revoked_tokens WHERE jti = ?`, jti,
	).Scan(&r.TokenID, &r.IdentityID, &r.IssuedAt, &r.ExpiresAt, &r.RevokedAt, &r.RevokedBy, &r.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get revocation: %w", err)
	}
	return r, nil
}

// DeleteRevocationsExpiredBefore removes revocation records whose credential
// expired before cutoff. Returns the number of rows removed.
func (s *Store) DeleteRevocationsExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < ?`, dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired revocations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
