// Package revocation records revoked credential ids and answers membership
// queries against the datastore.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/juju/clock"
)

// DefaultRetentionDays is how long a record is kept after its credential expires.
const DefaultRetentionDays = 7

// Outcome distinguishes a fresh revocation from a repeated one.
type Outcome int

const (
	Revoked Outcome = iota + 1
	AlreadyRevoked
)

func (o Outcome) String() string {
	switch o {
	case Revoked:
		return "revoked"
	case AlreadyRevoked:
		return "already_revoked"
	default:
		return "unknown"
	}
}

// Request describes a credential to revoke.
type Request struct {
	TokenID    string
	IdentityID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedBy  string
	Reason     string
}

// Store is the revocation list.
type Store struct {
	db      *db.Store
	clock   clock.Clock
	timeout time.Duration
}

// New returns a Store. timeout bounds every datastore call; zero disables it.
func New(store *db.Store, clk clock.Clock, timeout time.Duration) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{db: store, clock: clk, timeout: timeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Revoke records req.TokenID. Revoking an id twice is not an error.
func (s *Store) Revoke(ctx context.Context, req Request) (Outcome, error) {
	if req.TokenID == "" {
		return 0, errors.New("revoke: token id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	inserted, err := s.db.InsertRevocation(ctx, &db.Revocation{
		TokenID:    req.TokenID,
		IdentityID: req.IdentityID,
		IssuedAt:   req.IssuedAt,
		ExpiresAt:  req.ExpiresAt,
		RevokedAt:  s.clock.Now(),
		RevokedBy:  req.RevokedBy,
		Reason:     req.Reason,
	})
	if err != nil {
		return 0, err
	}
	if !inserted {
		return AlreadyRevoked, nil
	}
	logx.Infof("revocation: jti=%s identity=%s by=%s reason=%q", req.TokenID, req.IdentityID, req.RevokedBy, req.Reason)
	return Revoked, nil
}

// IsRevoked reports whether jti is on the list. Callers must treat an error
// as "revoked".
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.IsTokenRevoked(ctx, jti)
}

// Status returns the revocation record for jti, or nil if it was never revoked.
func (s *Store) Status(ctx context.Context, jti string) (*db.Revocation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.GetRevocation(ctx, jti)
}

// Cleanup removes records whose credential expired more than retentionDays
// ago. retentionDays must be at least 1: a record must outlive its credential
// or a revoked token could verify again once its record is purged.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("revocation cleanup: retention must be at least 1 day, got %d", retentionDays)
	}
	cutoff := s.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.db.DeleteRevocationsExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("revocation cleanup: %w", err)
	}
	if n > 0 {
		logx.Infof("revocation: removed %d expired records (cutoff %s)", n, cutoff.UTC().Format(time.RFC3339))
	}
	return n, nil
}
