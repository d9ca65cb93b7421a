package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const keyRotationColumns = `key_id, key_type, last_rotated_at, next_rotation_due, rotation_interval_days,
	active, metadata, created_at, updated_at`

func scanKeyRotation(row rowScanner) (*KeyRotation, error) {
	var k KeyRotation
	if err := row.Scan(&k.KeyID, &k.KeyType, &k.LastRotatedAt, &k.NextRotationDue, &k.RotationIntervalDays,
		&k.Active, &k.Metadata, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// UpsertKeyRotation records a rotation event for k.KeyID, creating the row on
// first use. The record is marked active.
func (s *Store) UpsertKeyRotation(ctx context.Context, k *KeyRotation, now time.Time) error {
	now = dbTime(now)
	_, err := s.exec(ctx,
		`INSERT INTO key_rotations
		   (key_id, key_type, last_rotated_at, next_rotation_due, rotation_interval_days, active, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
		   key_type = excluded.key_type,
		   last_rotated_at = excluded.last_rotated_at,
		   next_rotation_due = excluded.next_rotation_due,
		   rotation_interval_days = excluded.rotation_interval_days,
		   active = excluded.active,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		k.KeyID, k.KeyType, dbTime(k.LastRotatedAt), nullTime(k.NextRotationDue), k.RotationIntervalDays,
		true, k.Metadata, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert key rotation: %w", err)
	}
	return nil
}

// GetKeyRotation retrieves the rotation record for keyID. Returns nil, nil if absent.
func (s *Store) GetKeyRotation(ctx context.Context, keyID string) (*KeyRotation, error) {
	k, err := scanKeyRotation(s.queryRow(ctx,
		`SELECT `+keyRotationColumns+` FROM key_rotations WHERE key_id = ?`, keyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key rotation: %w", err)
	}
	return k, nil
}

// ListActiveKeyRotations returns every active rotation record ordered by key id.
func (s *Store) ListActiveKeyRotations(ctx context.Context) ([]KeyRotation, error) {
	rows, err := s.query(ctx,
		`SELECT `+keyRotationColumns+` FROM key_rotations WHERE active = ? ORDER BY key_id`, true)
	if err != nil {
		return nil, fmt.Errorf("list key rotations: %w", err)
	}
	defer rows.Close()

	var out []KeyRotation
	for rows.Next() {
		k, err := scanKeyRotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key rotation: %w", err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// SetKeyRotationActive toggles tracking of a key class without deleting its
// history. Returns true if the record exists.
func (s *Store) SetKeyRotationActive(ctx context.Context, keyID string, active bool, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE key_rotations SET active = ?, updated_at = ? WHERE key_id = ?`,
		active, dbTime(now), keyID,
	)
	if err != nil {
		return false, fmt.Errorf("set key rotation active: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
