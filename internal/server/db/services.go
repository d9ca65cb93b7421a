package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for service registration.
var (
	ErrServiceDuplicate = errors.New("service already registered")
)

const serviceColumns = `service_id, api_key_hash, active, description, created_at, updated_at, last_used_at`

func scanService(row rowScanner) (*Service, error) {
	var svc Service
	if err := row.Scan(&svc.ServiceID, &svc.APIKeyHash, &svc.Active, &svc.Description,
		&svc.CreatedAt, &svc.UpdatedAt, &svc.LastUsedAt); err != nil {
		return nil, err
	}
	return &svc, nil
}

// CreateService inserts a new service registration.
func (s *Store) CreateService(ctx context.Context, svc *Service, now time.Time) error {
	now = dbTime(now)
	_, err := s.exec(ctx,
		`INSERT INTO service_registrations (service_id, api_key_hash, active, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		svc.ServiceID, svc.APIKeyHash, true, svc.Description, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrServiceDuplicate
		}
		return fmt.Errorf("insert service: %w", err)
	}
	return nil
}

// GetService retrieves a service registration. Returns nil, nil if absent.
func (s *Store) GetService(ctx context.Context, serviceID string) (*Service, error) {
	svc, err := scanService(s.queryRow(ctx,
		`SELECT `+serviceColumns+` FROM service_registrations WHERE service_id = ?`, serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

// ListServices returns all registrations, including inactive ones.
func (s *Store) ListServices(ctx context.Context) ([]Service, error) {
	rows, err := s.query(ctx, `SELECT `+serviceColumns+` FROM service_registrations ORDER BY service_id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

// UpdateServiceKeyHash replaces the stored API key hash; the previous hash is
// discarded. Returns true if the service exists.
func (s *Store) UpdateServiceKeyHash(ctx context.Context, serviceID, hash string, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE service_registrations SET api_key_hash = ?, updated_at = ? WHERE service_id = ?`,
		hash, dbTime(now), serviceID,
	)
	if err != nil {
		return false, fmt.Errorf("update service key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetServiceActive soft-enables or soft-deletes a registration.
func (s *Store) SetServiceActive(ctx context.Context, serviceID string, active bool, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE service_registrations SET active = ?, updated_at = ? WHERE service_id = ?`,
		active, dbTime(now), serviceID,
	)
	if err != nil {
		return false, fmt.Errorf("set service active: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchServiceLastUsed updates the last_used_at timestamp for a service.
func (s *Store) TouchServiceLastUsed(ctx context.Context, serviceID string, now time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE service_registrations SET last_used_at = ? WHERE service_id = ?`, dbTime(now), serviceID,
	)
	if err != nil {
		return fmt.Errorf("update service last used: %w", err)
	}
	return nil
}
