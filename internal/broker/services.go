package broker

import (
	"context"
	"errors"
	"regexp"

	"github.com/aspect-build/authgate/internal/apperr"
	"github.com/aspect-build/authgate/internal/crypto"
	"github.com/aspect-build/authgate/internal/keyrotation"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/server/db"
)

var serviceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,62}$`)

// IssuedKey is returned once, at registration or rotation. The raw key is not
// stored anywhere.
type IssuedKey struct {
	ServiceID string `json:"serviceId"`
	APIKey    string `json:"apiKey"`
}

func (b *Broker) newKey() (key, hash string, err error) {
	key, err = crypto.GenerateAPIKey()
	if err != nil {
		return "", "", err
	}
	hash, err = crypto.HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	logx.RegisterSecrets(key)
	return key, hash, nil
}

func (b *Broker) recordKeyRotation(ctx context.Context, serviceID, meta string) {
	if b.tracker == nil {
		return
	}
	if _, err := b.tracker.RecordRotation(ctx, keyrotation.ServiceKeyID(serviceID), keyrotation.KeyTypeAPIKey, -1, meta); err != nil {
		logx.Warnf("broker: record key rotation for %s: %v", serviceID, err)
	}
}

// RegisterService creates a service registration and returns its API key.
func (b *Broker) RegisterService(ctx context.Context, serviceID, description string) (*IssuedKey, error) {
	if !serviceIDPattern.MatchString(serviceID) {
		return nil, apperr.New(apperr.CodeInvalidRequest, "service id must be 2-63 chars of [a-z0-9._-]")
	}
	key, hash, err := b.newKey()
	if err != nil {
		return nil, err
	}

	dbctx, cancel := b.withTimeout(ctx)
	defer cancel()
	err = b.db.CreateService(dbctx, &db.Service{
		ServiceID:   serviceID,
		APIKeyHash:  hash,
		Active:      true,
		Description: description,
	}, b.clock.Now())
	if errors.Is(err, db.ErrServiceDuplicate) {
		return nil, apperr.New(apperr.CodeServiceExists, "service already registered")
	}
	if err != nil {
		return nil, err
	}
	b.recordKeyRotation(ctx, serviceID, "registered")
	logx.Infof("broker: registered service %s", serviceID)
	return &IssuedKey{ServiceID: serviceID, APIKey: key}, nil
}

// RotateServiceKey replaces a service's API key. The previous key stops
// working immediately.
func (b *Broker) RotateServiceKey(ctx context.Context, serviceID string) (*IssuedKey, error) {
	key, hash, err := b.newKey()
	if err != nil {
		return nil, err
	}
	dbctx, cancel := b.withTimeout(ctx)
	defer cancel()
	ok, err := b.db.UpdateServiceKeyHash(dbctx, serviceID, hash, b.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeServiceNotFound, "service not found")
	}
	b.recordKeyRotation(ctx, serviceID, "rotated")
	logx.Infof("broker: rotated API key for service %s", serviceID)
	return &IssuedKey{ServiceID: serviceID, APIKey: key}, nil
}

// DeactivateService disables a service without deleting its record.
func (b *Broker) DeactivateService(ctx context.Context, serviceID string) error {
	dbctx, cancel := b.withTimeout(ctx)
	defer cancel()
	ok, err := b.db.SetServiceActive(dbctx, serviceID, false, b.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.CodeServiceNotFound, "service not found")
	}
	if b.tracker != nil {
		if _, err := b.tracker.Deactivate(ctx, keyrotation.ServiceKeyID(serviceID)); err != nil {
			logx.Warnf("broker: stop tracking key for %s: %v", serviceID, err)
		}
	}
	logx.Infof("broker: deactivated service %s", serviceID)
	return nil
}

// ListServices returns every registration, active or not.
func (b *Broker) ListServices(ctx context.Context) ([]db.Service, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.db.ListServices(ctx)
}
