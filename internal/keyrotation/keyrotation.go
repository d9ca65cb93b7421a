// Package keyrotation tracks when each class of cryptographic material was
// last rotated and how close it is to its policy deadline.
package keyrotation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/juju/clock"
)

// KeyType is the category of a tracked key.
type KeyType string

const (
	KeyTypeSigning    KeyType = "signing"
	KeyTypeEncryption KeyType = "encryption"
	KeyTypeAPIKey     KeyType = "api_key"
)

// Well-known key ids.
const (
	SigningKeyID    = "jwt-signing-key"
	EncryptionKeyID = "token-encryption-key"
	serviceKeyIDPfx = "service-api-key:"
)

// ServiceKeyID returns the rotation key id for a registered service.
func ServiceKeyID(serviceID string) string { return serviceKeyIDPfx + serviceID }

// Urgency buckets.
type Urgency string

const (
	UrgencyOverdue  Urgency = "overdue"
	UrgencyUrgent   Urgency = "urgent"
	UrgencySoon     Urgency = "soon"
	UrgencyOK       Urgency = "ok"
	UrgencyDisabled Urgency = "disabled"
)

// Policy holds the rotation interval in days for each key type. Zero disables
// tracking for that type.
type Policy struct {
	SigningDays    int
	EncryptionDays int
	APIKeyDays     int
}

func DefaultPolicy() Policy {
	return Policy{SigningDays: 90, EncryptionDays: 180, APIKeyDays: 90}
}

// IntervalFor returns the policy interval for kt.
func (p Policy) IntervalFor(kt KeyType) int {
	switch kt {
	case KeyTypeSigning:
		return p.SigningDays
	case KeyTypeEncryption:
		return p.EncryptionDays
	case KeyTypeAPIKey:
		return p.APIKeyDays
	default:
		return 0
	}
}

// Status is the evaluated rotation state of one key.
type Status struct {
	KeyID             string     `json:"keyId"`
	KeyType           KeyType    `json:"keyType"`
	LastRotatedAt     time.Time  `json:"lastRotatedAt"`
	NextRotationDue   *time.Time `json:"nextRotationDue,omitempty"`
	IntervalDays      int        `json:"rotationIntervalDays"`
	DaysSinceRotation int        `json:"daysSinceRotation"`
	DaysUntilDue      int        `json:"daysUntilDue"`
	Urgency           Urgency    `json:"urgency"`
	Active            bool       `json:"active"`
	Metadata          string     `json:"metadata,omitempty"`
}

const day = 24 * time.Hour

// wholeDays floors d to whole days, rounding toward negative infinity so a
// deadline one second in the past counts as day -1.
func wholeDays(d time.Duration) int {
	return int(math.Floor(float64(d) / float64(day)))
}

// Evaluate computes rotation urgency from the last rotation and the interval.
func Evaluate(lastRotated time.Time, intervalDays int, now time.Time) Status {
	s := Status{
		LastRotatedAt:     lastRotated,
		IntervalDays:      intervalDays,
		DaysSinceRotation: wholeDays(now.Sub(lastRotated)),
	}
	if intervalDays <= 0 {
		s.Urgency = UrgencyDisabled
		return s
	}

	due := lastRotated.Add(time.Duration(intervalDays) * day)
	s.NextRotationDue = &due
	left := due.Sub(now)
	s.DaysUntilDue = wholeDays(left)

	// Buckets use the exact remaining time; DaysUntilDue is for display only.
	switch {
	case left < 0:
		s.Urgency = UrgencyOverdue
	case left < 7*day:
		s.Urgency = UrgencyUrgent
	case left <= 30*day:
		s.Urgency = UrgencySoon
	default:
		s.Urgency = UrgencyOK
	}
	return s
}

// Tracker persists rotation events and reports their status.
type Tracker struct {
	db      *db.Store
	clock   clock.Clock
	policy  Policy
	timeout time.Duration
}

// NewTracker returns a Tracker whose datastore calls are bounded by timeout.
// A non-positive timeout leaves calls bounded only by the caller's context.
func NewTracker(store *db.Store, clk clock.Clock, policy Policy, timeout time.Duration) *Tracker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tracker{db: store, clock: clk, policy: policy, timeout: timeout}
}

func (t *Tracker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

// Policy returns the configured rotation policy.
func (t *Tracker) Policy() Policy { return t.policy }

// RecordRotation marks keyID as rotated now. A negative intervalDays uses the
// policy interval for keyType.
func (t *Tracker) RecordRotation(ctx context.Context, keyID string, keyType KeyType, intervalDays int, metadata string) (*Status, error) {
	if keyID == "" {
		return nil, errors.New("record rotation: key id is required")
	}
	if intervalDays < 0 {
		intervalDays = t.policy.IntervalFor(keyType)
	}

	now := t.clock.Now().UTC().Truncate(time.Second)
	st := Evaluate(now, intervalDays, now)
	rec := &db.KeyRotation{
		KeyID:                keyID,
		KeyType:              string(keyType),
		LastRotatedAt:        now,
		NextRotationDue:      st.NextRotationDue,
		RotationIntervalDays: intervalDays,
		Metadata:             metadata,
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	if err := t.db.UpsertKeyRotation(ctx, rec, now); err != nil {
		return nil, err
	}
	logx.Infof("keyrotation: recorded rotation of %s (%s), interval=%dd", keyID, keyType, intervalDays)

	st.KeyID = keyID
	st.KeyType = keyType
	st.Active = true
	st.Metadata = metadata
	return &st, nil
}

// Deactivate stops tracking keyID without deleting its history.
func (t *Tracker) Deactivate(ctx context.Context, keyID string) (bool, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.db.SetKeyRotationActive(ctx, keyID, false, t.clock.Now())
}

// Status returns the current state of keyID, or nil if it was never recorded.
func (t *Tracker) Status(ctx context.Context, keyID string) (*Status, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	rec, err := t.db.GetKeyRotation(ctx, keyID)
	if err != nil || rec == nil {
		return nil, err
	}
	st := t.evaluate(rec)
	return &st, nil
}

func (t *Tracker) evaluate(rec *db.KeyRotation) Status {
	st := Evaluate(rec.LastRotatedAt, rec.RotationIntervalDays, t.clock.Now())
	st.KeyID = rec.KeyID
	st.KeyType = KeyType(rec.KeyType)
	st.Active = rec.Active
	st.Metadata = rec.Metadata
	return st
}

// Report evaluates every active key, most urgent first. Disabled keys sort last.
func (t *Tracker) Report(ctx context.Context) ([]Status, error) {
	ctx, cancel := t.withTimeout(ctx)
	recs, err := t.db.ListActiveKeyRotations(ctx)
	cancel()
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(recs))
	for i := range recs {
		out = append(out, t.evaluate(&recs[i]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].Urgency == UrgencyDisabled, out[j].Urgency == UrgencyDisabled
		if di != dj {
			return dj
		}
		if out[i].DaysUntilDue != out[j].DaysUntilDue {
			return out[i].DaysUntilDue < out[j].DaysUntilDue
		}
		return out[i].KeyID < out[j].KeyID
	})
	return out, nil
}

// Bootstrap records the signing and encryption keys the first time the
// service starts against an empty datastore.
func (t *Tracker) Bootstrap(ctx context.Context) error {
	for _, k := range []struct {
		id string
		kt KeyType
	}{
		{SigningKeyID, KeyTypeSigning},
		{EncryptionKeyID, KeyTypeEncryption},
	} {
		rec, err := t.Status(ctx, k.id)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", k.id, err)
		}
		if rec != nil {
			continue
		}
		if _, err := t.RecordRotation(ctx, k.id, k.kt, -1, "bootstrap"); err != nil {
			return fmt.Errorf("bootstrap %s: %w", k.id, err)
		}
	}
	return nil
}

// CheckOnStartup logs a warning for each overdue or urgent key. It never
// fails: an overdue rotation must not stop the service.
func (t *Tracker) CheckOnStartup(ctx context.Context) []Status {
	report, err := t.Report(ctx)
	if err != nil {
		logx.Warnf("keyrotation: startup check skipped: %v", err)
		return nil
	}
	var flagged []Status
	for _, st := range report {
		switch st.Urgency {
		case UrgencyOverdue:
			logx.Warnf("keyrotation: %s is OVERDUE by %d day(s) (last rotated %s)",
				st.KeyID, -st.DaysUntilDue, st.LastRotatedAt.Format(time.RFC3339))
			flagged = append(flagged, st)
		case UrgencyUrgent:
			logx.Warnf("keyrotation: %s is due in %d day(s)", st.KeyID, st.DaysUntilDue)
			flagged = append(flagged, st)
		}
	}
	if len(flagged) == 0 {
		logx.Infof("keyrotation: %d tracked key(s), none due within 7 days", len(report))
	}
	return flagged
}
