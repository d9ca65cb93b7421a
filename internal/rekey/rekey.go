// Package rekey migrates stored third-party token envelopes from one master
// key to another.
//
// Both keys are passed explicitly; the running service's configured key is
// never mutated. Each batch commits on its own, so an interrupted run leaves
// a consistent mix of old and new envelopes and can resume from the cursor
// of the last committed batch.
package rekey

import (
	"context"
	"errors"
	"fmt"

	"github.com/aspect-build/authgate/internal/crypto"
	"github.com/aspect-build/authgate/internal/keyrotation"
	"github.com/aspect-build/authgate/internal/logx"
	"github.com/aspect-build/authgate/internal/server/db"
	"github.com/juju/clock"
)

const DefaultBatchSize = 100

// ErrUndecryptable means an envelope opens under neither key. The run stops
// rather than dropping or overwriting the credential.
var ErrUndecryptable = errors.New("envelope decrypts under neither old nor new key")

// Job re-encrypts every stored envelope from OldKey to NewKey.
type Job struct {
	Store     *db.Store
	OldKey    []byte
	NewKey    []byte
	BatchSize int
	// Tracker, when set, records the encryption key rotation once the run
	// completes.
	Tracker *keyrotation.Tracker
	Clock   clock.Clock
	// OnBatch is called after each committed batch.
	OnBatch func(Result)
}

// Result summarises a run. Cursor is the last identity id whose batch was
// committed; pass it to Run to resume.
type Result struct {
	Scanned         int    `json:"scanned"`
	Migrated        int    `json:"migrated"`
	AlreadyMigrated int    `json:"alreadyMigrated"`
	Conflicts       int    `json:"conflicts"`
	Cursor          string `json:"cursor"`
	Done            bool   `json:"done"`
}

func (j *Job) validate() error {
	if j.Store == nil {
		return errors.New("rekey: store is required")
	}
	if len(j.OldKey) < crypto.MinMasterKeyLen || len(j.NewKey) < crypto.MinMasterKeyLen {
		return fmt.Errorf("rekey: both keys must be at least %d bytes", crypto.MinMasterKeyLen)
	}
	if string(j.OldKey) == string(j.NewKey) {
		return errors.New("rekey: old and new keys are identical")
	}
	return nil
}

// Run migrates envelopes for identities with id > cursor.
func (j *Job) Run(ctx context.Context, cursor string) (Result, error) {
	res := Result{Cursor: cursor}
	if err := j.validate(); err != nil {
		return res, err
	}
	batchSize := j.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	clk := j.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch, err := j.Store.ListIdentitiesWithTokens(ctx, res.Cursor, batchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}

		var updates []db.EnvelopeUpdate
		for _, ident := range batch {
			res.Scanned++
			u, changed, err := j.reencrypt(ident)
			if err != nil {
				return res, fmt.Errorf("identity %s: %w", ident.ID, err)
			}
			if !changed {
				res.AlreadyMigrated++
				continue
			}
			updates = append(updates, u)
		}

		if len(updates) > 0 {
			n, err := j.Store.ReplaceTokenEnvelopes(ctx, updates, clk.Now())
			if err != nil {
				return res, err
			}
			res.Migrated += n
			if n < len(updates) {
				res.Conflicts += len(updates) - n
				logx.Warnf("rekey: %d identity row(s) changed during migration; rerun to pick them up", len(updates)-n)
			}
		}

		res.Cursor = batch[len(batch)-1].ID
		logx.Infof("rekey: committed batch up to %s (scanned=%d migrated=%d)", res.Cursor, res.Scanned, res.Migrated)
		if j.OnBatch != nil {
			j.OnBatch(res)
		}
		if len(batch) < batchSize {
			break
		}
	}

	res.Done = true
	if j.Tracker != nil && res.Conflicts == 0 {
		meta := fmt.Sprintf("reencrypted %d identities", res.Migrated)
		if _, err := j.Tracker.RecordRotation(ctx, keyrotation.EncryptionKeyID, keyrotation.KeyTypeEncryption, -1, meta); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (j *Job) reencrypt(ident db.Identity) (db.EnvelopeUpdate, bool, error) {
	u := db.EnvelopeUpdate{
		IdentityID:     ident.ID,
		OldAccessToken: ident.AccessTokenEncrypted,
		OldRefresh:     ident.RefreshTokenEncrypted,
	}
	access, accessChanged, err := j.reencryptField(ident.AccessTokenEncrypted)
	if err != nil {
		return u, false, fmt.Errorf("access token: %w", err)
	}
	refresh, refreshChanged, err := j.reencryptField(ident.RefreshTokenEncrypted)
	if err != nil {
		return u, false, fmt.Errorf("refresh token: %w", err)
	}
	u.NewAccessToken = access
	u.NewRefresh = refresh
	return u, accessChanged || refreshChanged, nil
}

func (j *Job) reencryptField(envelope string) (string, bool, error) {
	if envelope == "" {
		return "", false, nil
	}
	plain, err := crypto.DecryptWithKey(envelope, j.OldKey)
	if err != nil {
		if _, newErr := crypto.DecryptWithKey(envelope, j.NewKey); newErr == nil {
			return envelope, false, nil
		}
		return "", false, ErrUndecryptable
	}
	sealed, err := crypto.EncryptWithKey(plain, j.NewKey)
	if err != nil {
		return "", false, err
	}
	return sealed, true, nil
}
