package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"uploadbot/internal/job"
)

// Fingerprint is the hex SHA-256 of the full media bytes.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FingerprintReader hashes r to EOF.
func FingerprintReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DuplicateIndex answers whether a fingerprint is already live on a
// destination. The store's unique index is the authority; Check only lets
// callers skip work for an obvious duplicate.
type DuplicateIndex struct {
	store Store
}

func NewDuplicateIndex(store Store) *DuplicateIndex { return &DuplicateIndex{store: store} }

// Check returns the id of the live job holding (fingerprint, destination),
// or "" when the pair is free.
func (d *DuplicateIndex) Check(ctx context.Context, fingerprint, destination string) (string, error) {
	j, ok, err := d.store.FindLive(ctx, fingerprint, destination)
	if err != nil {
		return "", storageErr("duplicate check", err)
	}
	if !ok {
		return "", nil
	}
	return j.ID, nil
}

// Register inserts j, claiming (j.Fingerprint, j.Destination). When a live
// job already holds the pair, allowed is false and existingID names it.
func (d *DuplicateIndex) Register(ctx context.Context, j job.Job) (allowed bool, existingID string, err error) {
	err = d.store.Create(ctx, j)
	var de *job.DuplicateError
	switch {
	case err == nil:
		return true, "", nil
	case errors.As(err, &de):
		return false, de.ExistingID, nil
	default:
		return false, "", storageErr("register job", err)
	}
}
