// Package store persists the working document on the device.
//
// The local store is the system of record: Save errors are returned to the
// caller, while Load never fails and falls back to the default document. A
// document found only under an older key is migrated once to the current
// key; the old row is left in place until ClearLegacy is called.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/schema"
)

// CurrentKey is the storage key of the current document layout.
const CurrentKey = "quittances_state_v4"

// LegacyKeys are read, in order, when CurrentKey is absent.
var LegacyKeys = []string{"quittances_state_v3", "quittances_state_v2"}

// ErrSave wraps every failure of Save.
var ErrSave = errors.New("local save failed")

// Blobs is the durable key/value storage behind a Store.
// *db.DB satisfies it.
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store loads and saves the document.
type Store struct {
	blobs  Blobs
	logger zerolog.Logger
}

// New creates a Store over blobs.
func New(blobs Blobs, logger zerolog.Logger) *Store {
	return &Store{
		blobs:  blobs,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Load returns the persisted document, migrating a legacy one if needed.
// Missing or unreadable data yields the default document.
func (s *Store) Load(ctx context.Context) schema.Document {
	data, ok, err := s.blobs.Get(ctx, CurrentKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read local state; starting from defaults")
		return schema.Normalize(nil)
	}
	if ok {
		if !json.Valid(data) {
			s.logger.Warn().Str("key", CurrentKey).Msg("local state is not valid JSON; starting from defaults")
		}
		return schema.NormalizeJSON(data)
	}

	for _, key := range LegacyKeys {
		data, ok, err := s.blobs.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("read legacy state")
			continue
		}
		if !ok {
			continue
		}

		doc := schema.NormalizeJSON(data)
		if err := s.Save(ctx, doc); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("write migrated state")
		} else {
			s.logger.Info().Str("from", key).Str("to", CurrentKey).Msg("migrated legacy state")
		}
		return doc
	}

	return schema.Normalize(nil)
}

// Save writes the four document sections under CurrentKey.
func (s *Store) Save(ctx context.Context, doc schema.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrSave, err)
	}
	if err := s.blobs.Put(ctx, CurrentKey, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	return nil
}

// ClearLegacy deletes the rows kept under LegacyKeys. It returns how many
// existed.
func (s *Store) ClearLegacy(ctx context.Context) (int, error) {
	n := 0
	for _, key := range LegacyKeys {
		_, ok, err := s.blobs.Get(ctx, key)
		if err != nil {
			return n, fmt.Errorf("failed to read legacy key %s: %w", key, err)
		}
		if !ok {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			return n, fmt.Errorf("failed to delete legacy key %s: %w", key, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info().Int("keys", n).Msg("cleared legacy state")
	}
	return n, nil
}
