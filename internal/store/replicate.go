package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/shardblob/internal/index"
	"github.com/hupe1980/shardblob/model"
)

// ApplyReplicated writes a record received from a peer replica. It reports
// whether the record was appended; a record whose effect is already present
// is skipped, so replaying a batch is harmless.
//
//   - PUT is skipped when the key has any record.
//   - DELETE is skipped when the key is already deleted. A tombstone for an
//     unknown key is written so a later PUT cannot resurrect it.
//   - TTL_UPDATE is applied only to a live key whose expiration differs.
//
// The record keeps its creation time and expiration. It gets a local LSN.
func (s *Store) ApplyReplicated(ctx context.Context, rec model.Record) (bool, error) {
	if !rec.Kind.Valid() {
		return false, fmt.Errorf("%w: record kind %d", ErrInvalidArgument, rec.Kind)
	}
	if !validExpiry(rec.ExpiresAt) {
		return false, fmt.Errorf("%w: expiration %d", ErrInvalidArgument, rec.ExpiresAt)
	}
	if err := s.checkWritable(ctx); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, err := s.ix.Find(rec.Key)
	known := err == nil
	if err != nil && !errors.Is(err, index.ErrNotFound) {
		return false, err
	}

	switch rec.Kind {
	case model.KindPut:
		if known && e.State != model.Absent {
			return false, nil
		}
	case model.KindDelete:
		if known && e.State == model.Deleted {
			return false, nil
		}
	case model.KindTTLUpdate:
		if !known || e.State != model.Live || e.ExpiresAt == rec.ExpiresAt {
			return false, nil
		}
	}

	if rec.CreatedAt <= 0 {
		rec.CreatedAt = s.opts.now().UnixMilli()
	}
	if rec.Kind != model.KindPut {
		rec.Payload = nil
	}
	if _, err := s.appendLocked(&rec); err != nil {
		return false, err
	}
	return true, nil
}
