package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/roach88/resync/internal/record"
	"github.com/roach88/resync/internal/replica"
)

// InsertOrUpdateSample fills an empty scope with record.SampleBatchSize
// random records, or bumps every record already in it. Exactly one of
// inserted and updated is non-zero on success.
func (s *Session) InsertOrUpdateSample(ctx context.Context, ids record.IDGenerator, rng *rand.Rand) (inserted, updated int, err error) {
	existing, err := s.Records(ctx)
	if err != nil {
		return 0, 0, err
	}

	partition := string(s.scope)
	if len(existing) == 0 {
		batch := record.NewSampleBatch(ids, partition, rng)
		err = s.Update(ctx, func(tx replica.Tx) error {
			for _, r := range batch {
				if err := tx.Upsert(ctx, r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, 0, fmt.Errorf("insert sample: %w", err)
		}
		slog.Debug("sample inserted", "location", s.loc, "count", len(batch))
		return len(batch), 0, nil
	}

	err = s.Update(ctx, func(tx replica.Tx) error {
		updated = 0
		for _, r := range existing {
			cur, ok, err := tx.Get(ctx, r.ID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := tx.Upsert(ctx, record.BumpSample(cur)); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("update sample: %w", err)
	}
	slog.Debug("sample updated", "location", s.loc, "count", updated)
	return 0, updated, nil
}
