package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/legnlp/crecpipe/internal/model"
)

// SaveCursor persists a fetch cursor for a source.
func (s *Store) SaveCursor(c model.FetchCursor) error {
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(cursorKey(string(c.Source)), val)
	})
}

// LoadCursor returns the cursor for a source, or found=false when no run has
// completed a unit yet.
func (s *Store) LoadCursor(source model.SourceKind) (model.FetchCursor, bool, error) {
	var c model.FetchCursor
	found := false
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(cursorKey(string(source)))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	return c, found, err
}

// SaveBudget persists the rolling-window request budget.
func (s *Store) SaveBudget(b model.RateBudget) error {
	val, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set([]byte(budgetKey), val)
	})
}

// LoadBudget returns the persisted request budget, if any.
func (s *Store) LoadBudget() (model.RateBudget, bool, error) {
	var b model.RateBudget
	found := false
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(budgetKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &b)
		})
	})
	return b, found, err
}

// MarkUnitDone records that a fetch unit completed its store write. Done
// units are never re-issued, which is what makes ingestion re-runnable.
func (s *Store) MarkUnitDone(source model.SourceKind, unit string) error {
	return s.db.Update(func(tx *badger.Txn) error {
		stamp, _ := json.Marshal(time.Now().UTC())
		if err := tx.Set(doneKey(string(source), unit), stamp); err != nil {
			return err
		}
		// A completed unit clears any earlier failure record.
		err := tx.Delete(failKey(string(source), unit))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// IsUnitDone reports whether a fetch unit has already been fully written.
func (s *Store) IsUnitDone(source model.SourceKind, unit string) (bool, error) {
	done := false
	err := s.db.View(func(tx *badger.Txn) error {
		_, err := tx.Get(doneKey(string(source), unit))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// RecordUnitFailure records a unit that exhausted its retry budget. The
// attempt count accumulates across coordinator runs so repeat offenders
// surface instead of silently cycling forever.
func (s *Store) RecordUnitFailure(source model.SourceKind, unit string, cause error) error {
	return s.update(func(tx *badger.Txn) error {
		rec := model.FailedUnit{
			Source:   source,
			Unit:     unit,
			Attempts: 1,
			LastErr:  cause.Error(),
			LastAt:   time.Now().UTC(),
		}
		key := failKey(string(source), unit)
		if item, err := tx.Get(key); err == nil {
			var prev model.FailedUnit
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &prev)
			}); err == nil {
				rec.Attempts = prev.Attempts + 1
			}
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal failed unit: %w", err)
		}
		return tx.Set(key, val)
	})
}

// FailedUnits lists every unit currently surfaced for manual inspection.
func (s *Store) FailedUnits() ([]model.FailedUnit, error) {
	var out []model.FailedUnit
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(failPrefix)
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var f model.FailedUnit
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			})
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}
