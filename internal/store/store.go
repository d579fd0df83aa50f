// Package store persists the canonical speech table plus the resume state
// (fetch cursors, the rate budget, per-unit ledgers) in a single BadgerDB
// database. All writes are keyed single-row upserts inside transactions, so
// concurrent writers are last-write-wins with no torn field updates.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/legnlp/crecpipe/internal/model"
)

// Store wraps a BadgerDB instance.
type Store struct {
	db       *badger.DB
	priority model.SourcesConfig
	logger   *slog.Logger
}

// badgerLogger adapts slog to the badger.Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any)   { l.logger.Error(fmt.Sprintf(msg, items...)) }
func (l *badgerLogger) Warningf(msg string, items ...any) { l.logger.Warn(fmt.Sprintf(msg, items...)) }
func (l *badgerLogger) Infof(msg string, items ...any)    { l.logger.Debug(fmt.Sprintf(msg, items...)) }
func (l *badgerLogger) Debugf(msg string, items ...any)   { l.logger.Debug(fmt.Sprintf(msg, items...)) }

// Open opens (or creates) the store at path. An empty path opens an
// in-memory store, used by tests.
func Open(path string, priority model.SourcesConfig) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogger{logger: slog.Default()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &Store{
		db:       db,
		priority: priority,
		logger:   slog.Default(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// maxTxnRetries bounds re-execution of read-modify-write transactions that
// lose Badger's SSI conflict check.
const maxTxnRetries = 10

// update runs fn in a read-write transaction, re-executing it when the
// commit fails with ErrConflict. Rereading inside each attempt makes
// concurrent writers to the same key last-write-wins instead of surfacing
// the conflict to the caller.
func (s *Store) update(fn func(tx *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}
	return err
}

// Upsert inserts or replaces a speech keyed by speech_id. Ingestion writes
// never carry classification fields: replacement preserves any label/score
// already set on the stored row. A collision with a row ingested from a
// higher-priority source keeps the existing row unchanged.
func (s *Store) Upsert(sp model.Speech) error {
	if sp.SpeechID == "" {
		return fmt.Errorf("upsert: empty speech_id")
	}
	// Rows enter the store unclassified; classification is applied only
	// through WriteClassification.
	sp.Label = model.LabelUnclassified
	sp.Score = nil

	return s.update(func(tx *badger.Txn) error {
		// Work on a copy so a conflict retry re-reads from a clean slate.
		row := sp
		key := speechKey(row.SpeechID)
		existing, err := getSpeech(tx, key)
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == nil {
			if s.priority.Rank(existing.Source) < s.priority.Rank(row.Source) {
				// Last-write-by-source-priority: the stored row wins.
				return nil
			}
			row.Label = existing.Label
			row.Score = existing.Score
		}
		val, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal speech: %w", err)
		}
		return tx.Set(key, val)
	})
}

// Get returns the speech with the given id.
func (s *Store) Get(id string) (model.Speech, bool, error) {
	var sp model.Speech
	found := false
	err := s.db.View(func(tx *badger.Txn) error {
		got, err := getSpeech(tx, speechKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		sp = got
		found = true
		return nil
	})
	return sp, found, err
}

// ScanUnclassified returns up to limit unclassified speeches with speech_id
// strictly greater than after, in ascending id order. Calling it again with
// the last returned id resumes the scan without skipping or duplicating
// rows across batch boundaries.
func (s *Store) ScanUnclassified(limit int, after string) ([]model.Speech, error) {
	var out []model.Speech
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(speechPrefix)
		it := tx.NewIterator(opts)
		defer it.Close()

		start := []byte(speechPrefix)
		if after != "" {
			start = append(speechKey(after), 0)
		}
		for it.Seek(start); it.Valid() && len(out) < limit; it.Next() {
			var sp model.Speech
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sp)
			})
			if err != nil {
				return fmt.Errorf("unmarshal speech: %w", err)
			}
			if sp.Label != model.LabelUnclassified {
				continue
			}
			out = append(out, sp)
		}
		return nil
	})
	return out, err
}

// Classification is one classification result to be written back.
type Classification struct {
	SpeechID string
	Label    model.Label
	Score    float64
}

// WriteClassification atomically updates the label and score of one row.
// It is a silent no-op if the id no longer exists.
func (s *Store) WriteClassification(id string, label model.Label, score float64) error {
	return s.WriteClassifications([]Classification{{SpeechID: id, Label: label, Score: score}})
}

// WriteClassifications applies a batch of classification results in one
// transaction: either every row's label and score is written or none is.
// Missing ids are skipped silently.
func (s *Store) WriteClassifications(batch []Classification) error {
	if len(batch) == 0 {
		return nil
	}
	return s.update(func(tx *badger.Txn) error {
		for _, c := range batch {
			if !c.Label.Valid() {
				return fmt.Errorf("invalid label %q for %s", c.Label, c.SpeechID)
			}
			key := speechKey(c.SpeechID)
			sp, err := getSpeech(tx, key)
			if err == badger.ErrKeyNotFound {
				continue // row deleted externally
			}
			if err != nil {
				return err
			}
			sp.Label = c.Label
			score := c.Score
			sp.Score = &score
			val, err := json.Marshal(sp)
			if err != nil {
				return fmt.Errorf("marshal speech: %w", err)
			}
			if err := tx.Set(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountByLabel returns row counts keyed by classification label. It is the
// read surface behind the status command and the presentation layer's
// coverage queries.
func (s *Store) CountByLabel() (map[model.Label]int, error) {
	counts := map[model.Label]int{}
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(speechPrefix)
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var sp model.Speech
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sp)
			})
			if err != nil {
				return err
			}
			counts[sp.Label]++
		}
		return nil
	})
	return counts, err
}

func getSpeech(tx *badger.Txn, key []byte) (model.Speech, error) {
	var sp model.Speech
	item, err := tx.Get(key)
	if err != nil {
		return sp, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sp)
	})
	return sp, err
}
