// Package nonce is an explicitly expiring key set backed by bbolt. Entries are
// never evicted on access; a scheduled sweep removes them once their TTL has
// passed.
package nonce

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	bbolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// ErrEmptyKey is returned for blank keys.
var ErrEmptyKey = errors.New("nonce: key required")

// Store records keys with an absolute expiry.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (or creates) the store file at path.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("nonce: path required")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("nonce: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutIfAbsent records key until now+ttl. It reports false when a live entry
// already exists. An expired entry that has not been swept yet counts as absent.
func (s *Store) PutIfAbsent(key string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		return false, fmt.Errorf("nonce: ttl must be positive")
	}
	now := s.now()
	inserted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if raw := bucket.Get([]byte(key)); raw != nil && !expired(raw, now) {
			return nil
		}
		inserted = true
		return bucket.Put([]byte(key), encodeExpiry(now.Add(ttl)))
	})
	if err != nil {
		return false, fmt.Errorf("nonce: put: %w", err)
	}
	return inserted, nil
}

// Delete removes key regardless of expiry.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *Store) Sweep() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			if expired(v, now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("nonce: sweep: %w", err)
	}
	return removed, nil
}

// ScheduleSweep registers a periodic sweep on the scheduler. onSwept receives
// the number of entries removed by each run.
func ScheduleSweep(sched gocron.Scheduler, s *Store, every time.Duration, logger *slog.Logger, onSwept func(int)) (gocron.Job, error) {
	if every <= 0 {
		every = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			removed, err := s.Sweep()
			if err != nil {
				logger.ErrorContext(context.Background(), "nonce sweep failed", slog.Any("error", err))
				return
			}
			if onSwept != nil {
				onSwept(removed)
			}
			if removed > 0 {
				logger.Debug("nonce sweep", slog.Int("removed", removed))
			}
		}),
		gocron.WithName("nonce-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}

func encodeExpiry(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func expired(raw []byte, now time.Time) bool {
	if len(raw) != 8 {
		return true
	}
	return int64(binary.BigEndian.Uint64(raw)) <= now.UnixNano()
}
