package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var logsBucket = []byte("logs")

// Store persists log entries in an embedded key-value database.
// Keys order entries by time.
type Store struct {
	db  *bbolt.DB
	seq uint32
}

// NewStore opens or creates the database at path.
func NewStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// entry keys are the timestamp with a sequence suffix, so that entries with
// equal timestamps stay distinct and ordered by insertion.
func (s *Store) nextKey(t UnixMillisecond) []byte {
	s.seq++
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key, uint64(t))
	binary.BigEndian.PutUint32(key[8:], s.seq)
	return key
}

// Save writes one entry.
func (s *Store) Save(entry Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(logsBucket).Put(s.nextKey(entry.Time), value)
	})
}

// SaveLogs subscribes to the logger and persists every entry until ctx is
// canceled.
func (s *Store) SaveLogs(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-feed:
			if !ok {
				return
			}
			s.Save(entry) //nolint:errcheck
		}
	}
}

// Query selects log entries.
type Query struct {
	// minimum severity. Zero means all levels.
	Level Level

	// only entries from these sources. Empty means all sources.
	Sources []string

	// only entries before this time. Zero means no upper bound.
	Before UnixMillisecond

	// maximum number of entries. Zero means no limit.
	Limit int
}

func (q Query) matches(entry Entry) bool {
	if q.Level != 0 && entry.Level > q.Level {
		return false
	}
	if len(q.Sources) == 0 {
		return true
	}
	for _, src := range q.Sources {
		if entry.Src == src {
			return true
		}
	}
	return false
}

// Query returns matching entries, newest first.
func (s *Store) Query(q Query) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()

		var k, v []byte
		if q.Before != 0 {
			max := make([]byte, 12)
			binary.BigEndian.PutUint64(max, uint64(q.Before))
			c.Seek(max)
			k, v = c.Prev()
		} else {
			k, v = c.Last()
		}

		for ; k != nil; k, v = c.Prev() {
			if q.Limit != 0 && len(entries) >= q.Limit {
				return nil
			}

			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}

			if q.matches(entry) {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	return entries, err
}
