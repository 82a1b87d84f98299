package photos

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	photosBucket = []byte("photos")
	metaBucket   = []byte("meta")
	syncedAtKey  = []byte("synced_at")
)

// Store is the local photo index. Entries keep the order they were saved in.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("photos: store dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("photos: store open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{photosBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("photos: store buckets: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("photos: store close: %w", err)
	}
	return nil
}

// Save replaces the whole index with photos and stamps the sync time.
func (s *Store) Save(ctx context.Context, photos []Photo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	syncedAt, err := s.now().UTC().MarshalBinary()
	if err != nil {
		return fmt.Errorf("photos: store timestamp: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(photosBucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket(photosBucket)
		if err != nil {
			return err
		}
		for i, p := range photos {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode photo %s: %w", p.ID, err)
			}
			if err := bucket.Put(sequenceKey(uint64(i)), data); err != nil {
				return err
			}
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return meta.Put(syncedAtKey, syncedAt)
	})
	if err != nil {
		return fmt.Errorf("photos: store save: %w", err)
	}
	return nil
}

// Page returns the 1-based page of the index with at most limit entries.
func (s *Store) Page(ctx context.Context, page, limit int) ([]Photo, error) {
	if page < 1 || limit < 1 {
		return []Photo{}, nil
	}
	offset := uint64(page-1) * uint64(limit)
	out := make([]Photo, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(photosBucket)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(sequenceKey(offset)); k != nil && len(out) < limit; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var p Photo
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode photo: %w", err)
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("photos: store page: %w", err)
	}
	return out, nil
}

// All returns the whole index.
func (s *Store) All(ctx context.Context) ([]Photo, error) {
	var out []Photo
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(photosBucket)
		if bucket == nil {
			return nil
		}
		out = make([]Photo, 0, bucket.Stats().KeyN)
		return bucket.ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var p Photo
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode photo: %w", err)
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("photos: store all: %w", err)
	}
	return out, nil
}

// Find serves a page of the index, filtered by query when it is not blank.
func (s *Store) Find(ctx context.Context, query string, page, limit int) ([]Photo, error) {
	if query == "" {
		return s.Page(ctx, page, limit)
	}
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return Paginate(Search(query, all), page, limit), nil
}

func (s *Store) Count() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(photosBucket); bucket != nil {
			n = bucket.Stats().KeyN
		}
		return nil
	})
	return n
}

// LastSync reports when the index was last saved.
func (s *Store) LastSync() (time.Time, bool) {
	var ts time.Time
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return nil
		}
		raw := meta.Get(syncedAtKey)
		if raw == nil {
			return nil
		}
		if err := ts.UnmarshalBinary(raw); err == nil {
			found = true
		}
		return nil
	})
	return ts, found
}

// IsValid reports whether the index holds photos synced less than maxAge ago.
func (s *Store) IsValid(maxAge time.Duration) bool {
	last, ok := s.LastSync()
	if !ok || s.Count() == 0 {
		return false
	}
	return s.now().Sub(last) < maxAge
}

func sequenceKey(i uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, i)
	return key
}
