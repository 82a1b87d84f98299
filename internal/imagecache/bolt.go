package imagecache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/l0p7/picsum/internal/logging"
	bolt "go.etcd.io/bbolt"
)

var imagesBucket = []byte("images")

// BoltTier keeps every entry in a single bbolt database file. It is the
// alternative persistent tier for hosts where many small files are costly.
type BoltTier struct {
	db     *bolt.DB
	logger *slog.Logger
}

func OpenBolt(path string, logger *slog.Logger) (*BoltTier, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("imagecache: bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("imagecache: bolt open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(imagesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("imagecache: bolt bucket: %w", err)
	}
	return &BoltTier{db: db, logger: logger.With(slog.String("tier", "bolt"))}, nil
}

func (b *BoltTier) Name() string { return "bolt" }

func (b *BoltTier) Get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(imagesBucket)
		if bucket == nil {
			return nil
		}
		// Values are only valid for the life of the transaction.
		out = cloneBytes(bucket.Get([]byte(key)))
		return nil
	})
	if err != nil {
		b.logger.Debug("cache read failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return out, out != nil
}

func (b *BoltTier) Set(key string, value []byte) {
	if key == "" {
		return
	}
	v := cloneBytes(value)
	if v == nil {
		v = []byte{}
	}
	err := b.db.Batch(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(imagesBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), v)
	})
	if err != nil {
		b.logger.Debug("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (b *BoltTier) Remove(key string) {
	if key == "" {
		return
	}
	err := b.db.Batch(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(imagesBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		b.logger.Debug("cache remove failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Clear drops and recreates the bucket in one transaction.
func (b *BoltTier) Clear() {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(imagesBucket) != nil {
			if err := tx.DeleteBucket(imagesBucket); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(imagesBucket)
		return err
	})
	if err != nil {
		b.logger.Warn("cache clear failed", slog.Any("error", err))
	}
}

func (b *BoltTier) Close() error {
	return b.db.Close()
}
