package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"quickpaste/metrics"
	"quickpaste/pkg/domain"
)

var (
	pasteBucket  = []byte("pastes")
	expiryBucket = []byte("expiry")
)

var errBucketsMissing = errors.New("bolt buckets not initialized")

// Bolt is a single-file embedded store. The expiry bucket indexes
// records by big-endian expiry second so sweeps walk it in order.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pasteBucket); err != nil {
			return errors.Wrap(err, "create paste bucket")
		}
		if _, err := tx.CreateBucketIfNotExists(expiryBucket); err != nil {
			return errors.Wrap(err, "create expiry bucket")
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) PutIfAbsent(ctx context.Context, rec *domain.PasteRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := *rec
	stored.Attachments = nonNilAttachments(rec.Attachments)
	data, err := json.Marshal(&stored)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		pastes, expiry := tx.Bucket(pasteBucket), tx.Bucket(expiryBucket)
		if pastes == nil || expiry == nil {
			return errBucketsMissing
		}
		if pastes.Get([]byte(rec.ID)) != nil {
			return domain.ErrKeyExists
		}
		if err := pastes.Put([]byte(rec.ID), data); err != nil {
			return errors.Wrap(err, "put paste")
		}
		if rec.ExpiresAt != nil {
			if err := expiry.Put(expiryKey(*rec.ExpiresAt, rec.ID), []byte(rec.ID)); err != nil {
				return errors.Wrap(err, "index expiry")
			}
		}
		return nil
	})
	if err != nil && err != domain.ErrKeyExists {
		metrics.StoreErrors.WithLabelValues("put").Inc()
	}
	return err
}

func (b *Bolt) Get(ctx context.Context, id string) (*domain.PasteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *domain.PasteRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		pastes := tx.Bucket(pasteBucket)
		if pastes == nil {
			return errBucketsMissing
		}
		raw := pastes.Get([]byte(id))
		if raw == nil {
			return domain.ErrPasteNotFound
		}
		var r domain.PasteRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return errors.Wrap(err, "unmarshal paste")
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (b *Bolt) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		pastes := tx.Bucket(pasteBucket)
		if pastes == nil {
			return errBucketsMissing
		}
		found = pastes.Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// DeleteExpired removes records whose expiry is at or before the cutoff.
func (b *Bolt) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := before.Unix()
	var removed int
	err := b.db.Update(func(tx *bolt.Tx) error {
		pastes, expiry := tx.Bucket(pasteBucket), tx.Bucket(expiryBucket)
		if pastes == nil || expiry == nil {
			return errBucketsMissing
		}
		c := expiry.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if int64(binary.BigEndian.Uint64(k[:8])) > cutoff {
				break
			}
			if err := pastes.Delete(v); err != nil {
				return errors.Wrapf(err, "delete expired paste %s", v)
			}
			if err := c.Delete(); err != nil {
				return errors.Wrap(err, "delete expiry index")
			}
			removed++
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("cleanup").Inc()
	}
	return removed, err
}

func (b *Bolt) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(pasteBucket) == nil {
			return errBucketsMissing
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// expiryKey sorts by expiry; negative timestamps clamp to zero.
func expiryKey(expiresAt int64, id string) []byte {
	if expiresAt < 0 {
		expiresAt = 0
	}
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(expiresAt))
	copy(key[8:], id)
	return key
}
