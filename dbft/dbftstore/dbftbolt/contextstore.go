// Package dbftbolt contains dbftstore implementations backed by bbolt.
package dbftbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftcodec"
	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/gordian-engine/dbft/dbft/dbftstore"
	"go.etcd.io/bbolt"
)

var (
	bucketConsensus = []byte("consensus")
	bucketMetadata  = []byte("metadata")

	keyRoundSnapshot = []byte("round")
	keyDBVersion     = []byte("version")
)

const dbVersion = 1

var errNoBucket = errors.New("consensus bucket not found")

// ContextStore is a [dbftstore.ContextStore] in a single bbolt file.
type ContextStore struct {
	db    *bbolt.DB
	codec dbftcodec.MarshalCodec
}

var _ dbftstore.ContextStore = (*ContextStore)(nil)

// NewContextStore opens or creates the database at path.
// Call Close when done.
func NewContextStore(path string, codec dbftcodec.MarshalCodec) (*ContextStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(initBuckets); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return &ContextStore{db: db, codec: codec}, nil
}

func initBuckets(tx *bbolt.Tx) error {
	if _, err := tx.CreateBucketIfNotExists(bucketConsensus); err != nil {
		return fmt.Errorf("create bucket %q: %w", bucketConsensus, err)
	}

	meta, err := tx.CreateBucketIfNotExists(bucketMetadata)
	if err != nil {
		return fmt.Errorf("create bucket %q: %w", bucketMetadata, err)
	}

	if v := meta.Get(keyDBVersion); v != nil {
		if len(v) != 8 {
			return fmt.Errorf("invalid database version %x", v)
		}
		if got := binary.BigEndian.Uint64(v); got != dbVersion {
			return fmt.Errorf("unsupported database version %d (want %d)", got, dbVersion)
		}
		return nil
	}
	return meta.Put(keyDBVersion, binary.BigEndian.AppendUint64(nil, dbVersion))
}

func (s *ContextStore) Close() error {
	return s.db.Close()
}

func (s *ContextStore) SaveRoundSnapshot(_ context.Context, snap dbftconsensus.RoundSnapshot) error {
	data, err := s.codec.MarshalRoundSnapshot(snap)
	if err != nil {
		return fmt.Errorf("serializing round snapshot: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConsensus)
		if b == nil {
			return errNoBucket
		}
		return b.Put(keyRoundSnapshot, data)
	})
}

func (s *ContextStore) LoadRoundSnapshot(context.Context) (dbftconsensus.RoundSnapshot, error) {
	var snap dbftconsensus.RoundSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConsensus)
		if b == nil {
			return errNoBucket
		}

		// The value is only valid for the life of the transaction,
		// but unmarshaling copies what it keeps.
		v := b.Get(keyRoundSnapshot)
		if v == nil {
			return dbftstore.ErrNoSnapshot
		}
		if err := s.codec.UnmarshalRoundSnapshot(v, &snap); err != nil {
			return fmt.Errorf("loading round snapshot: %w", err)
		}
		return nil
	})
	return snap, err
}

func (s *ContextStore) ClearRoundSnapshot(context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConsensus)
		if b == nil {
			return errNoBucket
		}
		return b.Delete(keyRoundSnapshot)
	})
}
