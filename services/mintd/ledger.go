package mintd

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var bucketFired = []byte("fired")

// BoltLedger records which completion transactions have had their
// post-completion notifications sent, so a restart never sends them twice.
type BoltLedger struct {
	db *bolt.DB
}

// NewBoltLedger opens (and migrates) the ledger at path.
func NewBoltLedger(path string, options *bolt.Options) (*BoltLedger, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFired)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltLedger{db: db}, nil
}

// Close releases the database handle.
func (l *BoltLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Claim implements effects.Ledger.
func (l *BoltLedger) Claim(hash common.Hash, tokenID uint64) (bool, error) {
	claimed := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFired)
		if bucket == nil {
			return errors.New("mintd: ledger bucket missing")
		}
		if bucket.Get(hash.Bytes()) != nil {
			return nil
		}
		var value [8]byte
		binary.BigEndian.PutUint64(value[:], tokenID)
		claimed = true
		return bucket.Put(hash.Bytes(), value[:])
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Lookup returns the token id recorded for hash.
func (l *BoltLedger) Lookup(hash common.Hash) (uint64, bool, error) {
	var (
		tokenID uint64
		found   bool
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFired)
		if bucket == nil {
			return nil
		}
		if raw := bucket.Get(hash.Bytes()); len(raw) == 8 {
			tokenID = binary.BigEndian.Uint64(raw)
			found = true
		}
		return nil
	})
	return tokenID, found, err
}
