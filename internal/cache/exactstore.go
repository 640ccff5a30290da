package cache

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	bolt "go.etcd.io/bbolt"

	"phi-redactor/internal/templatemap"
)

const exactBucket = "redactor_exact_cache"

// exactStore is the bbolt-backed exact tier: key is sha256(document) +
// policyHash, value is a JSON-encoded Entry. Any retained identifier
// (CachedSpan.OriginalText) is replaced with an HMAC-SHA256 digest before
// it reaches disk, per the cache's "hash and salt any retained identifier"
// invariant; the digest is write-only metadata, never consulted by the
// mapping logic.
type exactStore struct {
	db   *bolt.DB
	salt []byte
}

func newExactStore(path string, salt []byte) (*exactStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open exact cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(exactBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create exact cache bucket: %w", err)
	}
	log.Printf("[CACHE] exact tier opened at %s", path)
	return &exactStore{db: db, salt: salt}, nil
}

func (s *exactStore) get(key string) (Entry, bool) {
	var raw []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(exactBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if raw == nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		log.Printf("[CACHE] exact tier decode error for key %s: %v", key, err)
		return Entry{}, false
	}
	return e, true
}

func (s *exactStore) put(key string, e Entry) error {
	salted := saltEntry(e, s.salt)
	raw, err := json.Marshal(salted)
	if err != nil {
		return fmt.Errorf("encode exact cache entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(exactBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", exactBucket)
		}
		return b.Put([]byte(key), raw)
	})
}

func (s *exactStore) delete(key string) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(exactBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	}); err != nil {
		log.Printf("[CACHE] exact tier delete error for key %s: %v", key, err)
	}
}

func (s *exactStore) close() error {
	return s.db.Close()
}

// saltEntry returns a copy of e with every CachedSpan's OriginalText
// replaced by its salted HMAC-SHA256 digest, so the disk-backed tier never
// retains plaintext PHI fragments.
func saltEntry(e Entry, salt []byte) Entry {
	out := e
	out.Result.Spans = make([]templatemap.CachedSpan, len(e.Result.Spans))
	for i, cs := range e.Result.Spans {
		cs.OriginalText = hashIdentifier(salt, cs.OriginalText)
		out.Result.Spans[i] = cs
	}
	return out
}

func hashIdentifier(salt []byte, value string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
