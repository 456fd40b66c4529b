// internal/safe/safe.go
package safe

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/xxh3"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

const (
	blobPrefix = "blob:"
	hashLength = 32
)

// Safe is a content-addressed blob store kept inside a repository's badger
// database. Identical content is stored once.
type Safe struct {
	db    *badger.DB
	cache *lru.Cache[string, []byte]
	codec *codec
}

// Options configures Safe behavior
type Options struct {
	CacheSize        int // Number of blobs to cache
	CompressionLevel int // 1=fastest .. 4=best
	CompressMinSize  int // Blobs smaller than this are stored raw
}

func DefaultOptions() Options {
	return Options{
		CacheSize:        1000,
		CompressionLevel: 2,
		CompressMinSize:  1024,
	}
}

func New(db *badger.DB, opts Options) (*Safe, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}

	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	c, err := newCodec(opts.CompressionLevel, opts.CompressMinSize)
	if err != nil {
		return nil, err
	}

	return &Safe{db: db, cache: cache, codec: c}, nil
}

// Hash returns the address content would be stored under.
func Hash(content []byte) string {
	sum := xxh3.Hash128(content).Bytes()
	return hex.EncodeToString(sum[:])
}

// Store saves content and returns its hash
func (s *Safe) Store(content []byte) (string, error) {
	var hash string
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		hash, err = s.StoreTxn(txn, content)
		return err
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// StoreTxn saves content as part of an enclosing transaction.
func (s *Safe) StoreTxn(txn *badger.Txn, content []byte) (string, error) {
	hash := Hash(content)
	key := blobKey(hash)

	_, err := txn.Get(key)
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("checking blob %s: %w", hash, err)
	}

	if err := txn.Set(key, s.codec.encode(content)); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", hash, err)
	}
	return hash, nil
}

func (s *Safe) Get(hash string) ([]byte, error) {
	if !isValidHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if cached, ok := s.cache.Get(hash); ok {
		return cached, nil
	}

	var frame []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrContentNotFound, hash)
		}
		if err != nil {
			return err
		}
		frame, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	content, err := s.codec.decode(frame)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}
	if Hash(content) != hash {
		return nil, fmt.Errorf("blob %s failed verification", hash)
	}

	s.cache.Add(hash, content)
	return content, nil
}

func (s *Safe) Exists(hash string) (bool, error) {
	if !isValidHash(hash) {
		return false, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if s.cache.Contains(hash) {
		return true, nil
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(hash))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func blobKey(hash string) []byte {
	return []byte(blobPrefix + hash)
}

func isValidHash(hash string) bool {
	if len(hash) != hashLength {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}
