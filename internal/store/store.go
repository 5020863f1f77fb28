// Package store adapts a key/value database with per-key TTL for the broker.
//
// The contract the broker depends on: atomic single-key set/get/delete,
// per-key expiry, unordered membership sets and a score-ordered index.
// Everything is implemented on BadgerDB; no cross-key transactions are
// offered above single badger transactions.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ErrKeyNotFound is returned when a key is absent or its TTL has elapsed.
var ErrKeyNotFound = errors.New("key not found")

// Key prefixes for the set and sorted-set emulations. Plain values are
// stored under their caller-supplied key unmodified, so callers must not
// use these prefixes themselves.
const (
	setPrefix    = "s:"
	sortedPrefix = "z:"
)

// Store wraps a badger DB with value compression and set/index helpers.
// Values are zstd-compressed transparently; set membership entries carry
// no value and skip the codec.
type Store struct {
	db *badger.DB

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Open opens (or creates) the backing store at the given directory.
// With inMemory set the store lives entirely in RAM; used by tests.
func Open(dir string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithInMemory(inMemory).
		WithLogger(nil)
	if inMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open backing store: %w", err)
	}

	s := &Store{db: db}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}

	log.Info().Str("dir", dir).Bool("in_memory", inMemory).Msg("backing store opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key.
// Returns ErrKeyNotFound when the key is absent or already expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var compressed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}

	value, err := s.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key. A positive ttl makes the key expire on its
// own; ttl <= 0 stores it without expiry. The write is atomic.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	compressed := s.compress(value)

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), compressed)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// SetAdd adds a member to an unordered set. Idempotent.
func (s *Store) SetAdd(ctx context.Context, set, member string) error {
	key := setMemberKey(set, member)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, nil)
	})
	if err != nil {
		return fmt.Errorf("set add %q: %w", set, err)
	}
	return nil
}

// SetRemove removes a member from an unordered set. Idempotent.
func (s *Store) SetRemove(ctx context.Context, set, member string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(setMemberKey(set, member))
	})
	if err != nil {
		return fmt.Errorf("set remove %q: %w", set, err)
	}
	return nil
}

// SetMembers returns all members of an unordered set. Order is undefined
// by contract even though badger iterates keys lexicographically.
func (s *Store) SetMembers(ctx context.Context, set string) ([]string, error) {
	prefix := []byte(setPrefix + escapeName(set) + ":")
	var members []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			members = append(members, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set members %q: %w", set, err)
	}
	return members, nil
}

// SetCard returns the number of members in an unordered set.
func (s *Store) SetCard(ctx context.Context, set string) (int, error) {
	members, err := s.SetMembers(ctx, set)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// SortedAdd inserts or updates a member of a score-ordered index.
func (s *Store) SortedAdd(ctx context.Context, zset, member string, score float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(score))

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sortedMemberKey(zset, member), buf[:])
	})
	if err != nil {
		return fmt.Errorf("sorted add %q: %w", zset, err)
	}
	return nil
}

// SortedRemove removes a member from a score-ordered index. Idempotent.
func (s *Store) SortedRemove(ctx context.Context, zset, member string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sortedMemberKey(zset, member))
	})
	if err != nil {
		return fmt.Errorf("sorted remove %q: %w", zset, err)
	}
	return nil
}

// SortedScore returns the score of a member, or ErrKeyNotFound.
func (s *Store) SortedScore(ctx context.Context, zset, member string) (float64, error) {
	var buf []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sortedMemberKey(zset, member))
		if err != nil {
			return err
		}
		buf, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrKeyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sorted score %q: %w", zset, err)
	}
	if len(buf) != 8 {
		return 0, fmt.Errorf("sorted score %q: malformed entry", zset)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf)), nil
}

// Ping verifies the database is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

// nameEscaper keeps the separator out of escaped set names. Without it a
// set named "owner:a" would shadow the prefix scan of "owner:a:b".
var nameEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// escapeName makes a set or index name safe to embed before the member
// separator. Members form the final key segment and are stored verbatim.
func escapeName(name string) string {
	if !strings.ContainsAny(name, `:\`) {
		return name
	}
	return nameEscaper.Replace(name)
}

func setMemberKey(set, member string) []byte {
	return []byte(setPrefix + escapeName(set) + ":" + member)
}

func sortedMemberKey(zset, member string) []byte {
	return []byte(sortedPrefix + escapeName(zset) + ":" + member)
}

// compress compresses a value using zstd.
func (s *Store) compress(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)

	return enc.EncodeAll(data, nil)
}

// decompress decompresses a zstd-compressed value.
func (s *Store) decompress(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)

	return dec.DecodeAll(data, nil)
}
