// Package kv provides a fast key-value store with persistence using BadgerDB.
// The agent runtime uses it as the memory recall cache.
package kv

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

type KV struct {
	db       *badger.DB
	opts     badger.Options
	closed   bool
	closedMu sync.RWMutex
}

// Options for KV store
type Options struct {
	Dir           string // Data directory
	SyncWrites    bool   // Sync writes to disk
	Compression   bool   // Enable compression
	MemoryMode    bool   // In-memory only (no persistence)
	ValueLogMaxMB int64  // Max value log size in MB
}

// DefaultOptions returns default options
func DefaultOptions(dir string) Options {
	return Options{
		Dir:           dir,
		SyncWrites:    false, // Async for performance
		Compression:   true,
		MemoryMode:    false,
		ValueLogMaxMB: 256, // within valid range [1MB, 2GB)
	}
}

// Open opens a KV store
func Open(opt Options) (*KV, error) {
	if !opt.MemoryMode {
		if opt.Dir == "" {
			opt.Dir = filepath.Join(os.TempDir(), "parley-kv")
		}
	}

	opts := badger.DefaultOptions(opt.Dir)
	opts.SyncWrites = opt.SyncWrites

	if opt.Compression && !opt.MemoryMode {
		opts.Compression = options.ZSTD
	}

	if !opt.MemoryMode && opt.ValueLogMaxMB > 0 {
		opts.ValueLogFileSize = opt.ValueLogMaxMB * 1024 * 1024
	}

	if opt.MemoryMode {
		opts.InMemory = true
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}

	kv := &KV{
		db:   db,
		opts: opts,
	}

	log.Printf("[KV] Opened: %s (memory: %v)", opt.Dir, opt.MemoryMode)
	return kv, nil
}

// OpenMemory opens an in-memory KV, used by tests and ephemeral setups
func OpenMemory() (*KV, error) {
	return Open(Options{MemoryMode: true})
}

// Close closes the KV store
func (k *KV) Close() error {
	k.closedMu.Lock()
	defer k.closedMu.Unlock()

	if k.closed {
		return nil
	}

	k.closed = true
	return k.db.Close()
}

// IsClosed returns if the KV is closed
func (k *KV) IsClosed() bool {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()
	return k.closed
}

// Set sets a key-value pair
func (k *KV) Set(key, value string) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

// SetWithTTL sets a key-value pair with TTL
func (k *KV) SetWithTTL(key, value string, ttl time.Duration) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value)).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Get gets a value by key
func (k *KV) Get(key string) (string, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return "", fmt.Errorf("KV is closed")
	}

	var result string
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		result = string(val)
		return nil
	})
	return result, err
}

// IsNotFound reports whether err is the missing-key error
func IsNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}

// Delete deletes a key
func (k *KV) Delete(key string) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Exists checks if a key exists
func (k *KV) Exists(key string) (bool, error) {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return false, fmt.Errorf("KV is closed")
	}

	exists := false
	err := k.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			exists = false
			return nil
		}
		exists = err == nil
		return err
	})
	return exists, err
}

// Iterate iterates over keys with given prefix
func (k *KV) Iterate(prefix string, fn func(key, value string) bool) error {
	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			if !fn(string(item.Key()), string(val)) {
				break
			}
		}
		return nil
	})
}

// Keys returns all keys matching prefix
func (k *KV) Keys(prefix string) ([]string, error) {
	var keys []string
	err := k.Iterate(prefix, func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	return keys, err
}

// Count returns count of keys matching prefix
func (k *KV) Count(prefix string) (int, error) {
	count := 0
	err := k.Iterate(prefix, func(_, _ string) bool {
		count++
		return true
	})
	return count, err
}

// DeletePrefix deletes all keys with given prefix
func (k *KV) DeletePrefix(prefix string) error {
	keys, err := k.Keys(prefix)
	if err != nil {
		return err
	}

	k.closedMu.RLock()
	defer k.closedMu.RUnlock()

	if k.closed {
		return fmt.Errorf("KV is closed")
	}

	return k.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				log.Printf("[KV] Delete %s failed: %v", key, err)
			}
		}
		return nil
	})
}

// ===== Recall cache helpers =====

// Key prefixes
const (
	PrefixRecall = "recall:"
	PrefixToken  = "token:"
)

// SetRecall caches a formatted memory context block for (session, query hash)
func (k *KV) SetRecall(sessionID, queryHash, block string, ttl time.Duration) error {
	return k.SetWithTTL(PrefixRecall+sessionID+":"+queryHash, block, ttl)
}

// GetRecall returns a cached memory context block, or IsNotFound error
func (k *KV) GetRecall(sessionID, queryHash string) (string, error) {
	return k.Get(PrefixRecall + sessionID + ":" + queryHash)
}

// InvalidateRecall drops all cached recall blocks for a session.
// Called after writes that change what a search could return.
func (k *KV) InvalidateRecall(sessionID string) error {
	return k.DeletePrefix(PrefixRecall + sessionID + ":")
}

// SetTokenCache caches a token count for a session
func (k *KV) SetTokenCache(sessionID string, tokens int) error {
	return k.SetWithTTL(PrefixToken+sessionID, fmt.Sprintf("%d", tokens), 10*time.Minute)
}

// GetTokenCache gets a cached token count
func (k *KV) GetTokenCache(sessionID string) (int, error) {
	val, err := k.Get(PrefixToken + sessionID)
	if err != nil {
		return 0, err
	}
	var tokens int
	fmt.Sscanf(val, "%d", &tokens)
	return tokens, nil
}

// ===== Stats =====

// Stats returns KV store statistics
func (k *KV) Stats() (map[string]interface{}, error) {
	if k.db == nil {
		return nil, fmt.Errorf("KV not initialized")
	}

	var sz int64
	var keyCount int
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(nil); it.Valid(); it.Next() {
			sz += int64(len(it.Item().Key())) + it.Item().EstimatedSize()
			keyCount++
		}
		return nil
	})

	return map[string]interface{}{
		"keys":     keyCount,
		"size_mb":  sz / 1024 / 1024,
		"dir":      k.opts.Dir,
		"inmemory": k.opts.InMemory,
	}, err
}
