package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor"
	"go.etcd.io/bbolt"

	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
)

var (
	storageBucket  = []byte("storage")
	blocksBucket   = []byte("blocks")
	numbersBucket  = []byte("numbers")
	prefixesBucket = []byte("prefixes")
	diffsBucket    = []byte("diffs")

	allBuckets = [][]byte{storageBucket, blocksBucket, numbersBucket, prefixesBucket, diffsBucket}
)

// CacheDirectoryName is the directory created in the working directory to hold cache files.
const CacheDirectoryName = ".subforkcache"

// persistentCache provides a thread-safe cache for storing storage entries that persists the cache to disk.
type persistentCache struct {
	memCache *nonPersistentStorageCache
	db       *bbolt.DB

	pendingWriteMutex sync.Mutex
	pendingWrites     []pendingWrite
	flushThreshold    int

	closeOnce sync.Once
	closeErr  error
}

type pendingWrite struct {
	bucket []byte
	key    []byte
	value  []byte
}

// NewPersistentCache opens (or creates) the cache file for an endpoint and fork block inside workingDir. The database
// is closed when ctx is cancelled.
func NewPersistentCache(ctx context.Context, workingDir string, rpcAddr string, height uint32) (StorageCache, error) {
	return newPersistentCache(ctx, workingDir, rpcAddr, height)
}

func newPersistentCache(ctx context.Context, workingDir string, rpcAddr string, height uint32) (*persistentCache, error) {
	cacheDir, err := createCacheDirectory(workingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	cacheFile := filepath.Join(cacheDir, getCacheFilename(rpcAddr, height))
	db, err := bbolt.Open(cacheFile, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open db: %v", err)
	}

	// create default buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	p := &persistentCache{
		memCache:       newNonPersistentStorageCache(),
		db:             db,
		flushThreshold: 25,
		pendingWrites:  []pendingWrite{},
	}

	// close db if context cancelled
	go func() {
		<-ctx.Done()
		if err := p.Close(); err != nil {
			logging.GlobalLogger.Error("Error closing storage cache database", err)
		}
	}()

	return p, nil
}

func storageKey(block types.Hash, key []byte) []byte {
	out := make([]byte, 0, types.HashLength+len(key))
	out = append(out, block[:]...)
	return append(out, key...)
}

func numberKey(number uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, number)
	return b
}

// persistedBlock is the on-disk form of a BlockRecord. cbor writes fixed size arrays as byte strings but cannot read
// them back into arrays, so hashes are kept as slices.
type persistedBlock struct {
	Number     uint32   `cbor:"1,keyasint"`
	Hash       []byte   `cbor:"2,keyasint"`
	ParentHash []byte   `cbor:"3,keyasint"`
	Header     []byte   `cbor:"4,keyasint"`
	Extrinsics [][]byte `cbor:"5,keyasint,omitempty"`
	HasBody    bool     `cbor:"6,keyasint,omitempty"`
}

func newPersistedBlock(record *BlockRecord) *persistedBlock {
	return &persistedBlock{
		Number:     record.Number,
		Hash:       record.Hash.Bytes(),
		ParentHash: record.ParentHash.Bytes(),
		Header:     record.Header,
		Extrinsics: record.Extrinsics,
		HasBody:    record.HasBody,
	}
}

func (b *persistedBlock) record() (*BlockRecord, error) {
	hash, err := persistedHash(b.Hash)
	if err != nil {
		return nil, err
	}
	parentHash, err := persistedHash(b.ParentHash)
	if err != nil {
		return nil, err
	}
	return &BlockRecord{
		Number:     b.Number,
		Hash:       hash,
		ParentHash: parentHash,
		Header:     b.Header,
		Extrinsics: b.Extrinsics,
		HasBody:    b.HasBody,
	}, nil
}

// persistedHash converts a stored hash back, rejecting values of the wrong length.
func persistedHash(b []byte) (types.Hash, error) {
	if len(b) != types.HashLength {
		return types.Hash{}, fmt.Errorf("corrupt cache entry: hash of %d bytes", len(b))
	}
	return types.BytesToHash(b), nil
}

func (p *persistentCache) getFromPersist(bucket []byte, key []byte, value any) (bool, error) {
	found := false
	err := p.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(data, value)
	})
	if err != nil {
		return false, fmt.Errorf("could not get value: %v", err)
	}
	return found, nil
}

func (p *persistentCache) writeToPersist(bucket []byte, key []byte, value any) error {
	serialized, err := cbor.Marshal(value, cbor.EncOptions{})
	if err != nil {
		return err
	}
	p.pendingWriteMutex.Lock()
	defer p.pendingWriteMutex.Unlock()

	p.pendingWrites = append(p.pendingWrites, pendingWrite{bucket: bucket, key: key, value: serialized})
	if len(p.pendingWrites) >= p.flushThreshold {
		return p.flushWrites()
	}
	return nil
}

// flush writes every pending write to disk.
func (p *persistentCache) flush() error {
	p.pendingWriteMutex.Lock()
	defer p.pendingWriteMutex.Unlock()
	return p.flushWrites()
}

// flushWrites must be called with pendingWriteMutex held.
func (p *persistentCache) flushWrites() error {
	if len(p.pendingWrites) == 0 {
		return nil
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		for _, pw := range p.pendingWrites {
			if err := tx.Bucket(pw.bucket).Put(pw.key, pw.value); err != nil {
				return err
			}
		}
		p.pendingWrites = p.pendingWrites[:0]
		return nil
	})
}

func (p *persistentCache) Get(block types.Hash, key []byte) (*CachedValue, error) {
	if value, err := p.memCache.Get(block, key); err == nil {
		return value, nil
	}
	value := &CachedValue{}
	exists, err := p.getFromPersist(storageBucket, storageKey(block, key), value)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCacheMiss
	}
	return value, p.memCache.Set(block, key, value)
}

func (p *persistentCache) Set(block types.Hash, key []byte, value *CachedValue) error {
	if err := p.memCache.Set(block, key, value); err != nil {
		return err
	}
	return p.writeToPersist(storageBucket, storageKey(block, key), value)
}

func (p *persistentCache) GetBatch(block types.Hash, keys [][]byte) ([]*CachedValue, error) {
	out, err := p.memCache.GetBatch(block, keys)
	if err != nil {
		return nil, err
	}
	var loadedKeys [][]byte
	var loaded []*CachedValue
	err = p.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(storageBucket)
		for i, key := range keys {
			if out[i] != nil {
				continue
			}
			data := bucket.Get(storageKey(block, key))
			if data == nil {
				continue
			}
			value := &CachedValue{}
			if err := cbor.Unmarshal(data, value); err != nil {
				return err
			}
			out[i] = value
			loadedKeys = append(loadedKeys, key)
			loaded = append(loaded, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not get values: %v", err)
	}
	if len(loaded) > 0 {
		if err := p.memCache.SetBatch(block, loadedKeys, loaded); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *persistentCache) SetBatch(block types.Hash, keys [][]byte, values []*CachedValue) error {
	if err := p.memCache.SetBatch(block, keys, values); err != nil {
		return err
	}
	for i, key := range keys {
		if err := p.writeToPersist(storageBucket, storageKey(block, key), values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *persistentCache) NextKey(block types.Hash, prefix []byte, after []byte) ([]byte, error) {
	if err := p.flush(); err != nil {
		return nil, err
	}
	seekPrefix := storageKey(block, prefix)
	start := seekPrefix
	if bytes.Compare(after, prefix) > 0 {
		start = storageKey(block, after)
	}
	var next []byte
	err := p.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(storageBucket).Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, seekPrefix); k, v = c.Next() {
			key := k[types.HashLength:]
			if bytes.Equal(key, after) {
				continue
			}
			var value CachedValue
			if err := cbor.Unmarshal(v, &value); err != nil {
				return err
			}
			if !value.Exists {
				continue
			}
			next = append([]byte{}, key...)
			return nil
		}
		return nil
	})
	return next, err
}

func (p *persistentCache) GetBlock(hash types.Hash) (*BlockRecord, error) {
	if record, err := p.memCache.GetBlock(hash); err == nil {
		return record, nil
	}
	var persisted persistedBlock
	exists, err := p.getFromPersist(blocksBucket, hash[:], &persisted)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCacheMiss
	}
	record, err := persisted.record()
	if err != nil {
		return nil, err
	}
	return record, p.memCache.SetBlock(record)
}

func (p *persistentCache) GetBlockByNumber(number uint32) (*BlockRecord, error) {
	if record, err := p.memCache.GetBlockByNumber(number); err == nil {
		return record, nil
	}
	var raw []byte
	exists, err := p.getFromPersist(numbersBucket, numberKey(number), &raw)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCacheMiss
	}
	hash, err := persistedHash(raw)
	if err != nil {
		return nil, err
	}
	return p.GetBlock(hash)
}

func (p *persistentCache) SetBlock(record *BlockRecord) error {
	if err := p.memCache.SetBlock(record); err != nil {
		return err
	}
	if err := p.writeToPersist(blocksBucket, record.Hash.Bytes(), newPersistedBlock(record)); err != nil {
		return err
	}
	return p.writeToPersist(numbersBucket, numberKey(record.Number), record.Hash.Bytes())
}

func (p *persistentCache) GetPrefixProgress(block types.Hash, prefix []byte) (*PrefixProgress, error) {
	if progress, err := p.memCache.GetPrefixProgress(block, prefix); err == nil {
		return progress, nil
	}
	progress := &PrefixProgress{}
	exists, err := p.getFromPersist(prefixesBucket, storageKey(block, prefix), progress)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCacheMiss
	}
	return progress, p.memCache.SetPrefixProgress(block, prefix, progress)
}

func (p *persistentCache) SetPrefixProgress(block types.Hash, prefix []byte, progress *PrefixProgress) error {
	if err := p.memCache.SetPrefixProgress(block, prefix, progress); err != nil {
		return err
	}
	return p.writeToPersist(prefixesBucket, storageKey(block, prefix), progress)
}

func (p *persistentCache) GetDiff(block types.Hash) ([]StorageChange, error) {
	if diff, err := p.memCache.GetDiff(block); err == nil {
		return diff, nil
	}
	var diff []StorageChange
	exists, err := p.getFromPersist(diffsBucket, block[:], &diff)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCacheMiss
	}
	return diff, p.memCache.SetDiff(block, diff)
}

func (p *persistentCache) SetDiff(block types.Hash, changes []StorageChange) error {
	if err := p.memCache.SetDiff(block, changes); err != nil {
		return err
	}
	if err := p.writeToPersist(diffsBucket, block.Bytes(), changes); err != nil {
		return err
	}
	// Committed diffs are durable as soon as SetDiff returns.
	return p.flush()
}

func (p *persistentCache) Prune(block types.Hash) error {
	if err := p.memCache.Prune(block); err != nil {
		return err
	}
	if err := p.flush(); err != nil {
		return err
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{storageBucket, prefixesBucket} {
			c := tx.Bucket(name).Cursor()
			for k, _ := c.Seek(block[:]); k != nil && bytes.HasPrefix(k, block[:]); k, _ = c.Seek(block[:]) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		blocks := tx.Bucket(blocksBucket)
		if data := blocks.Get(block[:]); data != nil {
			var record persistedBlock
			if err := cbor.Unmarshal(data, &record); err != nil {
				return err
			}
			numbers := tx.Bucket(numbersBucket)
			if data := numbers.Get(numberKey(record.Number)); data != nil {
				var indexed []byte
				if err := cbor.Unmarshal(data, &indexed); err != nil {
					return err
				}
				if bytes.Equal(indexed, block[:]) {
					if err := numbers.Delete(numberKey(record.Number)); err != nil {
						return err
					}
				}
			}
			if err := blocks.Delete(block[:]); err != nil {
				return err
			}
		}
		return tx.Bucket(diffsBucket).Delete(block[:])
	})
}

func (p *persistentCache) Close() error {
	p.closeOnce.Do(func() {
		if err := p.flush(); err != nil {
			p.closeErr = err
			_ = p.db.Close()
			return
		}
		p.closeErr = p.db.Close()
	})
	return p.closeErr
}

func createCacheDirectory(workingDir string) (string, error) {
	cachePath := filepath.Join(workingDir, CacheDirectoryName)
	_, err := os.Stat(cachePath)
	if os.IsNotExist(err) {
		// Create directory with 0755 permissions if it doesn't exist
		err = os.Mkdir(cachePath, 0755)
		if err != nil {
			return "", fmt.Errorf("failed to create cache directory: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to check cache directory: %w", err)
	}
	return cachePath, nil
}

func getCacheFilename(rpcAddr string, height uint32) string {
	h := sha256.New()
	h.Write([]byte(rpcAddr))
	bs := h.Sum(nil)

	return fmt.Sprintf("%d-%x.dat", height, bs[0:10])
}

func errBatchLength(keys int, values int) error {
	return fmt.Errorf("batch has %d keys but %d values", keys, values)
}
