// Package archive provides persistent storage for compiled Cadence script
// images.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/X1-Cadence/internal/types"
	"github.com/fortiblox/X1-Cadence/pkg/image"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

var (
	// ErrNotFound is returned when a script doesn't exist.
	ErrNotFound = errors.New("script not found in archive")

	// ErrClosed is returned when operating on a closed archive.
	ErrClosed = errors.New("archive closed")

	// ErrCorrupt is returned when a stored image fails its digest check.
	ErrCorrupt = errors.New("archived image corrupt")
)

// Bucket names for BoltDB.
var (
	// bucketImages stores image bytes keyed by script key.
	bucketImages = []byte("images")

	// bucketMeta stores Entry records keyed by script key.
	bucketMeta = []byte("meta")
)

// Config holds archive configuration options.
type Config struct {
	// Path is the archive database file.
	Path string

	// Compress stores images zstd-compressed.
	Compress bool

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	Logger zerolog.Logger
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:     path,
		Compress: true,
		Logger:   zerolog.Nop(),
	}
}

// Entry describes one archived image.
type Entry struct {
	Name       string       `cbor:"1,keyasint" json:"name"`
	Key        string       `cbor:"2,keyasint" json:"key"`
	Digest     types.Digest `cbor:"3,keyasint" json:"digest"`
	Size       int          `cbor:"4,keyasint" json:"size"`
	Stored     int          `cbor:"5,keyasint" json:"stored"`
	Compressed bool         `cbor:"6,keyasint" json:"compressed"`
	Procedures int          `cbor:"7,keyasint" json:"procedures"`
	Added      time.Time    `cbor:"8,keyasint" json:"added"`
}

// Archive is a BoltDB-backed script store. It implements vm.Loader.
type Archive struct {
	db     *bolt.DB
	config Config
	log    zerolog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("archive: cbor enc mode: %v", err))
	}
}

// Open creates or opens an archive at the configured path.
func Open(config Config) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	a := &Archive{
		db:     db,
		config: config,
		log:    config.Logger,
		enc:    enc,
		dec:    dec,
	}
	if !config.ReadOnly {
		if err := a.initBuckets(); err != nil {
			a.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return a, nil
}

func (a *Archive) initBuckets() error {
	return a.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketImages, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (a *Archive) check() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// Put validates data as an image and stores it under name, replacing any
// previous version.
func (a *Archive) Put(name string, data []byte) (Entry, error) {
	if err := a.check(); err != nil {
		return Entry{}, err
	}
	key, err := types.ScriptKey(name)
	if err != nil {
		return Entry{}, err
	}
	img, err := image.Parse(name, data)
	if err != nil {
		return Entry{}, fmt.Errorf("archive %s: %w", name, err)
	}

	stored := data
	if a.config.Compress {
		stored = a.enc.EncodeAll(data, nil)
	}
	entry := Entry{
		Name:       name,
		Key:        key,
		Digest:     types.DigestOf(data),
		Size:       len(data),
		Stored:     len(stored),
		Compressed: a.config.Compress,
		Procedures: img.ProcCount(),
		Added:      time.Now().UTC(),
	}
	meta, err := encMode.Marshal(&entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}

	err = a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketImages).Put([]byte(key), stored); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(key), meta)
	})
	if err != nil {
		return Entry{}, err
	}

	a.log.Debug().Str("script", key).Str("digest", entry.Digest.String()).Int("size", entry.Size).Msg("image archived")
	return entry, nil
}

// Get returns the image stored under name.
func (a *Archive) Get(name string) ([]byte, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	key, err := types.ScriptKey(name)
	if err != nil {
		return nil, err
	}

	var entry Entry
	var stored []byte
	err = a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if err := cbor.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		stored = append([]byte(nil), tx.Bucket(bucketImages).Get([]byte(key))...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	data := stored
	if entry.Compressed {
		if data, err = a.dec.DecodeAll(stored, nil); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
	}
	if types.DigestOf(data) != entry.Digest {
		return nil, fmt.Errorf("%w: %s: digest mismatch", ErrCorrupt, name)
	}
	return data, nil
}

// Load implements vm.Loader.
func (a *Archive) Load(name string) ([]byte, error) {
	data, err := a.Get(name)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", vm.ErrScriptNotFound, err)
	}
	return data, err
}

// Stat returns the entry for name.
func (a *Archive) Stat(name string) (Entry, error) {
	if err := a.check(); err != nil {
		return Entry{}, err
	}
	key, err := types.ScriptKey(name)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	err = a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return cbor.Unmarshal(raw, &entry)
	})
	return entry, err
}

// List returns every entry ordered by key.
func (a *Archive) List() ([]Entry, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	var out []Entry
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := cbor.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode entry %s: %w", k, err)
			}
			out = append(out, entry)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, err
}

// Delete removes name from the archive.
func (a *Archive) Delete(name string) error {
	if err := a.check(); err != nil {
		return err
	}
	key, err := types.ScriptKey(name)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta).Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if err := tx.Bucket(bucketImages).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete([]byte(key))
	})
}

// Close shuts down the archive.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.enc.Close()
	a.dec.Close()
	return a.db.Close()
}

// Verify interface compliance.
var _ vm.Loader = (*Archive)(nil)
