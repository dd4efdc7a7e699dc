// Package snapshot persists VM state under named labels so a host can be
// stopped and resumed where its scripts left off.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Cadence/internal/types"
	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

var (
	// ErrNotFound is returned for an unknown label.
	ErrNotFound = errors.New("snapshot not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("snapshot store closed")

	// ErrDigestMismatch is returned when stored state fails verification.
	ErrDigestMismatch = errors.New("snapshot digest mismatch")
)

// Key prefixes for BadgerDB storage.
var (
	// prefixState holds encoded vm.State keyed by label.
	prefixState = []byte{0x01}

	// prefixInfo holds Info records keyed by label.
	prefixInfo = []byte{0x02}
)

func stateKey(label string) []byte { return append(append([]byte{}, prefixState...), label...) }
func infoKey(label string) []byte  { return append(append([]byte{}, prefixInfo...), label...) }

// Config contains configuration for the snapshot store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	Logger zerolog.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		Logger:     zerolog.Nop(),
	}
}

// Info describes a stored snapshot.
type Info struct {
	Label     string       `cbor:"1,keyasint" json:"label"`
	Digest    types.Digest `cbor:"2,keyasint" json:"digest"`
	Taken     time.Time    `cbor:"3,keyasint" json:"taken"`
	Programs  []string     `cbor:"4,keyasint" json:"programs"`
	Size      int          `cbor:"5,keyasint" json:"size"`
	Variables int          `cbor:"6,keyasint" json:"variables"`
}

// Store is a BadgerDB-backed snapshot store.
type Store struct {
	db  *badger.DB
	log zerolog.Logger

	mu     sync.Mutex
	closed atomic.Bool
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: cbor enc mode: %v", err))
	}
}

// Open opens or creates a snapshot store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, log: cfg.Logger}, nil
}

// Encode serializes st in canonical CBOR. Equal states encode identically,
// so the digest of the encoding identifies the state.
func Encode(st *vm.State) ([]byte, error) {
	return encMode.Marshal(st)
}

// Decode parses state produced by Encode.
func Decode(data []byte) (*vm.State, error) {
	var st vm.State
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Save stores st under label, replacing any existing snapshot.
func (s *Store) Save(label string, st *vm.State) (Info, error) {
	if s.closed.Load() {
		return Info{}, ErrClosed
	}
	if err := types.CheckName(label); err != nil {
		return Info{}, err
	}

	data, err := Encode(st)
	if err != nil {
		return Info{}, fmt.Errorf("encode state: %w", err)
	}
	info := Info{
		Label:     label,
		Digest:    types.DigestOf(data),
		Taken:     time.Now().UTC(),
		Size:      len(data),
		Variables: len(st.Variables),
	}
	for _, ps := range st.Programs {
		info.Programs = append(info.Programs, ps.Name)
	}
	meta, err := encMode.Marshal(&info)
	if err != nil {
		return Info{}, fmt.Errorf("encode info: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(stateKey(label), data); err != nil {
			return err
		}
		return txn.Set(infoKey(label), meta)
	})
	if err != nil {
		return Info{}, err
	}

	s.log.Info().Str("label", label).Str("digest", info.Digest.String()).Int("programs", len(info.Programs)).Msg("snapshot saved")
	return info, nil
}

// Load returns the state stored under label after checking its digest.
func (s *Store) Load(label string) (*vm.State, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var info Info
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(infoKey(label))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, label)
		} else if err != nil {
			return err
		}
		err = item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &info)
		})
		if err != nil {
			return err
		}

		item, err = txn.Get(stateKey(label))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, label)
		} else if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	if types.DigestOf(data) != info.Digest {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, label)
	}
	return Decode(data)
}

// Info returns the description of label.
func (s *Store) Info(label string) (Info, error) {
	if s.closed.Load() {
		return Info{}, ErrClosed
	}
	var info Info
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(infoKey(label))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, label)
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &info)
		})
	})
	return info, err
}

// List returns every snapshot, newest first.
func (s *Store) List() ([]Info, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var out []Info
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixInfo
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info Info
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &info)
			})
			if err != nil {
				return err
			}
			out = append(out, info)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Taken.Equal(out[j].Taken) {
			return out[i].Label < out[j].Label
		}
		return out[i].Taken.After(out[j].Taken)
	})
	return out, err
}

// Delete removes label.
func (s *Store) Delete(label string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(infoKey(label)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, label)
		} else if err != nil {
			return err
		}
		if err := txn.Delete(stateKey(label)); err != nil {
			return err
		}
		return txn.Delete(infoKey(label))
	})
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
