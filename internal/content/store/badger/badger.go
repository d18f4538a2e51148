// Package badger persists the node store in an embedded BadgerDB.
//
// Key layout:
//
//	m/seq             commit sequence, 8 bytes big endian
//	n/<ws>/<id>       CBOR node record
//	b/<kind>/<id>     raw blob bytes
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/content/codec"
	"github.com/systemshift/contentrepo/internal/content/store"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites makes every commit durable before Apply returns.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *zap.SugaredLogger
}

// DefaultConfig returns production defaults for the directory at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(strings.TrimSpace(format), args...)
}

var (
	seqKey     = []byte("m/seq")
	nodePrefix = []byte("n/")
	blobPrefix = []byte("b/")
)

// Backend implements store.Backend on BadgerDB.
type Backend struct {
	db *badger.DB
}

// Open opens the database described by cfg.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Backend{db: db}, nil
}

func nodeKey(ws, id string) []byte {
	return []byte("n/" + ws + "/" + id)
}

func blobKey(kind, id string) []byte {
	return []byte("b/" + kind + "/" + id)
}

// Load reads every node and blob.
func (b *Backend) Load(ctx context.Context) (*store.Image, error) {
	img := store.NewImage()
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("read sequence: %w", err)
		default:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt sequence value")
				}
				img.Seq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(nodePrefix); it.ValidForPrefix(nodePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key()[len(nodePrefix):])
			cut := strings.LastIndexByte(key, '/')
			if cut < 0 {
				return fmt.Errorf("malformed node key %q", key)
			}
			var rec store.NodeRecord
			if err := it.Item().Value(func(val []byte) error {
				return codec.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode node %s: %w", key, err)
			}
			if rec.Properties == nil {
				rec.Properties = make(map[string]store.PropertyRecord)
			}
			img.Put(key[:cut], &rec)
		}

		for it.Seek(blobPrefix); it.ValidForPrefix(blobPrefix); it.Next() {
			key := string(it.Item().Key()[len(blobPrefix):])
			kind, id, ok := strings.Cut(key, "/")
			if !ok {
				return fmt.Errorf("malformed blob key %q", key)
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read blob %s: %w", key, err)
			}
			img.Blobs[store.BlobKey{Kind: kind, ID: id}] = data
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Apply writes one commit in a single Badger transaction.
func (b *Backend) Apply(ctx context.Context, cs *store.ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, c := range cs.Nodes {
			key := nodeKey(c.Workspace, c.ID)
			if c.Record == nil {
				if err := txn.Delete(key); err != nil {
					return fmt.Errorf("delete node %s: %w", c.ID, err)
				}
				continue
			}
			val, err := codec.Marshal(c.Record)
			if err != nil {
				return fmt.Errorf("encode node %s: %w", c.ID, err)
			}
			if err := txn.Set(key, val); err != nil {
				return fmt.Errorf("write node %s: %w", c.ID, err)
			}
		}
		for _, bl := range cs.Blobs {
			key := blobKey(bl.Kind, bl.ID)
			if bl.Data == nil {
				if err := txn.Delete(key); err != nil {
					return fmt.Errorf("delete blob %s/%s: %w", bl.Kind, bl.ID, err)
				}
				continue
			}
			if err := txn.Set(key, bl.Data); err != nil {
				return fmt.Errorf("write blob %s/%s: %w", bl.Kind, bl.ID, err)
			}
		}
		var seq [8]byte
		binary.BigEndian.PutUint64(seq[:], cs.Seq)
		return txn.Set(seqKey, seq[:])
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("commit %d too large for one badger transaction: %w", cs.Seq, err)
	}
	return err
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}
