package linestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/loqalabs/loqa-notes/internal/transcript"
)

var (
	linePrefix = []byte("line/")
	idPrefix   = []byte("id/")
)

// Badger keeps lines under line/<big-endian seq> so key order is insertion
// order, plus an id/<id> -> seq index for updates.
type Badger struct {
	db  *badger.DB
	mu  sync.Mutex
	seq uint64
}

// BadgerOptions configures the badger backend.
type BadgerOptions struct {
	// Dir holds the data files. Required unless InMemory.
	Dir string
	// InMemory keeps everything in memory, mostly for tests.
	InMemory bool
	Logger   *slog.Logger
}

// OpenBadger opens the database and recovers the next sequence number.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger line store requires a directory")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(slogBadger{log: opts.Logger})
	} else {
		dbOpts = dbOpts.WithLogger(nil)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	b := &Badger{db: db}
	if err := b.recoverSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Badger) recoverSeq() error {
	return b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = true
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		// seek past the largest possible line key
		seekKey := append(append([]byte(nil), linePrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seekKey)
		if it.ValidForPrefix(linePrefix) {
			b.seq = binary.BigEndian.Uint64(it.Item().Key()[len(linePrefix):])
		}
		return nil
	})
}

func lineKey(seq uint64) []byte {
	k := make([]byte, len(linePrefix)+8)
	copy(k, linePrefix)
	binary.BigEndian.PutUint64(k[len(linePrefix):], seq)
	return k
}

func idKey(id string) []byte {
	return append(append([]byte(nil), idPrefix...), id...)
}

// Insert appends a line.
func (b *Badger) Insert(_ context.Context, line transcript.Line) error {
	value, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode line: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.seq + 1
	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idKey(line.ID)); err == nil {
			return fmt.Errorf("line %s already exists", line.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		seqBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBytes, next)
		if err := txn.Set(idKey(line.ID), seqBytes); err != nil {
			return err
		}
		return txn.Set(lineKey(next), value)
	})
	if err != nil {
		return fmt.Errorf("insert line: %w", err)
	}
	b.seq = next
	return nil
}

// Update replaces the stored record for line.ID.
func (b *Badger) Update(_ context.Context, line transcript.Line) error {
	value, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode line: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(line.ID))
		if err != nil {
			return err
		}
		seqBytes, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Set(lineKey(binary.BigEndian.Uint64(seqBytes)), value)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return transcript.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update line: %w", err)
	}
	return nil
}

// Clear drops every line and index entry. The sequence keeps counting so
// keys are never reused.
func (b *Badger) Clear(context.Context) error {
	if err := b.db.DropPrefix(linePrefix, idPrefix); err != nil {
		return fmt.Errorf("clear lines: %w", err)
	}
	return nil
}

// List returns lines in key order.
func (b *Badger) List(context.Context) ([]transcript.Line, error) {
	var lines []transcript.Line
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = linePrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(linePrefix); it.ValidForPrefix(linePrefix); it.Next() {
			var line transcript.Line
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &line)
			})
			if err != nil {
				return fmt.Errorf("decode line %x: %w", it.Item().Key(), err)
			}
			lines = append(lines, line)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// slogBadger routes badger's own logging through slog, dropping info/debug.
type slogBadger struct {
	log *slog.Logger
}

func (l slogBadger) Errorf(f string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(f, v...), slog.String("component", "badger"))
}

func (l slogBadger) Warningf(f string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(f, v...), slog.String("component", "badger"))
}

func (slogBadger) Infof(string, ...interface{})  {}
func (slogBadger) Debugf(string, ...interface{}) {}
