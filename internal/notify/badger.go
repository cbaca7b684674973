package notify

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/bryan-buckman/prismfeeder/internal/model"
)

var (
	eventPrefix = []byte("ev/")
	headKey     = []byte("meta/head")
)

// BadgerLog is a durable EventLog. Events are stored under big-endian
// sequence keys so iteration order is sequence order.
type BadgerLog struct {
	db *badger.DB

	mu   sync.Mutex
	head uint64
}

var _ EventLog = (*BadgerLog)(nil)

// OpenBadgerLog opens or creates a log in dir. An empty dir keeps the log in
// memory.
func OpenBadgerLog(dir string) (*BadgerLog, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	l := &BadgerLog{db: db}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(headKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			l.head = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read event log head: %w", err)
	}
	return l, nil
}

func eventKey(seq uint64) []byte {
	k := make([]byte, len(eventPrefix)+8)
	copy(k, eventPrefix)
	binary.BigEndian.PutUint64(k[len(eventPrefix):], seq)
	return k
}

func seqOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(bytes.TrimPrefix(key, eventPrefix))
}

func (l *BadgerLog) Append(_ context.Context, events []model.Event) ([]model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head := l.head
	out := make([]model.Event, len(events))
	err := l.db.Update(func(txn *badger.Txn) error {
		for i, e := range events {
			head++
			e.Seq = head
			if e.CreatedAt.IsZero() {
				e.CreatedAt = time.Now().UTC()
			}
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := txn.Set(eventKey(e.Seq), raw); err != nil {
				return err
			}
			out[i] = e
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], head)
		return txn.Set(headKey, buf[:])
	})
	if err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	l.head = head
	return out, nil
}

func (l *BadgerLog) Range(ctx context.Context, after uint64, fn func(model.Event) bool) error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(eventKey(after + 1)); it.ValidForPrefix(eventPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e model.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if !fn(e) {
				return nil
			}
		}
		return nil
	})
}

func (l *BadgerLog) Bounds(context.Context) (uint64, uint64, error) {
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()

	oldest := head + 1
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(eventPrefix)
		if it.ValidForPrefix(eventPrefix) {
			oldest = seqOf(it.Item().Key())
		}
		return nil
	})
	return oldest, head, err
}

func (l *BadgerLog) Prune(ctx context.Context, rule PruneRule) (int, error) {
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()

	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(eventPrefix); it.ValidForPrefix(eventPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var e model.Event
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if !rule.matches(e, head) {
				break
			}
			keys = append(keys, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("prune events: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return len(keys), nil
}

func (l *BadgerLog) Close() error {
	return l.db.Close()
}
