package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerBackend persists ledger records in a Badger database.
//
// Keys:
//
//	ledger:session:{sessionID}            -> Record
//	ledger:msg:{sessionID}:{messageID}    -> Record
//	ledger:seq:{sessionID}:{%019d index}  -> messageID
//	ledger:count:{sessionID}              -> uint64 big endian
type BadgerBackend struct {
	db *badger.DB
	// writes are serialised so sequence allocation never conflicts.
	mu sync.Mutex
}

// OpenBadgerBackend opens (or creates) a ledger database under path.
func OpenBadgerBackend(path string) (*BadgerBackend, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, errors.Wrapf(err, "open badger ledger at %s", path)
	}
	return &BadgerBackend{db: db}, nil
}

// NewBadgerBackend wraps an already opened database.
func NewBadgerBackend(db *badger.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

func sessionKey(sessionID string) []byte {
	return []byte("ledger:session:" + sessionID)
}

func messageKey(sessionID, messageID string) []byte {
	return []byte("ledger:msg:" + sessionID + ":" + messageID)
}

func sequenceKey(sessionID string, index uint64) []byte {
	return []byte(fmt.Sprintf("ledger:seq:%s:%019d", sessionID, index))
}

func countKey(sessionID string) []byte {
	return []byte("ledger:count:" + sessionID)
}

func (b *BadgerBackend) PutSession(_ context.Context, sessionID string, rec Record) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stored Record
	created := false
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, ok, err := readRecord(txn, sessionKey(sessionID))
		if err != nil {
			return err
		}
		if ok {
			stored = existing
			return nil
		}
		if err := writeRecord(txn, sessionKey(sessionID), rec); err != nil {
			return err
		}
		stored, created = rec, true
		return nil
	})
	return stored, created, err
}

func (b *BadgerBackend) GetSession(_ context.Context, sessionID string) (Record, bool, error) {
	var rec Record
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ok, err = readRecord(txn, sessionKey(sessionID))
		return err
	})
	return rec, ok, err
}

func (b *BadgerBackend) PutMessage(_ context.Context, sessionID, messageID string, rec Record) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stored Record
	created := false
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, ok, err := readRecord(txn, messageKey(sessionID, messageID))
		if err != nil {
			return err
		}
		if ok {
			stored = existing
			return nil
		}
		count, err := readCount(txn, sessionID)
		if err != nil {
			return err
		}
		rec.Sequence = count
		if err := writeRecord(txn, messageKey(sessionID, messageID), rec); err != nil {
			return err
		}
		if err := txn.Set(sequenceKey(sessionID, count), []byte(messageID)); err != nil {
			return err
		}
		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, count+1)
		if err := txn.Set(countKey(sessionID), next); err != nil {
			return err
		}
		stored, created = rec, true
		return nil
	})
	return stored, created, err
}

func (b *BadgerBackend) GetMessage(_ context.Context, sessionID, messageID string) (Record, bool, error) {
	var rec Record
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ok, err = readRecord(txn, messageKey(sessionID, messageID))
		return err
	})
	return rec, ok, err
}

func (b *BadgerBackend) CountMessages(_ context.Context, sessionID string) (int, error) {
	var count uint64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = readCount(txn, sessionID)
		return err
	})
	return int(count), err
}

func (b *BadgerBackend) MessageIDAt(_ context.Context, sessionID string, index int) (string, bool, error) {
	if index < 0 {
		return "", false, nil
	}
	var messageID string
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sequenceKey(sessionID, uint64(index)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			messageID, ok = string(val), true
			return nil
		})
	})
	return messageID, ok, err
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func readRecord(txn *badger.Txn, key []byte) (Record, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "decode ledger record %s", key)
	}
	return rec, true, nil
}

func writeRecord(txn *badger.Txn, key []byte, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func readCount(txn *badger.Txn, sessionID string) (uint64, error) {
	item, err := txn.Get(countKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt message counter for session %s", sessionID)
		}
		count = binary.BigEndian.Uint64(val)
		return nil
	})
	return count, err
}
