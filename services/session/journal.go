// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Pending-Write Journal
// =============================================================================

// Journal is a durable spill for unconfirmed message writes.
//
// # Description
//
// Every turn enqueued for persistence is journaled before the first
// backend attempt and removed after confirmation, so a relay restart can
// resume writes that were still in flight. Keys are ordered per session:
//
//	pw/<sessionID>/<unixNano>-<seq>
//
// The session segment makes re-keying placeholder sessions a prefix scan.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
type Journal struct {
	db  *badger.DB
	seq atomic.Uint64
}

// OpenJournal opens (or creates) a journal at the given directory.
func OpenJournal(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// OpenInMemoryJournal opens a journal backed by memory only. Used in
// tests and when durability is disabled.
func OpenInMemoryJournal() (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

// JournalEntry is one journaled write with its storage key.
type JournalEntry struct {
	Key   string
	Write datatypes.PendingWrite
}

// sessionPrefix returns the key prefix for one session.
func sessionPrefix(sessionID int64) []byte {
	return []byte(fmt.Sprintf("pw/%d/", sessionID))
}

// Append journals a pending write and returns its key.
func (j *Journal) Append(write datatypes.PendingWrite) (string, error) {
	key := fmt.Sprintf("pw/%d/%d-%06d",
		write.Turn.SessionID, time.Now().UnixNano(), j.seq.Add(1))
	if err := j.put(key, write); err != nil {
		return "", err
	}
	return key, nil
}

// Update rewrites an existing entry (attempt count, next retry time).
func (j *Journal) Update(key string, write datatypes.PendingWrite) error {
	return j.put(key, write)
}

// Remove deletes a confirmed (or abandoned) entry.
func (j *Journal) Remove(key string) error {
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("journal remove: %w", err)
	}
	return nil
}

// Session returns the journaled writes for one session, in append order.
func (j *Journal) Session(sessionID int64) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.db.View(func(txn *badger.Txn) error {
		return j.scan(txn, sessionPrefix(sessionID), &entries)
	})
	if err != nil {
		return nil, fmt.Errorf("journal session scan: %w", err)
	}
	return entries, nil
}

// All returns every journaled write. Called once at startup to resume
// unconfirmed writes.
func (j *Journal) All() ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.db.View(func(txn *badger.Txn) error {
		return j.scan(txn, []byte("pw/"), &entries)
	})
	if err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}
	return entries, nil
}

// Rekey moves every entry from a placeholder session to its real backend
// ID in one transaction. Returns the new keys in append order.
func (j *Journal) Rekey(oldSessionID, newSessionID int64) ([]JournalEntry, error) {
	var moved []JournalEntry
	err := j.db.Update(func(txn *badger.Txn) error {
		var entries []JournalEntry
		if err := j.scan(txn, sessionPrefix(oldSessionID), &entries); err != nil {
			return err
		}
		for _, entry := range entries {
			write := entry.Write
			write.Turn.SessionID = newSessionID
			newKey := fmt.Sprintf("pw/%d/%d-%06d",
				newSessionID, time.Now().UnixNano(), j.seq.Add(1))

			value, err := json.Marshal(write)
			if err != nil {
				return fmt.Errorf("marshal write: %w", err)
			}
			if err := txn.Set([]byte(newKey), value); err != nil {
				return err
			}
			if err := txn.Delete([]byte(entry.Key)); err != nil {
				return err
			}
			moved = append(moved, JournalEntry{Key: newKey, Write: write})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal rekey: %w", err)
	}
	return moved, nil
}

func (j *Journal) put(key string, write datatypes.PendingWrite) error {
	value, err := json.Marshal(write)
	if err != nil {
		return fmt.Errorf("marshal write: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("journal put: %w", err)
	}
	return nil
}

// scan collects entries under a prefix. Caller owns the transaction.
func (j *Journal) scan(txn *badger.Txn, prefix []byte, out *[]JournalEntry) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := string(item.KeyCopy(nil))
		var write datatypes.PendingWrite
		err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &write)
		})
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		*out = append(*out, JournalEntry{Key: key, Write: write})
	}
	return nil
}
