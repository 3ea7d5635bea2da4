// Package auditlog implements the hash-chained, append-only diagnostic
// lifecycle log described informally in spec.md's design notes: a
// secondary, non-authoritative record of every task-state transition,
// kept separate from internal/store so a corrupted or rolled-back audit
// trail can never affect scheduling decisions.
package auditlog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// Entry is one immutable record in the chain.
type Entry struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"ts"`
	Action    string    `json:"action"`
	TaskID    string    `json:"task_id"`
	Detail    string    `json:"detail"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Action names recorded for task lifecycle transitions (spec §4.11).
const (
	ActionQueued    = "task_queued"
	ActionBlocked   = "task_blocked"
	ActionUnblocked = "task_unblocked"
	ActionStarted   = "task_started"
	ActionCompleted = "task_completed"
	ActionFailed    = "task_failed"
	ActionCancelled = "task_cancelled"
	ActionScheduled = "schedule_fired"
)

// Log is a bbolt-backed append-only audit trail. It is safe for
// concurrent use; bbolt serializes writers internally, and next is
// additionally guarded so two Append calls can't race on the same index.
type Log struct {
	db   *bbolt.DB
	mu   sync.Mutex
	next uint64
	last string
}

// Open creates or attaches to the bbolt database at path and primes the
// chain position from the last persisted entry.
func Open(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open auditlog: %w", err)
	}

	l := &Log{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		cursor := bucket.Cursor()
		k, v := cursor.Last()
		if k == nil {
			l.next = 0
			l.last = ""
			return nil
		}
		var last Entry
		if err := json.Unmarshal(v, &last); err != nil {
			return fmt.Errorf("decode last entry: %w", err)
		}
		l.next = last.Index + 1
		l.last = last.Hash
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error { return l.db.Close() }

// Append records one lifecycle transition and returns the persisted
// entry including its computed hash.
func (l *Log) Append(action, taskID, detail string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Index:     l.next,
		Timestamp: time.Now().UTC(),
		Action:    action,
		TaskID:    taskID,
		Detail:    detail,
		PrevHash:  l.last,
	}
	entry.Hash = hashEntry(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}

	err = l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		return bucket.Put(indexKey(entry.Index), data)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}

	l.next++
	l.last = entry.Hash
	return entry, nil
}

// ForTask returns every entry recorded for taskID, in chain order.
func (l *Log) ForTask(taskID string) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		return bucket.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.TaskID == taskID {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// Verify walks the full chain and reports whether every entry's hash and
// prev-hash link are intact. It is a diagnostic operation, never
// consulted by scheduling logic.
func (l *Log) Verify() (bool, error) {
	ok := true
	var prevHash string
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		return bucket.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if hashEntry(e) != e.Hash || e.PrevHash != prevHash {
				ok = false
			}
			prevHash = e.Hash
			return nil
		})
	})
	return ok, err
}

func indexKey(idx uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, idx)
	return buf
}

func hashEntry(e Entry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.TaskID))
	h.Write([]byte(e.Detail))
	return hex.EncodeToString(h.Sum(nil))
}
