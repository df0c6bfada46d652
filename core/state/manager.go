package state

import (
	"errors"
	"fmt"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"moneymarket/storage"
)

// Manager is a journaled key/value view over a storage.Database. Writes land
// in an in-memory overlay; Snapshot and RevertToSnapshot undo overlay writes
// and Commit flushes the overlay to the database in one batch.
type Manager struct {
	db      storage.Database
	dirty   map[string]dirtyEntry
	journal []journalEntry
}

type dirtyEntry struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    dirtyEntry
	existed bool
}

// NewManager creates a state manager backed by db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, dirty: make(map[string]dirtyEntry)}
}

// Snapshot returns an identifier for the current overlay revision.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot discards every overlay write made after the snapshot was
// taken.
func (m *Manager) RevertToSnapshot(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(m.journal) - 1; i >= id; i-- {
		entry := m.journal[i]
		if entry.existed {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	if id < len(m.journal) {
		m.journal = m.journal[:id]
	}
}

// Commit writes the overlay to the database atomically and resets the
// journal.
func (m *Manager) Commit() error {
	if len(m.dirty) == 0 {
		m.journal = m.journal[:0]
		return nil
	}
	keys := make([]string, 0, len(m.dirty))
	for key := range m.dirty {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := storage.NewBatch()
	for _, key := range keys {
		entry := m.dirty[key]
		if entry.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), entry.value)
	}
	if err := m.db.Write(batch); err != nil {
		return fmt.Errorf("state commit: %w", err)
	}
	m.dirty = make(map[string]dirtyEntry)
	m.journal = m.journal[:0]
	return nil
}

// Pending reports the number of uncommitted keys.
func (m *Manager) Pending() int {
	return len(m.dirty)
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if entry, ok := m.dirty[string(key)]; ok {
		if entry.deleted {
			return nil, nil
		}
		return entry.value, nil
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (m *Manager) set(key []byte, value []byte) {
	m.record(string(key))
	m.dirty[string(key)] = dirtyEntry{value: append([]byte(nil), value...)}
}

func (m *Manager) del(key []byte) {
	m.record(string(key))
	m.dirty[string(key)] = dirtyEntry{deleted: true}
}

func (m *Manager) record(key string) {
	prev, existed := m.dirty[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, existed: existed})
}

func (m *Manager) getRLP(key []byte, out interface{}) (bool, error) {
	data, err := m.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("decode %x: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.set(key, encoded)
	return nil
}

// hashedKey derives keccak256(prefix || part0 || ':' || part1 ...).
func hashedKey(prefix string, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, part := range parts {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}
