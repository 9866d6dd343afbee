package user

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNotFound is returned by Get when the user is not registered.
var ErrNotFound = errors.New("user: not found")

//go:embed schema.json
var schemaJSON string

// fileSchema validates the raw state file before it is decoded, so a
// hand-edited or truncated file is rejected at startup instead of silently
// corrupting scheduling.
var fileSchema = jsonschema.MustCompileString("users.schema.json", schemaJSON)

// Store is a write-through file-backed table of user records. The whole
// mapping is rewritten atomically (temp file + rename) on every mutation, so
// a crash loses at most the in-flight operation.
//
// The store serializes its own map and file access; serializing state
// transitions per user is the session layer's responsibility.
type Store struct {
	path    string
	mu      sync.RWMutex
	records map[string]Record
}

// Open loads the state file at path, creating the parent directory if
// needed. A missing file yields an empty store; an invalid file is an error.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("user: ensure dir: %w", err)
	}

	s := &Store{path: path, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user: read %s: %w", path, err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("user: %s is not valid JSON: %w", path, err)
	}
	if err := fileSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("user: %s failed schema validation: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("user: decode %s: %w", path, err)
	}

	for id, rec := range s.records {
		if rec.UserID != id {
			return nil, fmt.Errorf("user: %s: key %q does not match record user ID %q", path, id, rec.UserID)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("user: %s: %w", path, err)
		}
	}
	return s, nil
}

// Get returns the record for userID or ErrNotFound.
func (s *Store) Get(userID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return rec, nil
}

// Put validates rec and durably stores it. On a persistence failure the
// previous value is retained, in memory and on disk.
func (s *Store) Put(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.records[rec.UserID]
	s.records[rec.UserID] = rec
	if err := s.persist(); err != nil {
		if existed {
			s.records[rec.UserID] = prev
		} else {
			delete(s.records, rec.UserID)
		}
		return fmt.Errorf("user: persist %s: %w", rec.UserID, err)
	}
	return nil
}

// Remove deletes the record for userID and persists. Removing an unknown
// user is a no-op.
func (s *Store) Remove(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.records[userID]
	if !existed {
		return nil
	}
	delete(s.records, userID)
	if err := s.persist(); err != nil {
		s.records[userID] = prev
		return fmt.Errorf("user: persist removal of %s: %w", userID, err)
	}
	return nil
}

// ForEach calls fn for every record in stable (user ID) order, on a snapshot
// taken under the read lock.
func (s *Store) ForEach(fn func(Record)) {
	s.mu.RLock()
	snapshot := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		snapshot = append(snapshot, rec)
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].UserID < snapshot[j].UserID })
	for _, rec := range snapshot {
		fn(rec)
	}
}

// FindByRoom returns the user whose conversation is bound to roomID.
func (s *Store) FindByRoom(roomID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.BoundRoom == roomID {
			return rec, true
		}
	}
	return Record{}, false
}

// FindByPendingRoom returns the user with a pending switch to roomID.
func (s *Store) FindByPendingRoom(roomID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.PendingRoom == roomID {
			return rec, true
		}
	}
	return Record{}, false
}

// Len returns the number of registered users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// persist rewrites the whole mapping through a temp file and an atomic
// rename. Callers hold the write lock.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.records, "", "    ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
