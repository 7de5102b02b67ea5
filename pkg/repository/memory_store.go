package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/medrex/scribe/pkg/types"
)

// MemoryStore keeps records in process memory. It is used for tests and
// for the memory storage backend of single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	addenda map[string][]*AddendumRecord
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		addenda: make(map[string][]*AddendumRecord),
	}
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Insert stores a new record at version 1
func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return types.NewConflictError(rec.ID, 0)
	}
	rec.Version = 1
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Get returns a copy of one record
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, types.NewNotFoundError("document", id)
	}
	return cloneRecord(rec), nil
}

// ListByPatient returns the patient's records, newest first
func (s *MemoryStore) ListByPatient(ctx context.Context, patientRef string) ([]*Record, error) {
	return s.list(func(r *Record) bool { return r.PatientRef == patientRef }), nil
}

// ListByStatus returns the records in one status, newest first
func (s *MemoryStore) ListByStatus(ctx context.Context, status types.ValidationStatus) ([]*Record, error) {
	return s.list(func(r *Record) bool { return r.Status == status }), nil
}

func (s *MemoryStore) list(match func(*Record) bool) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Record{}
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sortNewestFirst(out)
	return out
}

// Update replaces a record if its version matches
func (s *MemoryStore) Update(ctx context.Context, rec *Record, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(rec.ID, expectedVersion); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Delete removes a record and its addenda if its version matches
func (s *MemoryStore) Delete(ctx context.Context, id string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(id, expectedVersion); err != nil {
		return err
	}
	delete(s.records, id)
	delete(s.addenda, id)
	return nil
}

// AppendAddendum updates the record and appends the addendum in one step
func (s *MemoryStore) AppendAddendum(ctx context.Context, rec *Record, expectedVersion int, addendum *AddendumRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(rec.ID, expectedVersion); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	s.records[rec.ID] = cloneRecord(rec)
	s.addenda[rec.ID] = append(s.addenda[rec.ID], cloneAddendum(addendum))
	return nil
}

// Addenda returns a document's addenda in append order
func (s *MemoryStore) Addenda(ctx context.Context, documentID string) ([]*AddendumRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AddendumRecord, 0, len(s.addenda[documentID]))
	for _, a := range s.addenda[documentID] {
		out = append(out, cloneAddendum(a))
	}
	return out, nil
}

func (s *MemoryStore) checkVersion(id string, expected int) error {
	current, ok := s.records[id]
	if !ok {
		return types.NewNotFoundError("document", id)
	}
	if current.Version != expected {
		return types.NewConflictError(id, expected)
	}
	return nil
}

func sortNewestFirst(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
