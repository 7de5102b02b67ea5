package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/medrex/scribe/pkg/types"
)

// RedisStore persists each record as a hash, its addenda as a list, and keeps
// set indexes by patient and by status. Version checks use WATCH so a
// concurrent writer aborts the transaction.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store; prefix namespaces every key
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "scribe"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Backend() string { return "redis" }

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return types.NewStoreUnavailableError("ping", err)
	}
	return nil
}

func (s *RedisStore) docKey(id string) string { return s.prefix + ":doc:" + id }
func (s *RedisStore) addendaKey(id string) string { return s.prefix + ":doc:" + id + ":addenda" }
func (s *RedisStore) patientKey(ref string) string { return s.prefix + ":idx:patient:" + ref }
func (s *RedisStore) statusKey(status types.ValidationStatus) string {
	return s.prefix + ":idx:status:" + string(status)
}

// Insert stores a new record at version 1
func (s *RedisStore) Insert(ctx context.Context, rec *Record) error {
	key := s.docKey(rec.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return types.NewConflictError(rec.ID, 0)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, recordFields(rec, 1))
			pipe.SAdd(ctx, s.statusKey(rec.Status), rec.ID)
			if rec.PatientRef != "" {
				pipe.SAdd(ctx, s.patientKey(rec.PatientRef), rec.ID)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.translate("insert", rec.ID, 0, err)
	}

	rec.Version = 1
	return nil
}

// Get returns one record
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.docKey(id)).Result()
	if err != nil {
		return nil, types.NewStoreUnavailableError("get", err)
	}
	if len(fields) == 0 {
		return nil, types.NewNotFoundError("document", id)
	}
	rec, err := parseRecord(id, fields)
	if err != nil {
		return nil, types.NewIntegrityError(id, err.Error())
	}
	return rec, nil
}

// ListByPatient returns the patient's records, newest first
func (s *RedisStore) ListByPatient(ctx context.Context, patientRef string) ([]*Record, error) {
	return s.listIndex(ctx, "list_by_patient", s.patientKey(patientRef))
}

// ListByStatus returns the records in one status, newest first
func (s *RedisStore) ListByStatus(ctx context.Context, status types.ValidationStatus) ([]*Record, error) {
	return s.listIndex(ctx, "list_by_status", s.statusKey(status))
}

func (s *RedisStore) listIndex(ctx context.Context, operation, indexKey string) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, types.NewStoreUnavailableError(operation, err)
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			// deleted between SMEMBERS and HGETALL
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sortNewestFirst(records)
	return records, nil
}

// Update replaces a record if its version matches
func (s *RedisStore) Update(ctx context.Context, rec *Record, expectedVersion int) error {
	return s.guardedWrite(ctx, "update", rec, expectedVersion, nil)
}

// AppendAddendum updates the record and appends the addendum atomically
func (s *RedisStore) AppendAddendum(ctx context.Context, rec *Record, expectedVersion int, addendum *AddendumRecord) error {
	return s.guardedWrite(ctx, "append_addendum", rec, expectedVersion, addendum)
}

func (s *RedisStore) guardedWrite(ctx context.Context, operation string, rec *Record, expectedVersion int, addendum *AddendumRecord) error {
	key := s.docKey(rec.ID)

	var encodedAddendum []byte
	if addendum != nil {
		var err error
		if encodedAddendum, err = json.Marshal(addendum); err != nil {
			return types.NewInternalError(types.ErrCodeInternalError, "failed to encode addendum", err)
		}
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.currentState(ctx, tx, rec.ID, expectedVersion)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, recordFields(rec, expectedVersion+1))
			if current != rec.Status {
				pipe.SRem(ctx, s.statusKey(current), rec.ID)
				pipe.SAdd(ctx, s.statusKey(rec.Status), rec.ID)
			}
			if encodedAddendum != nil {
				pipe.RPush(ctx, s.addendaKey(rec.ID), encodedAddendum)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.translate(operation, rec.ID, expectedVersion, err)
	}

	rec.Version = expectedVersion + 1
	return nil
}

// currentState checks the stored version and returns the stored status
func (s *RedisStore) currentState(ctx context.Context, tx *redis.Tx, id string, expectedVersion int) (types.ValidationStatus, error) {
	values, err := tx.HMGet(ctx, s.docKey(id), "version", "status").Result()
	if err != nil {
		return "", err
	}
	if values[0] == nil {
		return "", types.NewNotFoundError("document", id)
	}
	version, err := strconv.Atoi(fmt.Sprint(values[0]))
	if err != nil {
		return "", types.NewIntegrityError(id, "stored version is not a number")
	}
	if version != expectedVersion {
		return "", types.NewConflictError(id, expectedVersion)
	}
	status, _ := values[1].(string)
	return types.ValidationStatus(status), nil
}

// Delete removes a record, its addenda and its index entries
func (s *RedisStore) Delete(ctx context.Context, id string, expectedVersion int) error {
	key := s.docKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		status, err := s.currentState(ctx, tx, id, expectedVersion)
		if err != nil {
			return err
		}
		patientRef, err := tx.HGet(ctx, key, "patient_ref").Result()
		if err != nil && err != redis.Nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, s.addendaKey(id))
			pipe.SRem(ctx, s.statusKey(status), id)
			if patientRef != "" {
				pipe.SRem(ctx, s.patientKey(patientRef), id)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.translate("delete", id, expectedVersion, err)
	}
	return nil
}

// Addenda returns a document's addenda in append order
func (s *RedisStore) Addenda(ctx context.Context, documentID string) ([]*AddendumRecord, error) {
	items, err := s.client.LRange(ctx, s.addendaKey(documentID), 0, -1).Result()
	if err != nil {
		return nil, types.NewStoreUnavailableError("addenda", err)
	}

	addenda := make([]*AddendumRecord, 0, len(items))
	for _, item := range items {
		var a AddendumRecord
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, types.NewIntegrityError(documentID, "stored addendum is not valid JSON")
		}
		addenda = append(addenda, &a)
	}
	return addenda, nil
}

// translate maps transaction failures onto store error kinds
func (s *RedisStore) translate(operation, id string, expectedVersion int, err error) error {
	if _, ok := types.AsScribeError(err); ok {
		return err
	}
	if errors.Is(err, redis.TxFailedErr) {
		return types.NewConflictError(id, expectedVersion)
	}
	return types.NewStoreUnavailableError(operation, err)
}

func recordFields(rec *Record, version int) map[string]interface{} {
	completedAt := ""
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]interface{}{
		"patient_ref":   rec.PatientRef,
		"document_type": string(rec.DocumentType),
		"status":        string(rec.Status),
		"blob":          rec.Blob,
		"content_hash":  rec.ContentHash,
		"scheme":        rec.Scheme,
		"version":       version,
		"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":    rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"completed_at":  completedAt,
	}
}

func parseRecord(id string, fields map[string]string) (*Record, error) {
	version, err := strconv.Atoi(fields["version"])
	if err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}

	rec := &Record{
		ID:           id,
		PatientRef:   fields["patient_ref"],
		DocumentType: types.DocumentType(fields["document_type"]),
		Status:       types.ValidationStatus(fields["status"]),
		Blob:         []byte(fields["blob"]),
		ContentHash:  fields["content_hash"],
		Scheme:       fields["scheme"],
		Version:      version,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	if v := fields["completed_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	return rec, nil
}
