package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/scribe/pkg/types"
)

func testRecord(id, patientRef string, createdAt time.Time) *Record {
	return &Record{
		ID:           id,
		PatientRef:   patientRef,
		DocumentType: types.DocumentTypeSOAPNote,
		Status:       types.StatusValidated,
		Blob:         []byte{0x01, 0x02, 0x00, 0xff},
		ContentHash:  "hash-" + id,
		Scheme:       "aes-256-gcm/v1",
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func setupTestRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client, "test")
}

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			_, s := setupTestRedisStore(t)
			return s
		},
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

			rec := testRecord("doc-1", "pt-1", created)
			require.NoError(t, s.Insert(ctx, rec))
			assert.Equal(t, 1, rec.Version)

			got, err := s.Get(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, rec.PatientRef, got.PatientRef)
			assert.Equal(t, rec.Status, got.Status)
			assert.Equal(t, rec.Blob, got.Blob)
			assert.Equal(t, rec.ContentHash, got.ContentHash)
			assert.Equal(t, rec.Scheme, got.Scheme)
			assert.Equal(t, 1, got.Version)
			assert.True(t, created.Equal(got.CreatedAt))
			assert.Nil(t, got.CompletedAt)

			err = s.Insert(ctx, testRecord("doc-1", "pt-1", created))
			assert.True(t, errors.Is(err, types.ErrVersionConflict))

			_, err = s.Get(ctx, "missing")
			assert.True(t, errors.Is(err, types.ErrNotFound))
		})
	}
}

func TestStore_OptimisticUpdate(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			rec := testRecord("doc-1", "pt-1", time.Now().UTC())
			require.NoError(t, s.Insert(ctx, rec))

			completed := time.Now().UTC()
			rec.Status = types.StatusSigned
			rec.CompletedAt = &completed
			require.NoError(t, s.Update(ctx, rec, 1))
			assert.Equal(t, 2, rec.Version)

			stale := testRecord("doc-1", "pt-1", time.Now().UTC())
			err := s.Update(ctx, stale, 1)
			assert.True(t, errors.Is(err, types.ErrVersionConflict))

			err = s.Update(ctx, testRecord("missing", "", time.Now().UTC()), 1)
			assert.True(t, errors.Is(err, types.ErrNotFound))

			got, err := s.Get(ctx, "doc-1")
			require.NoError(t, err)
			assert.Equal(t, types.StatusSigned, got.Status)
			assert.Equal(t, 2, got.Version)
			require.NotNil(t, got.CompletedAt)
			assert.True(t, completed.Equal(*got.CompletedAt))
		})
	}
}

func TestStore_ListIndexes(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

			older := testRecord("doc-a", "pt-1", base)
			newer := testRecord("doc-b", "pt-1", base.Add(time.Hour))
			other := testRecord("doc-c", "pt-2", base.Add(2*time.Hour))
			for _, rec := range []*Record{older, newer, other} {
				require.NoError(t, s.Insert(ctx, rec))
			}

			records, err := s.ListByPatient(ctx, "pt-1")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "doc-b", records[0].ID)
			assert.Equal(t, "doc-a", records[1].ID)

			newer.Status = types.StatusReviewed
			require.NoError(t, s.Update(ctx, newer, 1))

			validated, err := s.ListByStatus(ctx, types.StatusValidated)
			require.NoError(t, err)
			assert.Equal(t, []string{"doc-c", "doc-a"}, recordIDs(validated))

			reviewed, err := s.ListByStatus(ctx, types.StatusReviewed)
			require.NoError(t, err)
			assert.Equal(t, []string{"doc-b"}, recordIDs(reviewed))

			none, err := s.ListByPatient(ctx, "pt-unknown")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_AddendaAndDelete(t *testing.T) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			rec := testRecord("doc-1", "pt-1", time.Now().UTC())
			require.NoError(t, s.Insert(ctx, rec))

			for i, id := range []string{"add-1", "add-2"} {
				a := &AddendumRecord{
					ID:          id,
					DocumentID:  "doc-1",
					Blob:        []byte(id),
					ContentHash: "hash-" + id,
					Scheme:      "aes-256-gcm/v1",
					CreatedAt:   time.Now().UTC(),
				}
				require.NoError(t, s.AppendAddendum(ctx, rec, i+1, a))
			}
			assert.Equal(t, 3, rec.Version)

			addenda, err := s.Addenda(ctx, "doc-1")
			require.NoError(t, err)
			require.Len(t, addenda, 2)
			assert.Equal(t, "add-1", addenda[0].ID)
			assert.Equal(t, "add-2", addenda[1].ID)
			assert.Equal(t, []byte("add-2"), addenda[1].Blob)

			err = s.AppendAddendum(ctx, rec, 1, &AddendumRecord{ID: "add-3", DocumentID: "doc-1"})
			assert.True(t, errors.Is(err, types.ErrVersionConflict))

			err = s.Delete(ctx, "doc-1", 2)
			assert.True(t, errors.Is(err, types.ErrVersionConflict))

			require.NoError(t, s.Delete(ctx, "doc-1", 3))
			_, err = s.Get(ctx, "doc-1")
			assert.True(t, errors.Is(err, types.ErrNotFound))

			addenda, err = s.Addenda(ctx, "doc-1")
			require.NoError(t, err)
			assert.Empty(t, addenda)

			records, err := s.ListByPatient(ctx, "pt-1")
			require.NoError(t, err)
			assert.Empty(t, records)

			err = s.Delete(ctx, "doc-1", 3)
			assert.True(t, errors.Is(err, types.ErrNotFound))
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := testRecord("doc-1", "pt-1", time.Now().UTC())
	require.NoError(t, s.Insert(ctx, rec))
	rec.Blob[0] = 0x7f

	got, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), got.Blob[0])

	got.Blob[0] = 0x7f
	again, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), again.Blob[0])
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, s := setupTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, testRecord("doc-1", "pt-1", time.Now().UTC())))

	assert.True(t, mr.Exists("test:doc:doc-1"))
	assert.Equal(t, "validated", mr.HGet("test:doc:doc-1", "status"))
	assert.Equal(t, "1", mr.HGet("test:doc:doc-1", "version"))

	members, err := mr.Members("test:idx:patient:pt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, members)

	members, err = mr.Members("test:idx:status:validated")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, members)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, s := setupTestRedisStore(t)
	mr.Close()

	ctx := context.Background()
	_, err := s.Get(ctx, "doc-1")
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))

	err = s.Insert(ctx, testRecord("doc-1", "", time.Now().UTC()))
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))

	assert.True(t, errors.Is(s.Ping(ctx), types.ErrStoreUnavailable))
}

func TestRedisStore_CorruptRecord(t *testing.T) {
	mr, s := setupTestRedisStore(t)
	mr.HSet("test:doc:doc-1", "version", "not-a-number")

	_, err := s.Get(context.Background(), "doc-1")
	assert.True(t, errors.Is(err, types.ErrIntegrityFailure))
}

func recordIDs(records []*Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
