package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/medrex/scribe/pkg/types"
)

// PostgresStore persists records in the clinical_documents and
// document_addenda tables
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open connection pool
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Backend() string { return "postgresql" }

// Ping checks the connection pool
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.NewStoreUnavailableError("ping", err)
	}
	return nil
}

const documentColumns = `id, patient_ref, document_type, status, encrypted_document,
			content_hash, encryption_scheme, version, created_at, updated_at, completed_at`

// Insert stores a new record at version 1
func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO clinical_documents (
			` + documentColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		rec.ID,
		nullString(rec.PatientRef),
		rec.DocumentType,
		rec.Status,
		rec.Blob,
		rec.ContentHash,
		rec.Scheme,
		1,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return types.NewStoreUnavailableError("insert", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return types.NewStoreUnavailableError("insert", err)
	}
	if rowsAffected == 0 {
		return types.NewConflictError(rec.ID, 0)
	}

	rec.Version = 1
	return nil
}

// Get returns one record
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM clinical_documents
		WHERE id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError("document", id)
		}
		return nil, types.NewStoreUnavailableError("get", err)
	}
	return rec, nil
}

// ListByPatient returns the patient's records, newest first
func (s *PostgresStore) ListByPatient(ctx context.Context, patientRef string) ([]*Record, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM clinical_documents
		WHERE patient_ref = $1
		ORDER BY created_at DESC, id`
	return s.list(ctx, "list_by_patient", query, patientRef)
}

// ListByStatus returns the records in one status, newest first
func (s *PostgresStore) ListByStatus(ctx context.Context, status types.ValidationStatus) ([]*Record, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM clinical_documents
		WHERE status = $1
		ORDER BY created_at DESC, id`
	return s.list(ctx, "list_by_status", query, string(status))
}

func (s *PostgresStore) list(ctx context.Context, operation, query string, arg interface{}) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, types.NewStoreUnavailableError(operation, err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, types.NewStoreUnavailableError(operation, fmt.Errorf("failed to scan document row: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreUnavailableError(operation, fmt.Errorf("error iterating document rows: %w", err))
	}
	return records, nil
}

// Update replaces a record if its version matches
func (s *PostgresStore) Update(ctx context.Context, rec *Record, expectedVersion int) error {
	if err := s.update(ctx, s.db, rec, expectedVersion); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *PostgresStore) update(ctx context.Context, db execer, rec *Record, expectedVersion int) error {
	query := `
		UPDATE clinical_documents
		SET status = $1, encrypted_document = $2, content_hash = $3, encryption_scheme = $4,
			updated_at = $5, completed_at = $6, version = version + 1
		WHERE id = $7 AND version = $8`

	result, err := db.ExecContext(ctx, query,
		rec.Status,
		rec.Blob,
		rec.ContentHash,
		rec.Scheme,
		rec.UpdatedAt,
		rec.CompletedAt,
		rec.ID,
		expectedVersion,
	)
	if err != nil {
		return types.NewStoreUnavailableError("update", err)
	}
	return s.checkAffected(ctx, db, result, rec.ID, expectedVersion, "update")
}

// checkAffected distinguishes a missing row from a stale version when a
// guarded write touched nothing
func (s *PostgresStore) checkAffected(ctx context.Context, db execer, result sql.Result, id string, expectedVersion int, operation string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return types.NewStoreUnavailableError(operation, err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var current int
	err = db.QueryRowContext(ctx, `SELECT version FROM clinical_documents WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewNotFoundError("document", id)
	}
	if err != nil {
		return types.NewStoreUnavailableError(operation, err)
	}
	return types.NewConflictError(id, expectedVersion)
}

// Delete removes a record if its version matches; addenda cascade
func (s *PostgresStore) Delete(ctx context.Context, id string, expectedVersion int) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM clinical_documents WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return types.NewStoreUnavailableError("delete", err)
	}
	return s.checkAffected(ctx, s.db, result, id, expectedVersion, "delete")
}

// AppendAddendum updates the record and inserts the addendum in one transaction
func (s *PostgresStore) AppendAddendum(ctx context.Context, rec *Record, expectedVersion int, addendum *AddendumRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewStoreUnavailableError("append_addendum", err)
	}
	defer tx.Rollback()

	if err := s.update(ctx, tx, rec, expectedVersion); err != nil {
		return err
	}

	query := `
		INSERT INTO document_addenda (
			id, document_id, encrypted_addendum, content_hash, encryption_scheme, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := tx.ExecContext(ctx, query,
		addendum.ID,
		addendum.DocumentID,
		addendum.Blob,
		addendum.ContentHash,
		addendum.Scheme,
		addendum.CreatedAt,
	); err != nil {
		return types.NewStoreUnavailableError("append_addendum", err)
	}

	if err := tx.Commit(); err != nil {
		return types.NewStoreUnavailableError("append_addendum", err)
	}
	rec.Version = expectedVersion + 1
	return nil
}

// Addenda returns a document's addenda in append order
func (s *PostgresStore) Addenda(ctx context.Context, documentID string) ([]*AddendumRecord, error) {
	query := `
		SELECT id, document_id, encrypted_addendum, content_hash, encryption_scheme, created_at
		FROM document_addenda
		WHERE document_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, types.NewStoreUnavailableError("addenda", err)
	}
	defer rows.Close()

	addenda := []*AddendumRecord{}
	for rows.Next() {
		var a AddendumRecord
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.Blob, &a.ContentHash, &a.Scheme, &a.CreatedAt); err != nil {
			return nil, types.NewStoreUnavailableError("addenda", fmt.Errorf("failed to scan addendum row: %w", err))
		}
		addenda = append(addenda, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStoreUnavailableError("addenda", fmt.Errorf("error iterating addendum rows: %w", err))
	}
	return addenda, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var patientRef sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&patientRef,
		&rec.DocumentType,
		&rec.Status,
		&rec.Blob,
		&rec.ContentHash,
		&rec.Scheme,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if patientRef.Valid {
		rec.PatientRef = patientRef.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
