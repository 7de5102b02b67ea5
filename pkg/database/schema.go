package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the tables behind the PostgreSQL document store.
// Statements are idempotent so it can run on every start.
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	statements := []string{
		createClinicalDocumentsTable,
		createDocumentAddendaTable,
		createClinicalDocumentsIndexes,
		createDocumentAddendaIndexes,
		protectSignedDocumentsFunction,
		protectSignedDocumentsTrigger,
		appendOnlyAddendaRules,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// SQL DDL statements for table creation. Clinical content lives only in the
// encrypted columns; status and timestamps stay queryable.
const (
	createClinicalDocumentsTable = `
		CREATE TABLE IF NOT EXISTS clinical_documents (
			id VARCHAR(64) PRIMARY KEY,
			patient_ref VARCHAR(128),
			document_type VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL CHECK (status IN ('unvalidated', 'validated', 'blocked', 'reviewed', 'signed')),
			encrypted_document BYTEA NOT NULL,
			content_hash VARCHAR(64) NOT NULL,
			encryption_scheme VARCHAR(64) NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMP WITH TIME ZONE
		);`

	createDocumentAddendaTable = `
		CREATE TABLE IF NOT EXISTS document_addenda (
			id VARCHAR(64) PRIMARY KEY,
			document_id VARCHAR(64) NOT NULL REFERENCES clinical_documents(id) ON DELETE CASCADE,
			encrypted_addendum BYTEA NOT NULL,
			content_hash VARCHAR(64) NOT NULL,
			encryption_scheme VARCHAR(64) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);`
)

// SQL DDL statements for index creation
const (
	createClinicalDocumentsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_clinical_documents_patient_ref ON clinical_documents(patient_ref, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_clinical_documents_status ON clinical_documents(status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_clinical_documents_content_hash ON clinical_documents(content_hash);`

	createDocumentAddendaIndexes = `
		CREATE INDEX IF NOT EXISTS idx_document_addenda_document_id ON document_addenda(document_id, created_at);`
)

// Signed documents keep their content and cannot be deleted at the database
// level either; addenda are insert-only.
const (
	protectSignedDocumentsFunction = `
		CREATE OR REPLACE FUNCTION protect_signed_documents() RETURNS trigger AS $$
		BEGIN
			IF OLD.status = 'signed' THEN
				IF TG_OP = 'DELETE' THEN
					RAISE EXCEPTION 'signed document % cannot be deleted', OLD.id;
				END IF;
				IF NEW.status <> 'signed' THEN
					RAISE EXCEPTION 'signed document % cannot change status', OLD.id;
				END IF;
			END IF;
			IF TG_OP = 'DELETE' THEN
				RETURN OLD;
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;`

	protectSignedDocumentsTrigger = `
		DROP TRIGGER IF EXISTS trg_protect_signed_documents ON clinical_documents;
		CREATE TRIGGER trg_protect_signed_documents
			BEFORE UPDATE OR DELETE ON clinical_documents
			FOR EACH ROW EXECUTE FUNCTION protect_signed_documents();`

	appendOnlyAddendaRules = `
		CREATE OR REPLACE RULE document_addenda_no_update AS
			ON UPDATE TO document_addenda DO INSTEAD NOTHING;`
)
