// Package notes is the clinical notes service: it drives generation,
// validation and persistence of AI-authored documents and exposes them over
// HTTP to clinicians.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medrex/scribe/pkg/export"
	"github.com/medrex/scribe/pkg/extractor"
	"github.com/medrex/scribe/pkg/generation"
	"github.com/medrex/scribe/pkg/lifecycle"
	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/monitoring"
	"github.com/medrex/scribe/pkg/repository"
	"github.com/medrex/scribe/pkg/types"
	"github.com/medrex/scribe/pkg/validation"
)

// Generation outcomes recorded in metrics
const (
	OutcomePersisted        = "persisted"
	OutcomeBlocked          = "blocked"
	OutcomeUnvalidated      = "unvalidated"
	OutcomeExtractionFailed = "extraction_failed"
	OutcomeGenerationFailed = "generation_failed"
	OutcomeStoreFailed      = "store_failed"
)

// ServiceConfig holds the service options taken from configuration
type ServiceConfig struct {
	ModelID         string
	ModelVersion    string
	Streaming       bool
	BlockOnError    bool
	DefaultLanguage types.Language
}

// GenerateRequest asks for one document to be generated
type GenerateRequest struct {
	PatientContext types.PatientContext `json:"patient_context"`
	DocumentType   types.DocumentType   `json:"document_type"`
	Language       types.Language       `json:"language,omitempty"`
	RequestedBy    string               `json:"-"`
}

// GenerateResult is the outcome of a generation. Document is always set;
// Persisted is true only for validated documents.
type GenerateResult struct {
	Document  *lifecycle.ClinicalDocument
	Findings  []types.ValidationFinding
	Persisted bool
}

// ListFilter selects documents by patient or by status
type ListFilter struct {
	PatientRef string
	Status     types.ValidationStatus
}

// Service implements the clinical notes workflow
type Service struct {
	repo      *repository.DocumentRepository
	generator generation.Generator
	validator *validation.Validator
	config    ServiceConfig
	logger    *logger.Logger
	monitor   *monitoring.MonitoringMiddleware
}

// NewService creates a new notes service. monitor may be nil.
func NewService(
	repo *repository.DocumentRepository,
	generator generation.Generator,
	validator *validation.Validator,
	config ServiceConfig,
	log *logger.Logger,
	monitor *monitoring.MonitoringMiddleware,
) *Service {
	if config.DefaultLanguage == "" {
		config.DefaultLanguage = types.LanguageEnglish
	}
	return &Service{
		repo:      repo,
		generator: generator,
		validator: validator,
		config:    config,
		logger:    log,
		monitor:   monitor,
	}
}

// Generate runs prompt, model, extraction and validation, then persists the
// document when it validated. Nothing is stored before validation finishes.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	start := time.Now()
	docType := req.DocumentType
	if !docType.Valid() {
		return nil, types.NewInvalidRequestError("document_type", fmt.Sprintf("unknown document type %q", docType))
	}
	lang := req.Language
	if lang == "" {
		lang = s.config.DefaultLanguage
	}

	prompt, err := s.buildPrompt(req.PatientContext, docType, lang)
	if err != nil {
		return nil, err
	}

	raw, err := s.runModel(ctx, prompt.Text, docType)
	if err != nil {
		s.finishGeneration(ctx, req, OutcomeGenerationFailed, start, false)
		return nil, err
	}
	elapsed := time.Since(start)

	_, span := s.monitor.Tracing().StartPipelineSpan(ctx, "extract", string(docType))
	content, err := extractor.Extract(raw, docType)
	monitoring.RecordError(span, err)
	span.End()
	if err != nil {
		code := types.ErrCodeInternalError
		if se, ok := types.AsScribeError(err); ok {
			code = se.Code
		}
		s.monitor.Metrics().RecordExtractionFailure(code)
		s.finishGeneration(ctx, req, OutcomeExtractionFailed, start, false)
		return nil, err
	}

	_, span = s.monitor.Tracing().StartPipelineSpan(ctx, "validate", string(docType))
	doc, report := lifecycle.New(lifecycle.Draft{
		PatientRef: req.PatientContext.PatientRef,
		Content:    *content,
		Metadata: types.DocumentMetadata{
			ModelID:            s.config.ModelID,
			ModelVersion:       s.config.ModelVersion,
			GenerationDuration: elapsed,
			PromptTemplateID:   prompt.TemplateID,
			Language:           lang,
		},
	}, s.validator)
	span.End()
	s.recordFindings(report.Findings)

	result := &GenerateResult{Document: doc, Findings: report.Findings}
	switch doc.Status() {
	case types.StatusBlocked:
		s.logger.Security("ai_output_blocked", req.RequestedBy, map[string]interface{}{
			"document_id":   doc.ID(),
			"document_type": docType,
			"critical":      report.Counts()[types.SeverityCritical],
		})
		s.finishGeneration(ctx, req, OutcomeBlocked, start, true)
		return result, nil

	case types.StatusUnvalidated:
		if s.config.BlockOnError {
			if err := doc.Block("unresolved validation errors"); err != nil {
				return nil, err
			}
			s.monitor.Metrics().RecordTransition(string(types.StatusUnvalidated), string(types.StatusBlocked))
			result.Findings = doc.Findings()
			s.finishGeneration(ctx, req, OutcomeBlocked, start, true)
			return result, nil
		}
		s.finishGeneration(ctx, req, OutcomeUnvalidated, start, true)
		return result, nil
	}

	persistCtx, span := s.monitor.Tracing().StartPipelineSpan(ctx, "persist", string(docType))
	_, err = s.repo.Save(persistCtx, doc)
	monitoring.RecordError(span, err)
	span.End()
	if err != nil {
		s.finishGeneration(ctx, req, OutcomeStoreFailed, start, false)
		return nil, err
	}

	result.Persisted = true
	s.finishGeneration(ctx, req, OutcomePersisted, start, true)
	return result, nil
}

func (s *Service) buildPrompt(pc types.PatientContext, docType types.DocumentType, lang types.Language) (generation.Prompt, error) {
	opts := generation.PromptOptions{Language: lang}
	if docType.IsFindingsSummary() {
		profile, ok := s.validator.Rules().Profile(docType)
		if !ok {
			return generation.Prompt{}, types.NewInvalidRequestError("document_type",
				fmt.Sprintf("no safety rules for %s", docType))
		}
		disclosure, ok := profile.Disclosure[lang]
		if !ok {
			return generation.Prompt{}, types.NewInvalidRequestError("language",
				fmt.Sprintf("no canonical disclosure for %s in %s", docType, lang))
		}
		opts.Disclosure = disclosure.Text
	}

	prompt, err := generation.BuildPrompt(pc, docType, opts)
	if err != nil {
		return generation.Prompt{}, types.NewInvalidRequestError("", err.Error())
	}
	return prompt, nil
}

// runModel calls the model, streaming when configured and supported
func (s *Service) runModel(ctx context.Context, prompt string, docType types.DocumentType) (string, error) {
	ctx, span := s.monitor.Tracing().StartPipelineSpan(ctx, "generate", string(docType))
	defer span.End()

	var raw string
	var err error
	if streamer, ok := s.generator.(generation.StreamGenerator); ok && s.config.Streaming {
		var chunks <-chan generation.Chunk
		chunks, err = streamer.Stream(ctx, prompt)
		if err == nil {
			raw, err = generation.Collect(ctx, chunks, generation.ObserverFunc(func(p generation.Progress) {
				s.logger.WithContext(ctx).WithFields(map[string]interface{}{
					"chunks": p.Chunks,
					"bytes":  p.Bytes,
				}).Debug("Generation progress")
			}))
		}
	} else {
		raw, err = s.generator.Generate(ctx, prompt)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = types.NewGenerationError("generation cancelled", err)
		} else if _, ok := types.AsScribeError(err); !ok {
			err = types.NewGenerationError("model call failed", err)
		}
		monitoring.RecordError(span, err)
		return "", err
	}
	return raw, nil
}

func (s *Service) recordFindings(findings []types.ValidationFinding) {
	for _, f := range findings {
		s.monitor.Metrics().RecordFinding(f.Rule, string(f.Severity), f.Category)
	}
}

func (s *Service) finishGeneration(ctx context.Context, req GenerateRequest, outcome string, start time.Time, success bool) {
	duration := time.Since(start)
	s.monitor.Metrics().RecordGeneration(string(req.DocumentType), outcome, duration)
	s.audit(ctx, req.RequestedBy, "generate_document", string(req.DocumentType), success, map[string]interface{}{
		"outcome": outcome,
	})
	s.logger.Performance("generate_document", duration.Milliseconds(), map[string]interface{}{
		"document_type": req.DocumentType,
		"outcome":       outcome,
	})
}

// Get returns one document
func (s *Service) Get(ctx context.Context, id, clinicianID string) (*lifecycle.ClinicalDocument, error) {
	doc, err := s.repo.Fetch(ctx, id)
	s.audit(ctx, clinicianID, "read_document", id, err == nil, nil)
	return doc, err
}

// List returns the documents of a patient, or all documents in a status
func (s *Service) List(ctx context.Context, filter ListFilter, clinicianID string) ([]*lifecycle.ClinicalDocument, error) {
	var docs []*lifecycle.ClinicalDocument
	var err error
	switch {
	case filter.PatientRef != "":
		docs, err = s.repo.FetchAllForPatient(ctx, filter.PatientRef)
		if err == nil && filter.Status != "" {
			docs = filterStatus(docs, filter.Status)
		}
	case filter.Status != "":
		if !filter.Status.Valid() {
			return nil, types.NewInvalidRequestError("status", fmt.Sprintf("unknown status %q", filter.Status))
		}
		docs, err = s.repo.FetchByStatus(ctx, filter.Status)
	default:
		return nil, types.NewInvalidRequestError("patient_ref", "patient_ref or status is required")
	}

	s.audit(ctx, clinicianID, "list_documents", filter.PatientRef+string(filter.Status), err == nil, map[string]interface{}{
		"count": len(docs),
	})
	return docs, err
}

func filterStatus(docs []*lifecycle.ClinicalDocument, status types.ValidationStatus) []*lifecycle.ClinicalDocument {
	out := docs[:0]
	for _, d := range docs {
		if d.Status() == status {
			out = append(out, d)
		}
	}
	return out
}

// Update replaces the content of an unsigned document and revalidates it
func (s *Service) Update(ctx context.Context, id string, content types.NoteContent, clinicianID string) (*lifecycle.ClinicalDocument, []types.ValidationFinding, error) {
	if content.Type == "" {
		current, err := s.repo.Fetch(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		content.Type = current.Type()
	}

	doc, report, err := s.repo.Update(ctx, id, content)
	if report != nil {
		s.recordFindings(report.Findings)
	}
	s.audit(ctx, clinicianID, "update_document", id, err == nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return doc, report.Findings, nil
}

// UpdateContent decodes edited content supplied as JSON against the closed
// schema of the stored document's type, then applies it through Update.
// Unrecognized keys and sections of another document type fail with
// SCHEMA_MISMATCH naming the field.
func (s *Service) UpdateContent(ctx context.Context, id string, raw json.RawMessage, clinicianID string) (*lifecycle.ClinicalDocument, []types.ValidationFinding, error) {
	current, err := s.repo.Fetch(ctx, id)
	if err != nil {
		s.audit(ctx, clinicianID, "update_document", id, false, nil)
		return nil, nil, err
	}
	content, err := extractor.DecodeContent(raw, current.Type())
	if err != nil {
		s.audit(ctx, clinicianID, "update_document", id, false, nil)
		return nil, nil, err
	}
	return s.Update(ctx, id, *content, clinicianID)
}

// Review records clinician review
func (s *Service) Review(ctx context.Context, id, clinicianID string) (*lifecycle.ClinicalDocument, error) {
	doc, err := s.repo.MarkReviewed(ctx, id, clinicianID)
	s.audit(ctx, clinicianID, "review_document", id, err == nil, nil)
	if err == nil {
		s.monitor.Metrics().RecordTransition(string(types.StatusValidated), string(types.StatusReviewed))
	}
	return doc, err
}

// Sign records the clinician signature and locks the document
func (s *Service) Sign(ctx context.Context, id, clinicianID string) (*lifecycle.ClinicalDocument, error) {
	doc, err := s.repo.MarkSigned(ctx, id, clinicianID)
	s.audit(ctx, clinicianID, "sign_document", id, err == nil, nil)
	if err == nil {
		s.monitor.Metrics().RecordTransition(string(types.StatusReviewed), string(types.StatusSigned))
	}
	return doc, err
}

// AddAddendum attaches a correction to a signed document
func (s *Service) AddAddendum(ctx context.Context, id, clinicianID, body, correctsField string) (types.Addendum, error) {
	a, err := s.repo.AppendAddendum(ctx, id, clinicianID, strings.TrimSpace(body), correctsField)
	s.audit(ctx, clinicianID, "append_addendum", id, err == nil, map[string]interface{}{
		"corrects_field": correctsField,
	})
	return a, err
}

// Delete removes an unsigned document
func (s *Service) Delete(ctx context.Context, id, clinicianID string) error {
	err := s.repo.Delete(ctx, id)
	s.audit(ctx, clinicianID, "delete_document", id, err == nil, nil)
	return err
}

// Export renders a document as a FHIR Composition at the requested authority
func (s *Service) Export(ctx context.Context, id string, authority export.Authority, clinicianID string) (*export.Composition, error) {
	doc, err := s.repo.Fetch(ctx, id)
	if err != nil {
		s.audit(ctx, clinicianID, "export_document", id, false, nil)
		return nil, err
	}
	comp, err := export.BuildComposition(doc, authority)
	s.audit(ctx, clinicianID, "export_document", id, err == nil, map[string]interface{}{
		"authority": authority,
		"status":    doc.Status(),
	})
	return comp, err
}

func (s *Service) audit(ctx context.Context, clinicianID, action, resource string, success bool, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		details["request_id"] = requestID
	}
	s.logger.Audit(clinicianID, action, resource, success, details)
	s.monitor.Metrics().RecordAuditEvent(action, success)
}
