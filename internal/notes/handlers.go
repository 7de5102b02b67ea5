package notes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/scribe/pkg/export"
	"github.com/medrex/scribe/pkg/lifecycle"
	"github.com/medrex/scribe/pkg/logger"
	"github.com/medrex/scribe/pkg/monitoring"
	"github.com/medrex/scribe/pkg/rbac"
	"github.com/medrex/scribe/pkg/types"
)

const maxBodyBytes = 1 << 20

// Handlers handles HTTP requests for the clinical notes service
type Handlers struct {
	service *Service
	tokens  *TokenValidator
	policy  *rbac.Policy
	limiter *RateLimiter
	logger  *logger.Logger
	metrics *monitoring.Metrics
}

// NewHandlers creates new HTTP handlers. metrics may be nil.
func NewHandlers(service *Service, tokens *TokenValidator, policy *rbac.Policy, log *logger.Logger, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		service: service,
		tokens:  tokens,
		policy:  policy,
		logger:  log,
		metrics: metrics,
	}
}

// WithRateLimiter limits generation requests per clinician
func (h *Handlers) WithRateLimiter(rl *RateLimiter) *Handlers {
	h.limiter = rl
	return h
}

// RegisterRoutes registers the document API under /api/v1. Every route
// requires a clinician bearer token whose role permits the action.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.authMiddleware)

	api.HandleFunc("/documents/generate", h.permit(rbac.ActionGenerate, h.limitGeneration(h.GenerateDocument))).Methods("POST")
	api.HandleFunc("/documents", h.permit(rbac.ActionRead, h.ListDocuments)).Methods("GET")
	api.HandleFunc("/documents/{id}", h.permit(rbac.ActionRead, h.GetDocument)).Methods("GET")
	api.HandleFunc("/documents/{id}", h.permit(rbac.ActionUpdate, h.UpdateDocument)).Methods("PUT")
	api.HandleFunc("/documents/{id}", h.permit(rbac.ActionDelete, h.DeleteDocument)).Methods("DELETE")
	api.HandleFunc("/documents/{id}/review", h.permit(rbac.ActionReview, h.ReviewDocument)).Methods("POST")
	api.HandleFunc("/documents/{id}/sign", h.permit(rbac.ActionSign, h.SignDocument)).Methods("POST")
	api.HandleFunc("/documents/{id}/addenda", h.permit(rbac.ActionAddendum, h.AddAddendum)).Methods("POST")
	api.HandleFunc("/documents/{id}/export", h.permit(rbac.ActionExport, h.ExportDocument)).Methods("GET")
}

// permit rejects callers whose role may not perform action
func (h *Handlers) permit(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFromContext(r.Context())
		role := ""
		clinician := ""
		if claims != nil {
			role = claims.Role
			clinician = claims.ClinicianID
		}
		if err := h.policy.Authorize(role, action); err != nil {
			h.metrics.RecordAuthAttempt("rbac", "denied")
			h.logger.Security("access_denied", clinician, map[string]interface{}{
				"role":   role,
				"action": action,
				"path":   r.URL.Path,
			})
			h.writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

// authMiddleware validates the bearer token and attaches the clinician claims
func (h *Handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err == nil {
			var claims *ClinicianClaims
			claims, err = h.tokens.Validate(token)
			if err == nil {
				h.metrics.RecordAuthAttempt("jwt", "success")
				ctx := ContextWithClaims(r.Context(), claims)
				ctx = logger.ContextWithUserID(ctx, claims.ClinicianID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		h.metrics.RecordAuthAttempt("jwt", "failure")
		h.logger.Security("authentication_failed", "", map[string]interface{}{
			"path":   r.URL.Path,
			"reason": err.Error(),
		})
		h.writeError(w, r, unauthorized(err))
	})
}

// documentResponse is the API view of a clinical document
type documentResponse struct {
	ID           string                    `json:"id"`
	PatientRef   string                    `json:"patient_ref,omitempty"`
	DocumentType types.DocumentType        `json:"document_type"`
	Status       types.ValidationStatus    `json:"status"`
	Language     types.Language            `json:"language"`
	Content      *types.NoteContent        `json:"content,omitempty"`
	Metadata     types.DocumentMetadata    `json:"metadata"`
	Findings     []types.ValidationFinding `json:"findings"`
	Addenda      []types.Addendum          `json:"addenda"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
}

// toResponse renders doc. Content of blocked documents is withheld.
func toResponse(doc *lifecycle.ClinicalDocument) documentResponse {
	resp := documentResponse{
		ID:           doc.ID(),
		PatientRef:   doc.PatientRef(),
		DocumentType: doc.Type(),
		Status:       doc.Status(),
		Language:     doc.Language(),
		Metadata:     doc.Metadata(),
		Findings:     doc.Findings(),
		Addenda:      doc.Addenda(),
		CreatedAt:    doc.CreatedAt(),
		UpdatedAt:    doc.UpdatedAt(),
		CompletedAt:  doc.CompletedAt(),
	}
	if doc.Status() != types.StatusBlocked {
		content := doc.Content()
		resp.Content = &content
	}
	return resp
}

type generateResponse struct {
	Document  documentResponse          `json:"document"`
	Findings  []types.ValidationFinding `json:"findings"`
	Persisted bool                      `json:"persisted"`
}

// GenerateDocument handles document generation
func (h *Handlers) GenerateDocument(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.RequestedBy = clinicianID(r)

	result, err := h.service.Generate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Persisted {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, generateResponse{
		Document:  toResponse(result.Document),
		Findings:  result.Findings,
		Persisted: result.Persisted,
	})
}

// ListDocuments handles listing by patient_ref or status
func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docs, err := h.service.List(r.Context(), ListFilter{
		PatientRef: q.Get("patient_ref"),
		Status:     types.ValidationStatus(q.Get("status")),
	}, clinicianID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toResponse(d))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": out,
		"count":     len(out),
	})
}

// GetDocument handles document retrieval
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Get(r.Context(), mux.Vars(r)["id"], clinicianID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(doc))
}

// UpdateDocument handles content edits of unsigned documents
func (h *Handlers) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	doc, _, err := h.service.UpdateContent(r.Context(), mux.Vars(r)["id"], body.Content, clinicianID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(doc))
}

// DeleteDocument handles deletion of unsigned documents
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), mux.Vars(r)["id"], clinicianID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReviewDocument records review by the authenticated clinician
func (h *Handlers) ReviewDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Review(r.Context(), mux.Vars(r)["id"], clinicianID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(doc))
}

// SignDocument records the signature of the authenticated clinician
func (h *Handlers) SignDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Sign(r.Context(), mux.Vars(r)["id"], clinicianID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(doc))
}

// AddAddendum attaches an addendum authored by the authenticated clinician
func (h *Handlers) AddAddendum(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body          string `json:"body"`
		CorrectsField string `json:"corrects_field"`
	}
	if !h.decode(w, r, &body) {
		return
	}

	a, err := h.service.AddAddendum(r.Context(), mux.Vars(r)["id"], clinicianID(r), body.Body, body.CorrectsField)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, a)
}

// ExportDocument returns a FHIR Composition
func (h *Handlers) ExportDocument(w http.ResponseWriter, r *http.Request) {
	authority, err := export.ParseAuthority(r.URL.Query().Get("authority"))
	if err != nil {
		h.writeError(w, r, types.NewInvalidRequestError("authority", err.Error()))
		return
	}

	comp, err := h.service.Export(r.Context(), mux.Vars(r)["id"], authority, clinicianID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(comp); err != nil {
		h.logger.WithError(err).Error("Failed to encode composition")
	}
}

func clinicianID(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		return claims.ClinicianID
	}
	return ""
}

// decode reads a JSON body, writing a 400 on failure
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, types.NewInvalidRequestError("", "invalid JSON payload"))
		return false
	}
	return true
}

// writeJSON writes JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

type errorBody struct {
	Code     string                    `json:"code"`
	Message  string                    `json:"message"`
	Field    string                    `json:"field,omitempty"`
	Findings []types.ValidationFinding `json:"findings,omitempty"`
	Details  map[string]interface{}    `json:"details,omitempty"`
}

// writeError writes the error envelope with the status for its kind
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	se, ok := types.AsScribeError(err)
	if !ok {
		se = types.NewInternalError(types.ErrCodeInternalError, "internal error", err)
	}
	status := statusFor(se)

	entry := h.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"code":   se.Code,
		"status": status,
		"path":   r.URL.Path,
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	body := errorBody{
		Code:     se.Code,
		Message:  se.Message,
		Field:    se.Field,
		Findings: se.Findings,
	}
	if status < http.StatusInternalServerError {
		body.Details = se.Details
	}
	if se.Type == types.ErrorTypeInternal {
		body.Message = "internal error"
	}

	h.writeJSON(w, status, map[string]interface{}{
		"error":     body,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func statusFor(se *types.ScribeError) int {
	switch se.Type {
	case types.ErrorTypeExtraction, types.ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case types.ErrorTypeRequest:
		return http.StatusBadRequest
	case types.ErrorTypeLifecycle, types.ErrorTypeConflict:
		return http.StatusConflict
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeStoreUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrorTypeAuthorization:
		return http.StatusUnauthorized
	case types.ErrorTypeForbidden:
		return http.StatusForbidden
	case types.ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case types.ErrorTypeGeneration:
		if errors.Is(se.Cause, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
