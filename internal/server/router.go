package server

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/formloom/formloom/backend/internal/forms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingFormsService   = errors.New("forms service dependency required")
	errMissingSnapshotOpener = errors.New("snapshot opener dependency required")
)

// SnapshotOpener opens a point-in-time submission store for recovery.
// The close func releases the store's connection once the recovery pass
// is done.
type SnapshotOpener func(path string) (*gorm.DB, func() error, error)

// Dependencies wires the HTTP handler to its collaborators.
type Dependencies struct {
	FormsService   *forms.Service
	SnapshotOpener SnapshotOpener
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the public submission
// surface and the operator endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.FormsService == nil {
		return nil, errMissingFormsService
	}
	if deps.SnapshotOpener == nil {
		return nil, errMissingSnapshotOpener
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		formsService:   deps.FormsService,
		snapshotOpener: deps.SnapshotOpener,
		logger:         logger,
	}

	router.GET("/forms/:slug", handler.handleGetForm)
	router.POST("/forms/:slug/submissions", handler.handleSubmit)

	admin := router.Group("/admin")
	admin.POST("/forms", handler.handleCreateForm)
	admin.PUT("/forms/:id/fields", handler.handleReplaceFields)
	admin.DELETE("/forms/:id", handler.handleDeleteForm)
	admin.POST("/forms/:id/reconcile", handler.handleReconcile)
	admin.POST("/forms/:id/recover", handler.handleRecover)
	admin.GET("/forms/:id/export.csv", handler.handleExport)

	return router, nil
}

type httpHandler struct {
	formsService   *forms.Service
	snapshotOpener SnapshotOpener
	logger         *zap.Logger
}

type fieldPayload struct {
	ID          string                  `json:"id,omitempty"`
	Kind        string                  `json:"kind"`
	Label       string                  `json:"label"`
	Placeholder string                  `json:"placeholder,omitempty"`
	HelpText    string                  `json:"help_text,omitempty"`
	Required    bool                    `json:"required"`
	Options     []string                `json:"options,omitempty"`
	Order       int                     `json:"order"`
	Validation  *forms.ConstraintRecord `json:"validation,omitempty"`
}

type formRequestPayload struct {
	Slug        string         `json:"slug"`
	Status      string         `json:"status,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Body        string         `json:"body,omitempty"`
	Fields      []fieldPayload `json:"fields"`
}

type formResponsePayload struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	Status      string         `json:"status"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Body        string         `json:"body,omitempty"`
	Fields      []fieldPayload `json:"fields"`
}

type submitRequestPayload struct {
	Values   forms.Payload          `json:"values"`
	Metadata *submitMetadataPayload `json:"metadata,omitempty"`
}

type submitMetadataPayload struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type submitResponsePayload struct {
	SubmissionID       string `json:"submission_id"`
	SubmittedAtSeconds int64  `json:"submitted_at_s"`
}

type recoverRequestPayload struct {
	SnapshotPath string `json:"snapshot_path"`
}

func (h *httpHandler) handleGetForm(c *gin.Context) {
	definition, err := h.formsService.FormBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.respondError(c, err, "form_load_failed")
		return
	}
	if definition.Form.Status != forms.StatusPublished.String() {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, renderForm(definition))
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	definition, err := h.formsService.FormBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.respondError(c, err, "form_load_failed")
		return
	}
	if definition.Form.Status != forms.StatusPublished.String() {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	meta := forms.ClientMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	if request.Metadata != nil {
		if strings.TrimSpace(request.Metadata.IPAddress) != "" {
			meta.IPAddress = request.Metadata.IPAddress
		}
		if strings.TrimSpace(request.Metadata.UserAgent) != "" {
			meta.UserAgent = request.Metadata.UserAgent
		}
	}

	record, err := h.formsService.SubmitToForm(c.Request.Context(), definition, request.Values, meta)
	if err != nil {
		if validationErr, ok := forms.IsValidationError(err); ok {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": validationErr.Violations})
			return
		}
		h.logger.Error("submission failed", zap.String("form_id", definition.Form.FormID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission_failed"})
		return
	}

	c.JSON(http.StatusCreated, submitResponsePayload{
		SubmissionID:       record.Submission.SubmissionID,
		SubmittedAtSeconds: record.Submission.SubmittedAtSeconds,
	})
}

func (h *httpHandler) handleCreateForm(c *gin.Context) {
	var request formRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	drafts, err := fieldDrafts(request.Fields)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := forms.StatusDraft
	if strings.TrimSpace(request.Status) != "" {
		status, err = forms.ParseFormStatus(request.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
	}

	definition, err := h.formsService.SaveForm(c.Request.Context(), forms.FormDraft{
		Slug:        request.Slug,
		Status:      status,
		Title:       request.Title,
		Description: request.Description,
		Body:        request.Body,
		Fields:      drafts,
	})
	if err != nil {
		h.respondError(c, err, "form_save_failed")
		return
	}
	c.JSON(http.StatusCreated, renderForm(definition))
}

func (h *httpHandler) handleReplaceFields(c *gin.Context) {
	formID, err := forms.NewFormID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}

	var request []fieldPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	drafts, err := fieldDrafts(request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	definition, err := h.formsService.ReplaceFields(c.Request.Context(), formID, drafts)
	if err != nil {
		h.respondError(c, err, "fields_save_failed")
		return
	}
	c.JSON(http.StatusOK, renderForm(definition))
}

func (h *httpHandler) handleDeleteForm(c *gin.Context) {
	formID, err := forms.NewFormID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}

	if err := h.formsService.DeleteForm(c.Request.Context(), formID); err != nil {
		h.respondError(c, err, "form_delete_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	formID, err := forms.NewFormID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}

	report, err := h.formsService.ReconcileResponses(c.Request.Context(), formID)
	if err != nil {
		if errors.Is(err, forms.ErrFormNotFound) {
			h.respondError(c, err, "reconcile_failed")
			return
		}
		// An interrupted pass still relinked report.MigratedCount rows.
		h.logger.Error("reconciliation failed", zap.String("form_id", formID.String()),
			zap.Int("migrated_count", report.MigratedCount), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":         "reconcile_failed",
			"migratedCount": report.MigratedCount,
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleRecover(c *gin.Context) {
	formID, err := forms.NewFormID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}

	var request recoverRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SnapshotPath) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	source, closeSource, err := h.snapshotOpener(request.SnapshotPath)
	if err != nil {
		h.logger.Error("snapshot open failed", zap.String("path", request.SnapshotPath), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "snapshot_open_failed"})
		return
	}
	defer func() {
		if err := closeSource(); err != nil {
			h.logger.Warn("snapshot close failed", zap.String("path", request.SnapshotPath), zap.Error(err))
		}
	}()

	report, err := h.formsService.RecoverFromSnapshot(c.Request.Context(), source, formID)
	if err != nil {
		h.respondError(c, err, "recover_failed")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	formID, err := forms.NewFormID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}

	table, err := h.formsService.ExportSubmissions(c.Request.Context(), formID)
	if err != nil {
		h.respondError(c, err, "export_failed")
		return
	}

	var buffer bytes.Buffer
	if err := table.WriteCSV(&buffer); err != nil {
		h.logger.Error("export rendering failed", zap.String("form_id", formID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="submissions.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buffer.Bytes())
}

func (h *httpHandler) respondError(c *gin.Context, err error, code string) {
	if errors.Is(err, forms.ErrFormNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if errors.Is(err, forms.ErrInvalidSlug) || errors.Is(err, forms.ErrUnknownKind) ||
		errors.Is(err, forms.ErrDuplicateOrder) || errors.Is(err, forms.ErrInvalidStatus) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}

func fieldDrafts(payloads []fieldPayload) ([]forms.FieldDraft, error) {
	drafts := make([]forms.FieldDraft, 0, len(payloads))
	for _, payload := range payloads {
		kind, err := forms.ParseFieldKind(payload.Kind)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, forms.FieldDraft{
			FieldID:      payload.ID,
			Kind:         kind,
			Label:        payload.Label,
			Placeholder:  payload.Placeholder,
			HelpText:     payload.HelpText,
			Required:     payload.Required,
			Options:      payload.Options,
			DisplayOrder: payload.Order,
			Constraints:  payload.Validation,
		})
	}
	return drafts, nil
}

func renderForm(definition forms.FormDefinition) formResponsePayload {
	fields := make([]fieldPayload, 0, len(definition.Fields))
	for _, field := range definition.Fields {
		options, err := field.OptionValues()
		if err != nil {
			options = nil
		}
		var validation *forms.ConstraintRecord
		if record, err := field.ConstraintValues(); err == nil && len(field.Constraints) > 0 {
			validation = &record
		}
		fields = append(fields, fieldPayload{
			ID:          field.FieldID,
			Kind:        field.Kind,
			Label:       field.Label,
			Placeholder: field.Placeholder,
			HelpText:    field.HelpText,
			Required:    field.Required,
			Options:     options,
			Order:       field.DisplayOrder,
			Validation:  validation,
		})
	}
	return formResponsePayload{
		ID:          definition.Form.FormID,
		Slug:        definition.Form.Slug,
		Status:      definition.Form.Status,
		Title:       definition.Form.Title,
		Description: definition.Form.Description,
		Body:        definition.Form.Body,
		Fields:      fields,
	}
}
