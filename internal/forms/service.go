package forms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingFormID     = errors.New("form identifier is required")
	errMissingSource     = errors.New("source database handle is required")
	noOpLogger           = zap.NewNop()

	// ErrFormNotFound indicates that no form matches the given identity.
	ErrFormNotFound = errors.New("forms: form not found")
	// ErrDuplicateOrder indicates two fields of one form share a display order.
	ErrDuplicateOrder = errors.New("forms: duplicate field display order")
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "forms.service.new"
	opSaveForm      = "forms.save_form"
	opReplaceFields = "forms.replace_fields"
	opLoadForm      = "forms.load_form"
	opDeleteForm    = "forms.delete_form"
	opSubmit        = "forms.submit"
	opReconcile     = "forms.reconcile"
	opRecover       = "forms.recover"
	opExport        = "forms.export"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the forms service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// Service owns form definitions, submission intake and the batch
// maintenance operations over stored responses.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// FieldDraft describes one field of a form being created or updated.
// FieldID may be set to preserve an existing identifier across a field
// list replacement; when empty a new identifier is issued.
type FieldDraft struct {
	FieldID      string
	Kind         FieldKind
	Label        string
	Placeholder  string
	HelpText     string
	Required     bool
	Options      []string
	DisplayOrder int
	Constraints  *ConstraintRecord
}

// FormDraft describes a form being created.
type FormDraft struct {
	Slug        string
	Status      FormStatus
	Title       string
	Description string
	Body        string
	Fields      []FieldDraft
}

// SaveForm creates a form together with its field list in one
// transaction.
func (s *Service) SaveForm(ctx context.Context, draft FormDraft) (FormDefinition, error) {
	slug := strings.TrimSpace(draft.Slug)
	if slug == "" {
		return FormDefinition{}, newServiceError(opSaveForm, "missing_slug", ErrInvalidSlug)
	}
	status := draft.Status
	if status == "" {
		status = StatusDraft
	}
	if _, err := ParseFormStatus(status.String()); err != nil {
		return FormDefinition{}, newServiceError(opSaveForm, "invalid_status", err)
	}

	formID, err := s.idProvider.NewID()
	if err != nil {
		return FormDefinition{}, newServiceError(opSaveForm, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	form := Form{
		FormID:           formID,
		Slug:             slug,
		Status:           status.String(),
		Title:            draft.Title,
		Description:      draft.Description,
		Body:             draft.Body,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	fields, err := s.buildFieldRows(formID, draft.Fields)
	if err != nil {
		return FormDefinition{}, newServiceError(opSaveForm, "invalid_fields", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&form).Error; err != nil {
			return err
		}
		if len(fields) > 0 {
			if err := tx.Create(&fields).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSaveForm, "storage_failure", txErr, zap.String("slug", slug))
		return FormDefinition{}, newServiceError(opSaveForm, "storage_failure", txErr)
	}

	return FormDefinition{Form: form, Fields: fields}, nil
}

// ReplaceFields atomically swaps the field list of an existing form.
// Responses are untouched: a removed field leaves its historical
// responses dangling on their snapshots, to be relinked by
// reconciliation if an equally labeled field reappears.
func (s *Service) ReplaceFields(ctx context.Context, formID FormID, drafts []FieldDraft) (FormDefinition, error) {
	if formID == "" {
		return FormDefinition{}, newServiceError(opReplaceFields, "missing_form_id", errMissingFormID)
	}

	var form Form
	if err := s.db.WithContext(ctx).Where("form_id = ?", formID.String()).Take(&form).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return FormDefinition{}, newServiceError(opReplaceFields, "not_found", ErrFormNotFound)
		}
		return FormDefinition{}, newServiceError(opReplaceFields, "storage_failure", err)
	}

	fields, err := s.buildFieldRows(form.FormID, drafts)
	if err != nil {
		return FormDefinition{}, newServiceError(opReplaceFields, "invalid_fields", err)
	}

	now := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("form_id = ?", form.FormID).Delete(&FieldDefinition{}).Error; err != nil {
			return err
		}
		if len(fields) > 0 {
			if err := tx.Create(&fields).Error; err != nil {
				return err
			}
		}
		return tx.Model(&Form{}).Where("form_id = ?", form.FormID).
			Update("updated_at_s", now).Error
	})
	if txErr != nil {
		s.logError(opReplaceFields, "storage_failure", txErr, zap.String("form_id", form.FormID))
		return FormDefinition{}, newServiceError(opReplaceFields, "storage_failure", txErr)
	}

	form.UpdatedAtSeconds = now
	return FormDefinition{Form: form, Fields: fields}, nil
}

// FormByID loads a form and its fields in display order.
func (s *Service) FormByID(ctx context.Context, formID FormID) (FormDefinition, error) {
	if formID == "" {
		return FormDefinition{}, newServiceError(opLoadForm, "missing_form_id", errMissingFormID)
	}
	return s.loadForm(ctx, "form_id = ?", formID.String())
}

// FormBySlug loads a form and its fields in display order.
func (s *Service) FormBySlug(ctx context.Context, slug string) (FormDefinition, error) {
	trimmed := strings.TrimSpace(slug)
	if trimmed == "" {
		return FormDefinition{}, newServiceError(opLoadForm, "missing_slug", ErrInvalidSlug)
	}
	return s.loadForm(ctx, "slug = ?", trimmed)
}

func (s *Service) loadForm(ctx context.Context, query string, argument string) (FormDefinition, error) {
	var form Form
	err := s.db.WithContext(ctx).Where(query, argument).Take(&form).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FormDefinition{}, newServiceError(opLoadForm, "not_found", ErrFormNotFound)
	}
	if err != nil {
		s.logError(opLoadForm, "storage_failure", err)
		return FormDefinition{}, newServiceError(opLoadForm, "storage_failure", err)
	}

	fields, err := s.fieldsInOrder(ctx, form.FormID)
	if err != nil {
		s.logError(opLoadForm, "storage_failure", err, zap.String("form_id", form.FormID))
		return FormDefinition{}, newServiceError(opLoadForm, "storage_failure", err)
	}
	return FormDefinition{Form: form, Fields: fields}, nil
}

// DeleteForm removes a form and its owned fields. Submissions and
// responses are deliberately kept: their snapshots remain meaningful
// without the form.
func (s *Service) DeleteForm(ctx context.Context, formID FormID) error {
	if formID == "" {
		return newServiceError(opDeleteForm, "missing_form_id", errMissingFormID)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("form_id = ?", formID.String()).Delete(&Form{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrFormNotFound
		}
		return tx.Where("form_id = ?", formID.String()).Delete(&FieldDefinition{}).Error
	})
	if errors.Is(txErr, ErrFormNotFound) {
		return newServiceError(opDeleteForm, "not_found", ErrFormNotFound)
	}
	if txErr != nil {
		s.logError(opDeleteForm, "storage_failure", txErr, zap.String("form_id", formID.String()))
		return newServiceError(opDeleteForm, "storage_failure", txErr)
	}
	return nil
}

func (s *Service) fieldsInOrder(ctx context.Context, formID string) ([]FieldDefinition, error) {
	var fields []FieldDefinition
	err := s.db.WithContext(ctx).
		Where("form_id = ?", formID).
		Order("display_order ASC").
		Find(&fields).Error
	if err != nil {
		return nil, err
	}
	return fields, nil
}

func (s *Service) buildFieldRows(formID string, drafts []FieldDraft) ([]FieldDefinition, error) {
	seenOrders := make(map[int]struct{}, len(drafts))
	fields := make([]FieldDefinition, 0, len(drafts))
	for _, draft := range drafts {
		if _, err := ParseFieldKind(draft.Kind.String()); err != nil {
			return nil, err
		}
		if strings.TrimSpace(draft.Label) == "" {
			return nil, fmt.Errorf("forms: field with order %d: empty label", draft.DisplayOrder)
		}
		if _, taken := seenOrders[draft.DisplayOrder]; taken {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateOrder, draft.DisplayOrder)
		}
		seenOrders[draft.DisplayOrder] = struct{}{}

		fieldID := strings.TrimSpace(draft.FieldID)
		if fieldID == "" {
			issued, err := s.idProvider.NewID()
			if err != nil {
				return nil, err
			}
			fieldID = issued
		}

		options, err := encodeOptions(draft.Options)
		if err != nil {
			return nil, err
		}
		constraints, err := encodeConstraints(draft.Constraints)
		if err != nil {
			return nil, err
		}

		fields = append(fields, FieldDefinition{
			FieldID:      fieldID,
			FormID:       formID,
			Kind:         draft.Kind.String(),
			Label:        draft.Label,
			Placeholder:  draft.Placeholder,
			HelpText:     draft.HelpText,
			Required:     draft.Required,
			Options:      options,
			DisplayOrder: draft.DisplayOrder,
			Constraints:  constraints,
		})
	}

	sort.SliceStable(fields, func(i, j int) bool {
		return fields[i].DisplayOrder < fields[j].DisplayOrder
	})
	return fields, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("forms service error", attrs...)
}
