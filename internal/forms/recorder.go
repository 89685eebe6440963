package forms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ValidationError rejects a submission wholesale and carries the
// per-field violation messages for the caller to surface.
type ValidationError struct {
	Violations map[string][]string
}

func (e *ValidationError) Error() string {
	fieldIDs := make([]string, 0, len(e.Violations))
	for fieldID := range e.Violations {
		fieldIDs = append(fieldIDs, fieldID)
	}
	sort.Strings(fieldIDs)
	return fmt.Sprintf("forms: validation failed for fields [%s]", strings.Join(fieldIDs, ", "))
}

// Submit validates a raw payload against the form's current fields and,
// on success, records the submission. Validation failure is returned as
// a *ValidationError; nothing is persisted in that case.
func (s *Service) Submit(ctx context.Context, formID FormID, payload Payload, meta ClientMetadata) (SubmissionRecord, error) {
	if formID == "" {
		return SubmissionRecord{}, newServiceError(opSubmit, "missing_form_id", errMissingFormID)
	}

	definition, err := s.FormByID(ctx, formID)
	if err != nil {
		return SubmissionRecord{}, err
	}
	return s.SubmitToForm(ctx, definition, payload, meta)
}

// SubmitToForm is Submit for callers that already hold the loaded
// definition, so the form and its fields are read exactly once per
// request.
func (s *Service) SubmitToForm(ctx context.Context, definition FormDefinition, payload Payload, meta ClientMetadata) (SubmissionRecord, error) {
	if definition.Form.FormID == "" {
		return SubmissionRecord{}, newServiceError(opSubmit, "missing_form_id", errMissingFormID)
	}

	validator, err := CompileSchema(definition.Fields)
	if err != nil {
		s.logError(opSubmit, "schema_compile_failed", err, zap.String("form_id", definition.Form.FormID))
		return SubmissionRecord{}, newServiceError(opSubmit, "schema_compile_failed", err)
	}

	result := validator.Validate(payload)
	if !result.OK() {
		return SubmissionRecord{}, &ValidationError{Violations: result.Violations}
	}

	record, err := s.recordSubmission(ctx, definition, result.Values, meta)
	if err != nil {
		s.logError(opSubmit, "storage_failure", err, zap.String("form_id", definition.Form.FormID))
		return SubmissionRecord{}, newServiceError(opSubmit, "storage_failure", err)
	}
	return record, nil
}

// recordSubmission writes the submission and one response per
// normalized value as a single transaction. Each response snapshots the
// current label and kind of its field verbatim; a later field edit or
// deletion never reaches back into these rows.
func (s *Service) recordSubmission(ctx context.Context, definition FormDefinition, values map[string]Value, meta ClientMetadata) (SubmissionRecord, error) {
	submissionID, err := s.idProvider.NewID()
	if err != nil {
		return SubmissionRecord{}, err
	}

	submission := Submission{
		SubmissionID:       submissionID,
		FormID:             definition.Form.FormID,
		SubmittedAtSeconds: s.clock().UTC().Unix(),
		IPAddress:          meta.IPAddress,
		UserAgent:          meta.UserAgent,
	}

	responses := make([]Response, 0, len(values))
	for _, field := range definition.Fields {
		value, answered := values[field.FieldID]
		if !answered {
			continue
		}

		stored := value.Text
		if value.IsList {
			stored, err = encodeListValue(value.Items)
			if err != nil {
				return SubmissionRecord{}, err
			}
		}

		responseID, err := s.idProvider.NewID()
		if err != nil {
			return SubmissionRecord{}, err
		}

		fieldID := field.FieldID
		responses = append(responses, Response{
			ResponseID:    responseID,
			SubmissionID:  submissionID,
			FieldID:       &fieldID,
			LabelSnapshot: field.Label,
			KindSnapshot:  field.Kind,
			Value:         stored,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&submission).Error; err != nil {
			return err
		}
		for i := range responses {
			if err := tx.Create(&responses[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return SubmissionRecord{}, txErr
	}

	return SubmissionRecord{Submission: submission, Responses: responses}, nil
}

// SubmissionsByForm loads all submissions of a form in submission
// order, each with its responses.
func (s *Service) SubmissionsByForm(ctx context.Context, formID FormID) ([]SubmissionRecord, error) {
	if formID == "" {
		return nil, newServiceError(opLoadForm, "missing_form_id", errMissingFormID)
	}

	var submissions []Submission
	err := s.db.WithContext(ctx).
		Where("form_id = ?", formID.String()).
		Order("submitted_at_s ASC, submission_id ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, newServiceError(opLoadForm, "storage_failure", err)
	}

	records := make([]SubmissionRecord, 0, len(submissions))
	for _, submission := range submissions {
		var responses []Response
		err := s.db.WithContext(ctx).
			Where("submission_id = ?", submission.SubmissionID).
			Order("response_id ASC").
			Find(&responses).Error
		if err != nil {
			return nil, newServiceError(opLoadForm, "storage_failure", err)
		}
		records = append(records, SubmissionRecord{Submission: submission, Responses: responses})
	}
	return records, nil
}

// IsValidationError reports whether err wraps a *ValidationError and
// returns it when so.
func IsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}
