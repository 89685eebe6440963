package forms

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ReconciliationReport summarizes one reconciliation pass over a form.
type ReconciliationReport struct {
	MigratedCount   int      `json:"migratedCount"`
	UnmatchedLabels []string `json:"unmatchedLabels"`
}

// ReconcileResponses relinks the form's null-reference responses to the
// current field set by trimmed label match. When two current fields
// share a label the one later in display order wins. The pass only ever
// populates field references: values and label/kind snapshots are never
// touched, and an already linked response is never revisited. Each row
// update commits independently, so an interrupted pass can simply be
// re-run; a clean re-run with unchanged fields migrates zero rows.
func (s *Service) ReconcileResponses(ctx context.Context, formID FormID) (ReconciliationReport, error) {
	if formID == "" {
		return ReconciliationReport{}, newServiceError(opReconcile, "missing_form_id", errMissingFormID)
	}

	fields, err := s.fieldsInOrder(ctx, formID.String())
	if err != nil {
		s.logError(opReconcile, "storage_failure", err, zap.String("form_id", formID.String()))
		return ReconciliationReport{}, newServiceError(opReconcile, "storage_failure", err)
	}

	labelToField := make(map[string]string, len(fields))
	for _, field := range fields {
		labelToField[strings.TrimSpace(field.Label)] = field.FieldID
	}

	var unlinked []Response
	err = s.db.WithContext(ctx).
		Select("form_responses.*").
		Joins("JOIN form_submissions ON form_submissions.submission_id = form_responses.submission_id").
		Where("form_submissions.form_id = ? AND form_responses.field_id IS NULL", formID.String()).
		Order("form_responses.response_id ASC").
		Find(&unlinked).Error
	if err != nil {
		s.logError(opReconcile, "storage_failure", err, zap.String("form_id", formID.String()))
		return ReconciliationReport{}, newServiceError(opReconcile, "storage_failure", err)
	}

	report := ReconciliationReport{UnmatchedLabels: []string{}}
	unmatched := make(map[string]struct{})
	for _, response := range unlinked {
		label := strings.TrimSpace(response.LabelSnapshot)
		fieldID, matched := labelToField[label]
		if !matched {
			unmatched[label] = struct{}{}
			continue
		}

		err := s.db.WithContext(ctx).Model(&Response{}).
			Where("response_id = ? AND field_id IS NULL", response.ResponseID).
			Update("field_id", fieldID).Error
		if err != nil {
			s.logError(opReconcile, "row_update_failed", err,
				zap.String("form_id", formID.String()),
				zap.String("response_id", response.ResponseID))
			return report, newServiceError(opReconcile, "row_update_failed", err)
		}
		report.MigratedCount++
	}

	for label := range unmatched {
		report.UnmatchedLabels = append(report.UnmatchedLabels, label)
	}
	sort.Strings(report.UnmatchedLabels)

	s.loggerOrDefault().Info("reconciliation pass complete",
		zap.String("form_id", formID.String()),
		zap.Int("migrated", report.MigratedCount),
		zap.Int("unmatched_labels", len(report.UnmatchedLabels)))
	return report, nil
}
