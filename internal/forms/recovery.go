package forms

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RecoveryReport summarizes one recovery pass from a snapshot store
// into the live store.
type RecoveryReport struct {
	RecoveredSubmissions int      `json:"recoveredSubmissions"`
	RecoveredResponses   int      `json:"recoveredResponses"`
	Failures             []string `json:"failures"`
}

// RecoverFromSnapshot replays the form's submissions and responses that
// exist in the source store but not in the live store. The diff is by
// row identity, so the pass is strictly additive and safe to re-run:
// nothing is deleted or overwritten, and a second run over the same
// pair recovers nothing. Field references on recovered responses are
// re-resolved by label against the live store's current fields rather
// than trusted from the source; an unresolvable label yields a null
// reference for a later reconciliation pass to pick up. A row that
// fails to insert is reported in Failures and the pass continues.
func (s *Service) RecoverFromSnapshot(ctx context.Context, source *gorm.DB, formID FormID) (RecoveryReport, error) {
	if source == nil {
		return RecoveryReport{}, newServiceError(opRecover, "missing_source", errMissingSource)
	}
	if formID == "" {
		return RecoveryReport{}, newServiceError(opRecover, "missing_form_id", errMissingFormID)
	}

	fields, err := s.fieldsInOrder(ctx, formID.String())
	if err != nil {
		s.logError(opRecover, "storage_failure", err, zap.String("form_id", formID.String()))
		return RecoveryReport{}, newServiceError(opRecover, "storage_failure", err)
	}
	labelToField := make(map[string]string, len(fields))
	for _, field := range fields {
		labelToField[strings.TrimSpace(field.Label)] = field.FieldID
	}

	var sourceSubmissions []Submission
	err = source.WithContext(ctx).
		Where("form_id = ?", formID.String()).
		Order("submitted_at_s ASC, submission_id ASC").
		Find(&sourceSubmissions).Error
	if err != nil {
		s.logError(opRecover, "source_query_failed", err, zap.String("form_id", formID.String()))
		return RecoveryReport{}, newServiceError(opRecover, "source_query_failed", err)
	}

	targetSubmissionIDs, err := s.submissionIDSet(ctx, formID.String())
	if err != nil {
		s.logError(opRecover, "storage_failure", err, zap.String("form_id", formID.String()))
		return RecoveryReport{}, newServiceError(opRecover, "storage_failure", err)
	}

	report := RecoveryReport{Failures: []string{}}
	for _, submission := range sourceSubmissions {
		var sourceResponses []Response
		err := source.WithContext(ctx).
			Where("submission_id = ?", submission.SubmissionID).
			Order("response_id ASC").
			Find(&sourceResponses).Error
		if err != nil {
			report.Failures = append(report.Failures,
				fmt.Sprintf("submission %s: read responses: %v", submission.SubmissionID, err))
			continue
		}

		if _, exists := targetSubmissionIDs[submission.SubmissionID]; !exists {
			s.recoverSubmission(ctx, submission, sourceResponses, labelToField, &report)
			continue
		}
		s.recoverMissingResponses(ctx, submission.SubmissionID, sourceResponses, labelToField, &report)
	}

	s.loggerOrDefault().Info("recovery pass complete",
		zap.String("form_id", formID.String()),
		zap.Int("recovered_submissions", report.RecoveredSubmissions),
		zap.Int("recovered_responses", report.RecoveredResponses),
		zap.Int("failures", len(report.Failures)))
	return report, nil
}

// recoverSubmission inserts one missing submission with its responses,
// preserving the original identity and timestamp.
func (s *Service) recoverSubmission(ctx context.Context, submission Submission, sourceResponses []Response, labelToField map[string]string, report *RecoveryReport) {
	insertErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&submission).Error; err != nil {
			return err
		}
		for _, response := range sourceResponses {
			row := relinkedCopy(response, labelToField)
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if insertErr != nil {
		report.Failures = append(report.Failures,
			fmt.Sprintf("submission %s: %v", submission.SubmissionID, insertErr))
		return
	}
	report.RecoveredSubmissions++
	report.RecoveredResponses += len(sourceResponses)
}

// recoverMissingResponses inserts the source responses absent from an
// already present submission, row by row.
func (s *Service) recoverMissingResponses(ctx context.Context, submissionID string, sourceResponses []Response, labelToField map[string]string, report *RecoveryReport) {
	existing, err := s.responseIDSet(ctx, submissionID)
	if err != nil {
		report.Failures = append(report.Failures,
			fmt.Sprintf("submission %s: read target responses: %v", submissionID, err))
		return
	}

	for _, response := range sourceResponses {
		if _, present := existing[response.ResponseID]; present {
			continue
		}
		row := relinkedCopy(response, labelToField)
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			report.Failures = append(report.Failures,
				fmt.Sprintf("response %s: %v", response.ResponseID, err))
			continue
		}
		report.RecoveredResponses++
	}
}

// relinkedCopy rebinds a source response to the live field set by label
// snapshot. The stored snapshot and value are carried over verbatim.
func relinkedCopy(response Response, labelToField map[string]string) Response {
	row := response
	if fieldID, matched := labelToField[strings.TrimSpace(response.LabelSnapshot)]; matched {
		row.FieldID = &fieldID
	} else {
		row.FieldID = nil
	}
	return row
}

func (s *Service) submissionIDSet(ctx context.Context, formID string) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Submission{}).
		Where("form_id = ?", formID).
		Pluck("submission_id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (s *Service) responseIDSet(ctx context.Context, submissionID string) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Response{}).
		Where("submission_id = ?", submissionID).
		Pluck("response_id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
