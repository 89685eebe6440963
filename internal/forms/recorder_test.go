package forms

import (
	"context"
	"testing"
)

func TestSubmitRecordsSubmissionWithSnapshots(t *testing.T) {
	service, db := newTestService(t, nil)
	definition := mustSaveForm(t, service, contactFormDraft())
	formID := mustFormID(t, definition.Form.FormID)

	record := mustSubmit(t, service, formID, Payload{
		"id-2": StringValue("a@b.com"),
		"id-3": ListValue([]string{"A"}),
	})

	if record.Submission.FormID != definition.Form.FormID {
		t.Fatalf("unexpected owning form: %q", record.Submission.FormID)
	}
	if record.Submission.SubmittedAtSeconds != testClockSeconds {
		t.Fatalf("unexpected timestamp: %d", record.Submission.SubmittedAtSeconds)
	}
	if record.Submission.IPAddress != "203.0.113.9" || record.Submission.UserAgent != "test-agent" {
		t.Fatalf("unexpected client metadata: %#v", record.Submission)
	}
	if len(record.Responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(record.Responses))
	}

	first := record.Responses[0]
	if first.LabelSnapshot != "Email" || first.KindSnapshot != "email" {
		t.Fatalf("unexpected snapshot: %q/%q", first.LabelSnapshot, first.KindSnapshot)
	}
	if first.FieldID == nil || *first.FieldID != "id-2" {
		t.Fatalf("unexpected field reference: %#v", first.FieldID)
	}
	if first.Value != "a@b.com" {
		t.Fatalf("unexpected value: %q", first.Value)
	}

	second := record.Responses[1]
	if second.LabelSnapshot != "Interests" || second.KindSnapshot != "checkbox" {
		t.Fatalf("unexpected snapshot: %q/%q", second.LabelSnapshot, second.KindSnapshot)
	}
	items, err := second.ListValues()
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(items) != 1 || items[0] != "A" {
		t.Fatalf("unexpected list value: %#v", items)
	}

	var storedResponses []Response
	if err := db.Find(&storedResponses).Error; err != nil {
		t.Fatalf("failed to load responses: %v", err)
	}
	if len(storedResponses) != 2 {
		t.Fatalf("expected 2 persisted responses, got %d", len(storedResponses))
	}
}

func TestSubmitRejectsInvalidPayloadWithoutPersisting(t *testing.T) {
	service, db := newTestService(t, nil)
	definition := mustSaveForm(t, service, contactFormDraft())
	formID := mustFormID(t, definition.Form.FormID)

	_, err := service.Submit(context.Background(), formID, Payload{
		"id-2": StringValue("not-an-email"),
	}, ClientMetadata{})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	validationErr, ok := IsValidationError(err)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	messages := validationErr.Violations["id-2"]
	if len(messages) != 1 || messages[0] != "invalid email" {
		t.Fatalf("unexpected violations: %#v", validationErr.Violations)
	}

	var submissionCount int64
	if err := db.Model(&Submission{}).Count(&submissionCount).Error; err != nil {
		t.Fatalf("failed to count submissions: %v", err)
	}
	if submissionCount != 0 {
		t.Fatalf("rejected submission must not persist, found %d rows", submissionCount)
	}
}

func TestSubmitIsAtomicWhenResponseWriteFails(t *testing.T) {
	provider := &staticIDGenerator{ids: []string{
		"form-1", "field-1", "field-2", "field-3",
		"submission-1", "response-1", "response-2",
	}}
	service, db := newTestService(t, provider)
	definition := mustSaveForm(t, service, contactFormDraft())
	formID := mustFormID(t, definition.Form.FormID)

	// A pre-existing row squats on the second response id, so the
	// transaction fails after the submission and the first response
	// were already written.
	squatter := Response{
		ResponseID:    "response-2",
		SubmissionID:  "unrelated-submission",
		LabelSnapshot: "Old",
		KindSnapshot:  "text",
		Value:         "x",
	}
	if err := db.Create(&squatter).Error; err != nil {
		t.Fatalf("failed to seed conflicting response: %v", err)
	}

	_, err := service.Submit(context.Background(), formID, Payload{
		"field-1": StringValue("a@b.com"),
		"field-3": StringValue("hello"),
	}, ClientMetadata{})
	if err == nil {
		t.Fatalf("expected storage failure")
	}
	if _, ok := IsValidationError(err); ok {
		t.Fatalf("expected storage failure, got validation error")
	}

	var submissionCount, responseCount int64
	if err := db.Model(&Submission{}).Count(&submissionCount).Error; err != nil {
		t.Fatalf("failed to count submissions: %v", err)
	}
	if err := db.Model(&Response{}).Where("submission_id = ?", "submission-1").Count(&responseCount).Error; err != nil {
		t.Fatalf("failed to count responses: %v", err)
	}
	if submissionCount != 0 || responseCount != 0 {
		t.Fatalf("partial write observable: %d submissions, %d responses", submissionCount, responseCount)
	}
}

func TestSubmitToFormValidatesAgainstProvidedDefinition(t *testing.T) {
	service, _ := newTestService(t, nil)
	definition := mustSaveForm(t, service, contactFormDraft())
	formID := mustFormID(t, definition.Form.FormID)

	// Drop the Interests field after the caller loaded the definition.
	// The recorder must keep working from the definition it was handed
	// instead of reloading the form mid-request.
	if _, err := service.ReplaceFields(context.Background(), formID, []FieldDraft{
		{FieldID: "id-2", Kind: KindEmail, Label: "Email", Required: true, DisplayOrder: 1},
	}); err != nil {
		t.Fatalf("unexpected replace fields error: %v", err)
	}

	record, err := service.SubmitToForm(context.Background(), definition, Payload{
		"id-2": StringValue("a@b.com"),
		"id-3": ListValue([]string{"A"}),
	}, ClientMetadata{})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if len(record.Responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(record.Responses))
	}
	if record.Responses[1].LabelSnapshot != "Interests" {
		t.Fatalf("unexpected snapshot: %#v", record.Responses[1])
	}
}

func TestSubmitOmitsUnansweredOptionalFields(t *testing.T) {
	service, _ := newTestService(t, nil)
	definition := mustSaveForm(t, service, contactFormDraft())
	formID := mustFormID(t, definition.Form.FormID)

	record := mustSubmit(t, service, formID, Payload{"id-2": StringValue("a@b.com")})
	if len(record.Responses) != 1 {
		t.Fatalf("expected a single response, got %d", len(record.Responses))
	}
	if record.Responses[0].LabelSnapshot != "Email" {
		t.Fatalf("unexpected response: %#v", record.Responses[0])
	}
}
