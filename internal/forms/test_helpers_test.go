package forms

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testClockSeconds = 1756000000

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:formloom_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Form{}, &FieldDefinition{}, &Submission{}, &Response{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, provider IDProvider) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	if provider == nil {
		provider = &sequenceIDGenerator{prefix: "id"}
	}
	clock := func() time.Time { return time.Unix(testClockSeconds, 0).UTC() }

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: provider,
	})
	if err != nil {
		t.Fatalf("failed to construct forms service: %v", err)
	}

	return service, db
}

func mustFormID(t *testing.T, value string) FormID {
	t.Helper()
	id, err := NewFormID(value)
	if err != nil {
		t.Fatalf("unexpected form id error: %v", err)
	}
	return id
}

func mustSaveForm(t *testing.T, service *Service, draft FormDraft) FormDefinition {
	t.Helper()
	definition, err := service.SaveForm(context.Background(), draft)
	if err != nil {
		t.Fatalf("unexpected save form error: %v", err)
	}
	return definition
}

func contactFormDraft() FormDraft {
	return FormDraft{
		Slug:   "contact",
		Status: StatusPublished,
		Title:  "Contact us",
		Fields: []FieldDraft{
			{Kind: KindEmail, Label: "Email", Required: true, DisplayOrder: 1},
			{Kind: KindCheckbox, Label: "Interests", Options: []string{"A", "B"}, DisplayOrder: 2},
			{Kind: KindTextarea, Label: "Message", DisplayOrder: 3},
		},
	}
}

func mustSubmit(t *testing.T, service *Service, formID FormID, payload Payload) SubmissionRecord {
	t.Helper()
	record, err := service.Submit(context.Background(), formID, payload, ClientMetadata{IPAddress: "203.0.113.9", UserAgent: "test-agent"})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	return record
}
