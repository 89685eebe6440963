package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/formloom/formloom/backend/internal/forms"
	"github.com/formloom/formloom/backend/internal/server"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type environment struct {
	handler http.Handler
	service *forms.Service
	db      *gorm.DB
	source  *gorm.DB
}

func newEnvironment(t *testing.T) environment {
	t.Helper()

	openStore := func(label string) *gorm.DB {
		dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", label, time.Now().UnixNano())
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
		if err != nil {
			t.Fatalf("failed to open %s store: %v", label, err)
		}
		if err := db.AutoMigrate(&forms.Form{}, &forms.FieldDefinition{}, &forms.Submission{}, &forms.Response{}); err != nil {
			t.Fatalf("failed to migrate %s store: %v", label, err)
		}
		return db
	}

	db := openStore("live")
	source := openStore("snapshot")

	service, err := forms.NewService(forms.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: forms.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct forms service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		FormsService: service,
		SnapshotOpener: func(path string) (*gorm.DB, func() error, error) {
			if path != "/snapshots/latest.db" {
				return nil, nil, fmt.Errorf("unknown snapshot %q", path)
			}
			return source, func() error { return nil }, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return environment{handler: handler, service: service, db: db, source: source}
}

func (e environment) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded := []byte(nil)
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, bytes.NewReader(encoded))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

// TestSubmissionSurvivesFieldEvolutionAndDataLoss walks the full
// lifecycle: an end user submits, the form's fields change underneath
// the stored responses, a lost submission is replayed from a snapshot,
// and reconciliation relinks what the label still identifies.
func TestSubmissionSurvivesFieldEvolutionAndDataLoss(t *testing.T) {
	env := newEnvironment(t)
	ctx := context.Background()

	definition, err := env.service.SaveForm(ctx, forms.FormDraft{
		Slug:   "signup",
		Status: forms.StatusPublished,
		Title:  "Signup",
		Fields: []forms.FieldDraft{
			{Kind: forms.KindEmail, Label: "Email", Required: true, DisplayOrder: 1},
			{Kind: forms.KindMultiselect, Label: "Topics", Options: []string{"go", "sql"}, DisplayOrder: 2},
		},
	})
	if err != nil {
		t.Fatalf("failed to save form: %v", err)
	}
	emailFieldID := definition.Fields[0].FieldID

	// An end user submits through the public endpoint.
	submitBody := map[string]any{
		"values": map[string]any{
			emailFieldID:                 "user@example.com",
			definition.Fields[1].FieldID: []string{"go"},
		},
	}
	recorder := env.request(t, http.MethodPost, "/forms/signup/submissions", submitBody)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("submit failed: %d body=%s", recorder.Code, recorder.Body.String())
	}

	// The operator drops the Topics field and renames nothing else.
	formID, err := forms.NewFormID(definition.Form.FormID)
	if err != nil {
		t.Fatalf("unexpected form id error: %v", err)
	}
	if _, err := env.service.ReplaceFields(ctx, formID, []forms.FieldDraft{
		{FieldID: emailFieldID, Kind: forms.KindEmail, Label: "Email", Required: true, DisplayOrder: 1},
	}); err != nil {
		t.Fatalf("failed to replace fields: %v", err)
	}

	// A submission that only the snapshot still has, answering a field
	// nobody remembers.
	lost := forms.Submission{
		SubmissionID:       "lost-submission",
		FormID:             definition.Form.FormID,
		SubmittedAtSeconds: time.Now().Add(-48 * time.Hour).Unix(),
	}
	if err := env.source.Create(&lost).Error; err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}
	for i, response := range []forms.Response{
		{ResponseID: "lost-r1", SubmissionID: lost.SubmissionID, LabelSnapshot: "Email", KindSnapshot: "email", Value: "other@example.com"},
		{ResponseID: "lost-r2", SubmissionID: lost.SubmissionID, LabelSnapshot: "Nickname", KindSnapshot: "text", Value: "gopher"},
	} {
		if err := env.source.Create(&response).Error; err != nil {
			t.Fatalf("failed to seed snapshot response %d: %v", i, err)
		}
	}

	recoverPath := fmt.Sprintf("/admin/forms/%s/recover", definition.Form.FormID)
	recorder = env.request(t, http.MethodPost, recoverPath, map[string]string{"snapshot_path": "/snapshots/latest.db"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("recover failed: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var recovery forms.RecoveryReport
	if err := json.Unmarshal(recorder.Body.Bytes(), &recovery); err != nil {
		t.Fatalf("failed to decode recovery report: %v", err)
	}
	if recovery.RecoveredSubmissions != 1 || recovery.RecoveredResponses != 2 {
		t.Fatalf("unexpected recovery report: %#v", recovery)
	}

	// The Nickname answer has no current field and stays unlinked.
	var nickname forms.Response
	if err := env.db.Where("response_id = ?", "lost-r2").Take(&nickname).Error; err != nil {
		t.Fatalf("failed to load recovered response: %v", err)
	}
	if nickname.FieldID != nil {
		t.Fatalf("expected null field reference, got %q", *nickname.FieldID)
	}

	// The operator restores a Nickname field; reconciliation picks the
	// orphan up by label.
	if _, err := env.service.ReplaceFields(ctx, formID, []forms.FieldDraft{
		{FieldID: emailFieldID, Kind: forms.KindEmail, Label: "Email", Required: true, DisplayOrder: 1},
		{Kind: forms.KindText, Label: "Nickname", DisplayOrder: 2},
	}); err != nil {
		t.Fatalf("failed to restore field: %v", err)
	}

	reconcilePath := fmt.Sprintf("/admin/forms/%s/reconcile", definition.Form.FormID)
	recorder = env.request(t, http.MethodPost, reconcilePath, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("reconcile failed: %d body=%s", recorder.Code, recorder.Body.String())
	}
	var reconciliation forms.ReconciliationReport
	if err := json.Unmarshal(recorder.Body.Bytes(), &reconciliation); err != nil {
		t.Fatalf("failed to decode reconciliation report: %v", err)
	}
	if reconciliation.MigratedCount != 1 {
		t.Fatalf("unexpected reconciliation report: %#v", reconciliation)
	}

	// The export keys by label, so both the live and the recovered
	// submissions render their Email answers, and the dropped Topics
	// answer is gone.
	exportPath := fmt.Sprintf("/admin/forms/%s/export.csv", definition.Form.FormID)
	recorder = env.request(t, http.MethodGet, exportPath, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("export failed: %d body=%s", recorder.Code, recorder.Body.String())
	}
	body := recorder.Body.String()
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %d lines:\n%s", len(lines), body)
	}
	if lines[0] != "submitted_at,Email,Nickname,ip_address,user_agent" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(body, "user@example.com") || !strings.Contains(body, "other@example.com") {
		t.Fatalf("email answers missing from export:\n%s", body)
	}
	if !strings.Contains(body, "gopher") {
		t.Fatalf("recovered nickname missing from export:\n%s", body)
	}
	if strings.Contains(body, "go, sql") || strings.Contains(body, `"go"`) {
		t.Fatalf("dropped field answer must not appear:\n%s", body)
	}
}
