package forms

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidFormID indicates that a form identifier is empty or exceeds storage bounds.
	ErrInvalidFormID = errors.New("forms: invalid form id")
	// ErrInvalidFieldID indicates that a field identifier is empty or exceeds storage bounds.
	ErrInvalidFieldID = errors.New("forms: invalid field id")
	// ErrInvalidSlug indicates that a form slug is empty or exceeds storage bounds.
	ErrInvalidSlug = errors.New("forms: invalid slug")
	// ErrInvalidStatus indicates that a lifecycle status is not one of draft, published or closed.
	ErrInvalidStatus = errors.New("forms: invalid status")
)

// FormStatus enumerates the lifecycle states of a form.
type FormStatus string

const (
	// StatusDraft marks a form that is still being edited and not yet accepting submissions.
	StatusDraft FormStatus = "draft"
	// StatusPublished marks a form that accepts submissions.
	StatusPublished FormStatus = "published"
	// StatusClosed marks a form that no longer accepts submissions.
	StatusClosed FormStatus = "closed"
)

// ParseFormStatus validates raw input and returns a FormStatus.
func ParseFormStatus(rawInput string) (FormStatus, error) {
	status := FormStatus(strings.TrimSpace(rawInput))
	switch status {
	case StatusDraft, StatusPublished, StatusClosed:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
}

// String returns the wire name of the status.
func (s FormStatus) String() string {
	return string(s)
}

// FormID represents a validated form identifier.
type FormID string

// NewFormID validates raw input and returns a FormID.
func NewFormID(rawInput string) (FormID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFormID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFormID, maxIdentifierLength)
	}
	return FormID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FormID) String() string {
	return string(id)
}

// FieldID represents a validated field identifier.
type FieldID string

// NewFieldID validates raw input and returns a FieldID.
func NewFieldID(rawInput string) (FieldID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFieldID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFieldID, maxIdentifierLength)
	}
	return FieldID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FieldID) String() string {
	return string(id)
}

// Form models a persisted form definition header. Fields are stored
// separately in FieldDefinition rows and loaded in display order.
type Form struct {
	FormID           string `gorm:"column:form_id;primaryKey;size:190;not null"`
	Slug             string `gorm:"column:slug;size:190;not null;uniqueIndex:idx_forms_slug"`
	Status           string `gorm:"column:status;size:20;not null;default:'draft'"`
	Title            string `gorm:"column:title;type:text;not null"`
	Description      string `gorm:"column:description;type:text;not null;default:''"`
	Body             string `gorm:"column:body;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Form) TableName() string {
	return "forms"
}

// FieldDefinition models one typed question owned by a form. The
// (form_id, display_order) pair is unique so the display order is total.
type FieldDefinition struct {
	FieldID      string         `gorm:"column:field_id;primaryKey;size:190;not null"`
	FormID       string         `gorm:"column:form_id;size:190;not null;index:idx_fields_form;uniqueIndex:idx_fields_form_order,priority:1"`
	Kind         string         `gorm:"column:kind;size:20;not null"`
	Label        string         `gorm:"column:label;type:text;not null"`
	Placeholder  string         `gorm:"column:placeholder;type:text;not null;default:''"`
	HelpText     string         `gorm:"column:help_text;type:text;not null;default:''"`
	Required     bool           `gorm:"column:required;not null;default:false"`
	Options      datatypes.JSON `gorm:"column:options"`
	DisplayOrder int            `gorm:"column:display_order;not null;uniqueIndex:idx_fields_form_order,priority:2"`
	Constraints  datatypes.JSON `gorm:"column:constraints"`
}

// TableName provides the explicit table binding for GORM.
func (FieldDefinition) TableName() string {
	return "form_fields"
}

// OptionValues decodes the stored option list. A missing column value
// decodes to an empty list.
func (f FieldDefinition) OptionValues() ([]string, error) {
	if len(f.Options) == 0 {
		return nil, nil
	}
	var options []string
	if err := json.Unmarshal(f.Options, &options); err != nil {
		return nil, fmt.Errorf("forms: decode options for field %s: %w", f.FieldID, err)
	}
	return options, nil
}

// ConstraintValues decodes the stored constraint record. A missing
// column value decodes to the zero record.
func (f FieldDefinition) ConstraintValues() (ConstraintRecord, error) {
	if len(f.Constraints) == 0 {
		return ConstraintRecord{}, nil
	}
	var record ConstraintRecord
	if err := json.Unmarshal(f.Constraints, &record); err != nil {
		return ConstraintRecord{}, fmt.Errorf("forms: decode constraints for field %s: %w", f.FieldID, err)
	}
	return record, nil
}

// Submission models one end-user submit action. It is immutable after
// creation except for its owned responses.
type Submission struct {
	SubmissionID       string `gorm:"column:submission_id;primaryKey;size:190;not null"`
	FormID             string `gorm:"column:form_id;size:190;not null;index:idx_submissions_form"`
	SubmittedAtSeconds int64  `gorm:"column:submitted_at_s;not null"`
	IPAddress          string `gorm:"column:ip_address;size:64;not null;default:''"`
	UserAgent          string `gorm:"column:user_agent;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "form_submissions"
}

// Response models one answer to one field. FieldID is a weak reference:
// it is null when the originating field was deleted or never linked, and
// the label/kind snapshot is the durable record of what was asked. The
// snapshot is written once at creation and never updated afterwards.
type Response struct {
	ResponseID    string  `gorm:"column:response_id;primaryKey;size:190;not null"`
	SubmissionID  string  `gorm:"column:submission_id;size:190;not null;index:idx_responses_submission"`
	FieldID       *string `gorm:"column:field_id;size:190;index:idx_responses_field"`
	LabelSnapshot string  `gorm:"column:label_snapshot;type:text;not null"`
	KindSnapshot  string  `gorm:"column:kind_snapshot;size:20;not null"`
	Value         string  `gorm:"column:value;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Response) TableName() string {
	return "form_responses"
}

// ListValues decodes a list-kind response value. Scalar responses
// return a single-element list.
func (r Response) ListValues() ([]string, error) {
	return decodeListValue(r.Value)
}

// FormDefinition aggregates a form with its fields in display order.
type FormDefinition struct {
	Form   Form
	Fields []FieldDefinition
}

// SubmissionRecord aggregates a submission with its responses in the
// order they were written.
type SubmissionRecord struct {
	Submission Submission
	Responses  []Response
}

// ClientMetadata carries optional transport-level details recorded with
// a submission.
type ClientMetadata struct {
	IPAddress string
	UserAgent string
}

func encodeOptions(options []string) (datatypes.JSON, error) {
	if len(options) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func encodeConstraints(record *ConstraintRecord) (datatypes.JSON, error) {
	if record == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

// encodeListValue serializes a multi-value answer as a single stored
// value. The encoding preserves element order.
func encodeListValue(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeListValue(stored string) ([]string, error) {
	if stored == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(stored), &items); err != nil {
		// Legacy scalar rows were stored unencoded.
		return []string{stored}, nil
	}
	return items, nil
}
