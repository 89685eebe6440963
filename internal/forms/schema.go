package forms

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Value is one raw answer from a submission payload: either a single
// string or an ordered list of strings. The JSON form is either shape.
type Value struct {
	Text   string
	Items  []string
	IsList bool
}

// StringValue wraps a scalar answer.
func StringValue(text string) Value {
	return Value{Text: text}
}

// ListValue wraps a list answer.
func ListValue(items []string) Value {
	return Value{Items: items, IsList: true}
}

// UnmarshalJSON accepts either a JSON string or an array of strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*v = StringValue(text)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("forms: value must be a string or a string array")
	}
	*v = ListValue(items)
	return nil
}

// MarshalJSON renders the shape the value was submitted with.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsList {
		items := v.Items
		if items == nil {
			items = []string{}
		}
		return json.Marshal(items)
	}
	return json.Marshal(v.Text)
}

// Payload maps field identifiers to raw submitted values. Field ids the
// validator does not know about are ignored.
type Payload map[string]Value

// ValidationResult is the outcome of validating one payload: either
// Values is populated and Violations is empty, or the reverse.
type ValidationResult struct {
	Values     map[string]Value
	Violations map[string][]string
}

// OK reports whether the payload passed validation.
func (r ValidationResult) OK() bool {
	return len(r.Violations) == 0
}

const (
	violationRequired      = "required"
	violationInvalidEmail  = "invalid email"
	violationInvalidPhone  = "invalid phone number"
	violationInvalidURL    = "invalid url"
	violationInvalidDate   = "invalid date"
	violationInvalidNumber = "invalid number"
	violationExpectedOne   = "expected a single value"
)

// Mobile numbers grouped 3-3-4 or 3-4-4 with optional separators.
var phonePattern = regexp.MustCompile(`^\d{3}[-\s]?\d{3,4}[-\s]?\d{4}$`)

type compiledField struct {
	fieldID     string
	kind        FieldKind
	required    bool
	constraints ConstraintRecord
}

// Validator checks a raw payload against one form's compiled field
// list. It holds no state beyond the field definitions and is cheap to
// rebuild per request.
type Validator struct {
	fields []compiledField
}

// CompileSchema builds a Validator from a form's ordered field list.
// It fails on unknown kinds, empty labels and undecodable constraint
// records, so a Validator only ever sees well-formed fields.
func CompileSchema(fields []FieldDefinition) (*Validator, error) {
	compiled := make([]compiledField, 0, len(fields))
	for _, field := range fields {
		kind, err := ParseFieldKind(field.Kind)
		if err != nil {
			return nil, fmt.Errorf("forms: field %s: %w", field.FieldID, err)
		}
		if strings.TrimSpace(field.Label) == "" {
			return nil, fmt.Errorf("forms: field %s: empty label", field.FieldID)
		}
		constraints, err := field.ConstraintValues()
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledField{
			fieldID:     field.FieldID,
			kind:        kind,
			required:    field.Required,
			constraints: constraints,
		})
	}
	return &Validator{fields: compiled}, nil
}

// Validate checks the payload field by field and returns either the
// normalized value per field id or the violation messages per field id.
// Optional absent fields are omitted from the normalized output.
func (v *Validator) Validate(payload Payload) ValidationResult {
	values := make(map[string]Value)
	violations := make(map[string][]string)

	for _, field := range v.fields {
		raw, present := payload[field.fieldID]
		if field.kind.IsListKind() {
			normalized, fieldViolations := validateListField(field, raw, present)
			if len(fieldViolations) > 0 {
				violations[field.fieldID] = fieldViolations
				continue
			}
			if normalized != nil {
				values[field.fieldID] = ListValue(normalized)
			}
			continue
		}

		normalized, fieldViolations := validateScalarField(field, raw, present)
		if len(fieldViolations) > 0 {
			violations[field.fieldID] = fieldViolations
			continue
		}
		if normalized != nil {
			values[field.fieldID] = StringValue(*normalized)
		}
	}

	if len(violations) > 0 {
		return ValidationResult{Violations: violations}
	}
	return ValidationResult{Values: values}
}

// validateListField normalizes checkbox and multiselect answers. An
// absent value defaults to the empty list, which fails required-ness
// the same way an empty submitted list does.
func validateListField(field compiledField, raw Value, present bool) ([]string, []string) {
	items := []string{}
	if present {
		if raw.IsList {
			items = raw.Items
		} else if strings.TrimSpace(raw.Text) != "" {
			// A lone selected option arrives as a scalar.
			items = []string{raw.Text}
		}
	}

	if len(items) == 0 {
		if field.required {
			return nil, []string{violationRequired}
		}
		return nil, nil
	}

	if list := field.constraints.List; list != nil {
		if list.MinItems > 0 && len(items) < list.MinItems {
			return nil, []string{fmt.Sprintf("select at least %d options", list.MinItems)}
		}
		if list.MaxItems > 0 && len(items) > list.MaxItems {
			return nil, []string{fmt.Sprintf("select at most %d options", list.MaxItems)}
		}
	}
	return items, nil
}

func validateScalarField(field compiledField, raw Value, present bool) (*string, []string) {
	if present && raw.IsList {
		return nil, []string{violationExpectedOne}
	}

	trimmed := ""
	if present {
		trimmed = strings.TrimSpace(raw.Text)
	}
	if trimmed == "" {
		if field.required {
			return nil, []string{violationRequired}
		}
		return nil, nil
	}

	normalized, fieldViolations := normalizeScalar(field, trimmed)
	if len(fieldViolations) > 0 {
		return nil, fieldViolations
	}
	return &normalized, nil
}

// normalizeScalar applies the per-kind format rule. The switch is
// exhaustive over the scalar kinds; list kinds never reach it.
func normalizeScalar(field compiledField, trimmed string) (string, []string) {
	switch field.kind {
	case KindEmail:
		parsed, err := mail.ParseAddress(trimmed)
		if err != nil || parsed.Address != trimmed {
			return "", []string{violationInvalidEmail}
		}
		return trimmed, nil
	case KindPhone:
		if !phonePattern.MatchString(trimmed) {
			return "", []string{violationInvalidPhone}
		}
		return trimmed, nil
	case KindURL:
		parsed, err := url.Parse(trimmed)
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return "", []string{violationInvalidURL}
		}
		return trimmed, nil
	case KindDate:
		if _, err := time.Parse("2006-01-02", trimmed); err != nil {
			return "", []string{violationInvalidDate}
		}
		return trimmed, nil
	case KindNumber:
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return "", []string{violationInvalidNumber}
		}
		if number := field.constraints.Number; number != nil {
			if number.Min != nil && parsed < *number.Min {
				return "", []string{fmt.Sprintf("must be at least %v", *number.Min)}
			}
			if number.Max != nil && parsed > *number.Max {
				return "", []string{fmt.Sprintf("must be at most %v", *number.Max)}
			}
		}
		return strconv.FormatFloat(parsed, 'f', -1, 64), nil
	case KindText, KindTextarea, KindSelect, KindRadio, KindFile:
		if text := field.constraints.Text; text != nil {
			if text.MinLength > 0 && len(trimmed) < text.MinLength {
				return "", []string{fmt.Sprintf("must be at least %d characters", text.MinLength)}
			}
			if text.MaxLength > 0 && len(trimmed) > text.MaxLength {
				return "", []string{fmt.Sprintf("must be at most %d characters", text.MaxLength)}
			}
		}
		return trimmed, nil
	}
	return "", []string{fmt.Sprintf("unsupported kind %q", field.kind)}
}
