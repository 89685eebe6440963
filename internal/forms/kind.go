package forms

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind indicates a field kind outside the supported set.
var ErrUnknownKind = errors.New("forms: unknown field kind")

// FieldKind enumerates the closed set of supported field kinds. The
// schema compiler switches exhaustively over this set; adding a kind
// means extending both the enum and the compiler.
type FieldKind string

const (
	KindText        FieldKind = "text"
	KindTextarea    FieldKind = "textarea"
	KindSelect      FieldKind = "select"
	KindMultiselect FieldKind = "multiselect"
	KindRadio       FieldKind = "radio"
	KindCheckbox    FieldKind = "checkbox"
	KindDate        FieldKind = "date"
	KindEmail       FieldKind = "email"
	KindPhone       FieldKind = "phone"
	KindURL         FieldKind = "url"
	KindFile        FieldKind = "file"
	KindNumber      FieldKind = "number"
)

var allKinds = map[FieldKind]struct{}{
	KindText:        {},
	KindTextarea:    {},
	KindSelect:      {},
	KindMultiselect: {},
	KindRadio:       {},
	KindCheckbox:    {},
	KindDate:        {},
	KindEmail:       {},
	KindPhone:       {},
	KindURL:         {},
	KindFile:        {},
	KindNumber:      {},
}

// ParseFieldKind validates raw input and returns a FieldKind.
func ParseFieldKind(rawInput string) (FieldKind, error) {
	kind := FieldKind(strings.TrimSpace(rawInput))
	if _, ok := allKinds[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
	return kind, nil
}

// String returns the wire name of the kind.
func (k FieldKind) String() string {
	return string(k)
}

// IsListKind reports whether answers to this kind are ordered string
// lists rather than scalars.
func (k FieldKind) IsListKind() bool {
	return k == KindCheckbox || k == KindMultiselect
}

// ConstraintRecord is the versioned, typed constraint bag attached to a
// field definition. Exactly the sub-record matching the field's kind is
// consulted; the others are ignored. Version 0 and 1 are equivalent.
type ConstraintRecord struct {
	Version int                `json:"version"`
	Text    *TextConstraints   `json:"text,omitempty"`
	Number  *NumberConstraints `json:"number,omitempty"`
	List    *ListConstraints   `json:"list,omitempty"`
}

// TextConstraints bounds scalar string answers (text, textarea).
type TextConstraints struct {
	MinLength int `json:"min_length,omitempty"`
	MaxLength int `json:"max_length,omitempty"`
}

// NumberConstraints bounds numeric answers.
type NumberConstraints struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// ListConstraints bounds list answers (checkbox, multiselect).
type ListConstraints struct {
	MinItems int `json:"min_items,omitempty"`
	MaxItems int `json:"max_items,omitempty"`
}
