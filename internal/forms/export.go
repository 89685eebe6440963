package forms

import (
	"context"
	"encoding/csv"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	exportColumnSubmittedAt = "submitted_at"
	exportColumnIPAddress   = "ip_address"
	exportColumnUserAgent   = "user_agent"

	listValueSeparator = ", "
)

// ExportTable is a rectangular view of a form's submissions: one row
// per submission, one column per current field label plus the fixed
// timestamp and metadata columns.
type ExportTable struct {
	Columns []string
	Rows    [][]string
}

// WriteCSV renders the table as RFC 4180 delimited text.
func (t ExportTable) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ExportSubmissions flattens the form's submissions into a label-keyed
// table. Cells are looked up by the response's stored label snapshot
// against the field's current label, never by field id, so answers
// survive a lost field reference as long as the label is unchanged. An
// answer whose field was renamed or deleted has no column and drops out
// of the table; a field nobody answered renders as the empty string.
func (s *Service) ExportSubmissions(ctx context.Context, formID FormID) (ExportTable, error) {
	if formID == "" {
		return ExportTable{}, newServiceError(opExport, "missing_form_id", errMissingFormID)
	}

	definition, err := s.FormByID(ctx, formID)
	if err != nil {
		return ExportTable{}, err
	}

	records, err := s.SubmissionsByForm(ctx, formID)
	if err != nil {
		s.logError(opExport, "storage_failure", err, zap.String("form_id", formID.String()))
		return ExportTable{}, newServiceError(opExport, "storage_failure", err)
	}

	labels := make([]string, 0, len(definition.Fields))
	for _, field := range definition.Fields {
		labels = append(labels, strings.TrimSpace(field.Label))
	}

	columns := make([]string, 0, len(labels)+3)
	columns = append(columns, exportColumnSubmittedAt)
	columns = append(columns, labels...)
	columns = append(columns, exportColumnIPAddress, exportColumnUserAgent)

	table := ExportTable{Columns: columns, Rows: make([][]string, 0, len(records))}
	for _, record := range records {
		byLabel := make(map[string]Response, len(record.Responses))
		for _, response := range record.Responses {
			byLabel[strings.TrimSpace(response.LabelSnapshot)] = response
		}

		row := make([]string, 0, len(columns))
		submittedAt := time.Unix(record.Submission.SubmittedAtSeconds, 0).UTC()
		row = append(row, submittedAt.Format(time.RFC3339))
		for _, label := range labels {
			response, answered := byLabel[label]
			if !answered {
				row = append(row, "")
				continue
			}
			row = append(row, displayValue(response))
		}
		row = append(row, record.Submission.IPAddress, record.Submission.UserAgent)
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

// displayValue renders a stored response value for tabular display.
// List-kind values decode to their elements joined in stored order.
func displayValue(response Response) string {
	kind := FieldKind(response.KindSnapshot)
	if !kind.IsListKind() {
		return response.Value
	}
	items, err := response.ListValues()
	if err != nil || items == nil {
		return response.Value
	}
	return strings.Join(items, listValueSeparator)
}
