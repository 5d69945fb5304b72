package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"MailTrace/internal/models"
)

// RecipientRow is a single recipient extracted from an uploaded CSV. Email
// comes from the "Email" column (case-insensitive); every other column
// becomes template data.
type RecipientRow struct {
	Email  string
	Fields map[string]any
}

// ParseRecipientRows parses recipient rows from r. The CSV must have a
// header row with an Email column. maxRows bounds how many data rows are
// read (excluding the header); malformed or empty-email rows are skipped.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	// Rows with the wrong column count are skipped below instead of
	// aborting the whole upload.
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		normalized[i] = h
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, errors.New("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	rows := make([]RecipientRow, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		fields := make(map[string]any, len(headers)-1)
		for i := range record {
			if i == emailIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			fields[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, RecipientRow{
			Email:  email,
			Fields: fields,
		})
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return rows, nil
}

// ToSendRequests turns parsed rows into bulk submissions against one
// template, with each row's extra columns as template data.
func ToSendRequests(rows []RecipientRow, templateID string) []*models.SendRequest {
	reqs := make([]*models.SendRequest, 0, len(rows))
	for _, row := range rows {
		reqs = append(reqs, &models.SendRequest{
			To:           row.Email,
			TemplateID:   templateID,
			TemplateData: row.Fields,
		})
	}

	return reqs
}
