// Package bulk turns raw CSV text into a validated recipient list.
// Pure and deterministic: no I/O, no side effects.
package bulk

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Recipient struct {
	Email string  `json:"email"`
	Name  *string `json:"name,omitempty"`
}

type RowError struct {
	Row   int    `json:"row"`
	Email string `json:"email"`
	Error string `json:"error"`
}

type Result struct {
	Total   int         `json:"total"`
	Valid   []Recipient `json:"valid"`
	Invalid []RowError  `json:"invalid"`
}

var validate = validator.New()

// Process parses CSV text with a header row, recognizing the columns
// "email" and "name" case-insensitively. Malformed CSV propagates a
// parse error; an empty valid set is a legal result (callers creating
// bulk campaigns must reject it themselves).
func Process(csvText string) (*Result, error) {
	reader := csv.NewReader(strings.NewReader(csvText))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv parse: %w", err)
	}
	if len(records) == 0 {
		return &Result{}, nil
	}

	emailCol, nameCol := -1, -1
	for i, h := range records[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "email":
			emailCol = i
		case "name":
			nameCol = i
		}
	}

	res := &Result{Total: len(records) - 1}
	for i, record := range records[1:] {
		rowNumber := i + 2 // 1-based, after the header row

		var email string
		if emailCol >= 0 && emailCol < len(record) {
			email = strings.TrimSpace(record[emailCol])
		}
		if email == "" {
			res.Invalid = append(res.Invalid, RowError{Row: rowNumber, Email: "", Error: "email field is missing"})
			continue
		}
		if err := validate.Var(email, "email"); err != nil {
			res.Invalid = append(res.Invalid, RowError{Row: rowNumber, Email: email, Error: "invalid email format"})
			continue
		}

		var name *string
		if nameCol >= 0 && nameCol < len(record) {
			if n := strings.TrimSpace(record[nameCol]); n != "" {
				name = &n
			}
		}
		res.Valid = append(res.Valid, Recipient{Email: email, Name: name})
	}
	return res, nil
}
