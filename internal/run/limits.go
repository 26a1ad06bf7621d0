package run

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxSQLLength         = 100_000
	MaxSnippetNameLength = 1_000
	MaxTables            = 50
	MaxFieldsPerTable    = 500
	MaxNameLength        = 128
)

// FieldViolation names one rejected input field.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects malformed or oversized submissions before any
// SQL analysis happens.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type TableInput struct {
	Name   string
	Fields []string
}

type SubmissionInput struct {
	SQLText     string
	SnippetName string
	Tables      []TableInput
}

// ValidateSubmission checks the size limits of a run submission. Lengths
// are counted in characters.
func ValidateSubmission(in SubmissionInput) error {
	var violations []FieldViolation
	add := func(field, format string, args ...any) {
		violations = append(violations, FieldViolation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch n := utf8.RuneCountInString(in.SQLText); {
	case strings.TrimSpace(in.SQLText) == "":
		add("sql_text", "is required")
	case n > MaxSQLLength:
		add("sql_text", "must be at most %d characters, got %d", MaxSQLLength, n)
	}
	if n := utf8.RuneCountInString(in.SnippetName); n > MaxSnippetNameLength {
		add("snippet_name", "must be at most %d characters, got %d", MaxSnippetNameLength, n)
	}
	if len(in.Tables) > MaxTables {
		add("table_metadata", "must list at most %d tables, got %d", MaxTables, len(in.Tables))
	}
	for i, table := range in.Tables {
		field := fmt.Sprintf("table_metadata[%d]", i)
		switch n := utf8.RuneCountInString(table.Name); {
		case strings.TrimSpace(table.Name) == "":
			add(field+".name", "is required")
		case n > MaxNameLength:
			add(field+".name", "must be at most %d characters, got %d", MaxNameLength, n)
		}
		if len(table.Fields) > MaxFieldsPerTable {
			add(field+".fields", "must list at most %d fields, got %d", MaxFieldsPerTable, len(table.Fields))
		}
		for j, name := range table.Fields {
			if n := utf8.RuneCountInString(name); n == 0 || n > MaxNameLength {
				add(fmt.Sprintf("%s.fields[%d].name", field, j), "must be 1 to %d characters", MaxNameLength)
			}
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
