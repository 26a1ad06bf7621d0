// Package schema derives the output columns of a SELECT statement so the
// remote staging table can be created before any row exists.
package schema

import (
	"context"
	"errors"
	"strings"
)

type FieldType string

const (
	Text         FieldType = "Text"
	Number       FieldType = "Number"
	Decimal      FieldType = "Decimal"
	Date         FieldType = "Date"
	Boolean      FieldType = "Boolean"
	EmailAddress FieldType = "EmailAddress"
	Phone        FieldType = "Phone"
)

const (
	DefaultTextLength  = 254
	FunctionTextLength = 4000
	MaxTextLength      = 4000
	DefaultPrecision   = 18
	DefaultScale       = 2

	// MaxNameLength is the longest column name kept as is. Longer names
	// are cut to TruncatedNameLength characters before deduplication.
	MaxNameLength       = 50
	TruncatedNameLength = 45
)

// ParseFieldType maps a platform type name to a FieldType. Unknown names
// fall back to Text.
func ParseFieldType(name string) FieldType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "number":
		return Number
	case "decimal":
		return Decimal
	case "date":
		return Date
	case "boolean":
		return Boolean
	case "emailaddress":
		return EmailAddress
	case "phone":
		return Phone
	default:
		return Text
	}
}

// Column is one field of a table, either read from metadata or inferred.
type Column struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	MaxLength int       `json:"max_length,omitempty"`
	Precision int       `json:"precision,omitempty"`
	Scale     int       `json:"scale,omitempty"`
}

// Metadata resolves the fields of a named table. found is false when the
// table does not exist.
type Metadata interface {
	TableFields(ctx context.Context, table string) (fields []Column, found bool, err error)
}

// StaticMetadata serves fields from memory, keyed case-insensitively by
// table name.
type StaticMetadata map[string][]Column

func (m StaticMetadata) TableFields(_ context.Context, table string) ([]Column, bool, error) {
	for name, fields := range m {
		if strings.EqualFold(name, table) {
			return fields, true, nil
		}
	}
	return nil, false, nil
}

var ErrInferenceFailed = errors.New("schema inference failed")

// InferenceError explains why no usable column list could be derived.
type InferenceError struct {
	Reason string
	Err    error
}

func (e *InferenceError) Error() string {
	msg := "schema inference failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InferenceError) Is(target error) bool {
	return target == ErrInferenceFailed
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
