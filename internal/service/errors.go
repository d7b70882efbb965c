package service

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrJobNotFound is returned when no record, broker entry, or artifact knows the id.
var ErrJobNotFound = errors.New("job not found")

// ValidationError rejects a request before any side effect. Fields maps the
// JSON field name to a short reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func invalidField(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

// StorageError wraps a failed storage operation: snapshots, presets or job records.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// fromValidator converts validator output into a ValidationError.
func fromValidator(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return &ValidationError{Fields: map[string]string{"body": err.Error()}}
	}

	fields := make(map[string]string, len(errs))
	for _, e := range errs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			fields[field] = "required"
		case "oneof":
			fields[field] = "must be one of: " + e.Param()
		case "min":
			fields[field] = "must be at least " + e.Param()
		case "max":
			fields[field] = "must be at most " + e.Param()
		case "unique":
			fields[field] = "must be unique"
		default:
			fields[field] = "invalid value"
		}
	}
	return &ValidationError{Fields: fields}
}
