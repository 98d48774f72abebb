// Package validate provides declarative schema validation for operation
// parameters. A schema names required and optional fields with per-field
// validators; validators may rewrite a field (normalize a MAC to its
// numeric form) or expand it into multiple result fields (resolve a
// network_uuid into the network record). Failures are accumulated across
// all fields, sorted by field name, and surfaced as one InvalidParamsError.
package validate

import (
	"context"
	"fmt"
	"sort"

	"github.com/napi-network/napi/pkg/util"
)

// Code classifies a field error.
type Code string

const (
	CodeMissing   Code = "MissingParameter"
	CodeInvalid   Code = "InvalidParameter"
	CodeDuplicate Code = "Duplicate"
	CodeUsedBy    Code = "UsedBy"
	CodeInUse     Code = "InUse"
	CodeUnknown   Code = "UnknownParameter"
)

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string                 `json:"field"`
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidParamsError aggregates field errors for one request.
type InvalidParamsError struct {
	Errors []FieldError
}

func (e *InvalidParamsError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid parameters"
	}
	msg := "invalid parameters:"
	for _, fe := range e.Errors {
		msg += fmt.Sprintf(" %s (%s)", fe.Field, fe.Code)
	}
	return msg
}

func (e *InvalidParamsError) Unwrap() error {
	return util.ErrValidationFailed
}

// HasCode reports whether any field failed with the given code.
func (e *InvalidParamsError) HasCode(code Code) bool {
	for _, fe := range e.Errors {
		if fe.Code == code {
			return true
		}
	}
	return false
}

// Params is the raw parameter set of an operation.
type Params map[string]interface{}

// Result is the parsed output of a validation run. Validators write
// normalized values here; expanding validators may write several fields.
type Result map[string]interface{}

// Fn validates one field. The raw value is params[field]; normalized
// output goes into out. A *FieldError return is recorded against the
// field; any other error aborts the run.
type Fn func(ctx context.Context, field string, value interface{}, out Result) error

// AfterFn is a cross-field hook. It runs only when no per-field error
// occurred and may itself return a *FieldError or *InvalidParamsError.
type AfterFn func(ctx context.Context, raw Params, out Result) error

// Schema describes the parameters of one operation.
type Schema struct {
	Required map[string]Fn
	Optional map[string]Fn
	// Strict rejects fields not named in Required or Optional.
	Strict bool
	After  []AfterFn
}

// Run validates params against the schema and returns the parsed result.
func (s *Schema) Run(ctx context.Context, params Params) (Result, error) {
	out := make(Result, len(params))
	var fieldErrs []FieldError

	record := func(field string, err error) error {
		switch e := err.(type) {
		case nil:
			return nil
		case *FieldError:
			if e.Field == "" {
				e.Field = field
			}
			fieldErrs = append(fieldErrs, *e)
			return nil
		case *InvalidParamsError:
			fieldErrs = append(fieldErrs, e.Errors...)
			return nil
		default:
			return err
		}
	}

	for field, fn := range s.Required {
		value, ok := params[field]
		if !ok || value == nil {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   field,
				Code:    CodeMissing,
				Message: "Missing parameter",
			})
			continue
		}
		if err := record(field, fn(ctx, field, value, out)); err != nil {
			return nil, err
		}
	}

	for field, fn := range s.Optional {
		value, ok := params[field]
		if !ok || value == nil {
			continue
		}
		if err := record(field, fn(ctx, field, value, out)); err != nil {
			return nil, err
		}
	}

	if s.Strict {
		for field := range params {
			if _, ok := s.Required[field]; ok {
				continue
			}
			if _, ok := s.Optional[field]; ok {
				continue
			}
			fieldErrs = append(fieldErrs, FieldError{
				Field:   field,
				Code:    CodeUnknown,
				Message: "Unknown parameter",
			})
		}
	}

	if len(fieldErrs) > 0 {
		sort.Slice(fieldErrs, func(i, j int) bool {
			return fieldErrs[i].Field < fieldErrs[j].Field
		})
		return nil, &InvalidParamsError{Errors: fieldErrs}
	}

	// Cross-field hooks only run on an otherwise clean parse.
	for _, hook := range s.After {
		if err := hook(ctx, params, out); err != nil {
			switch e := err.(type) {
			case *FieldError:
				return nil, &InvalidParamsError{Errors: []FieldError{*e}}
			case *InvalidParamsError:
				sort.Slice(e.Errors, func(i, j int) bool {
					return e.Errors[i].Field < e.Errors[j].Field
				})
				return nil, e
			default:
				return nil, err
			}
		}
	}

	return out, nil
}

// Invalid builds a *FieldError with CodeInvalid.
func Invalid(field, message string) *FieldError {
	return &FieldError{Field: field, Code: CodeInvalid, Message: message}
}

// Missing builds a *FieldError with CodeMissing.
func Missing(field string) *FieldError {
	return &FieldError{Field: field, Code: CodeMissing, Message: "Missing parameter"}
}

// UsedBy builds a *FieldError carrying the current holder of a resource.
func UsedBy(field, message, belongsToType, belongsToUUID string) *FieldError {
	return &FieldError{
		Field:   field,
		Code:    CodeUsedBy,
		Message: message,
		Extra: map[string]interface{}{
			"belongs_to_type": belongsToType,
			"belongs_to_uuid": belongsToUUID,
		},
	}
}

// Duplicate builds a *FieldError with CodeDuplicate.
func Duplicate(field, message string) *FieldError {
	return &FieldError{Field: field, Code: CodeDuplicate, Message: message}
}
