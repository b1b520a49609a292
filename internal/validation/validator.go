// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/texforge/internal/fsutil"
)

// ErrInvalidParameter is wrapped by every RequestError.
var ErrInvalidParameter = errors.New("invalid parameter")

// singleton validator instance
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

var (
	buildIDPattern   = regexp.MustCompile(`^[0-9a-f]+-[0-9a-f]+$`)
	editorIDPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	projectIDPattern = regexp.MustCompile(`^[0-9a-zA-Z_]+$`)
)

// ValidationError represents a single field validation error with structured information.
type ValidationError struct {
	field   string
	tag     string
	param   string
	value   any
	message string
}

// Field returns the request attribute that failed validation.
func (e *ValidationError) Field() string {
	return e.field
}

// Tag returns the validation tag that failed.
func (e *ValidationError) Tag() string {
	return e.tag
}

// Param returns the parameter for the validation tag (e.g., "full incremental" for "oneof").
func (e *ValidationError) Param() string {
	return e.param
}

// Value returns the actual value that failed validation.
func (e *ValidationError) Value() any {
	return e.value
}

// Error returns a human-readable error message.
func (e *ValidationError) Error() string {
	return e.message
}

// RequestError is a rejected request. It wraps ErrInvalidParameter.
type RequestError struct {
	errors []ValidationError
}

func newRequestError(field, tag string, value any, format string, args ...any) *RequestError {
	return &RequestError{errors: []ValidationError{{
		field:   field,
		tag:     tag,
		value:   value,
		message: fmt.Sprintf(format, args...),
	}}}
}

// Errors returns the slice of validation errors.
func (re *RequestError) Errors() []ValidationError {
	return re.errors
}

// Error implements the error interface, returning a combined error message.
func (re *RequestError) Error() string {
	if len(re.errors) == 0 {
		return "validation failed"
	}

	messages := make([]string, 0, len(re.errors))
	for _, err := range re.errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// Unwrap lets callers match ErrInvalidParameter with errors.Is.
func (re *RequestError) Unwrap() error {
	return ErrInvalidParameter
}

// APIError is the body of a 400 response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToAPIError converts validation errors to the HTTP error format.
func (re *RequestError) ToAPIError() *APIError {
	if len(re.errors) == 0 {
		return &APIError{
			Code:    "VALIDATION_ERROR",
			Message: "Validation failed",
		}
	}

	if len(re.errors) == 1 {
		err := re.errors[0]
		return &APIError{
			Code:    "VALIDATION_ERROR",
			Message: err.message,
			Details: map[string]any{
				"field": err.field,
				"tag":   err.tag,
			},
		}
	}

	fields := make([]map[string]any, len(re.errors))
	messages := make([]string, 0, len(re.errors))
	for i, err := range re.errors {
		fields[i] = map[string]any{
			"field":   err.field,
			"tag":     err.tag,
			"message": err.message,
		}
		messages = append(messages, err.message)
	}

	return &APIError{
		Code:    "VALIDATION_ERROR",
		Message: strings.Join(messages, "; "),
		Details: map[string]any{
			"fields": fields,
		},
	}
}

// GetValidator returns the singleton validator instance with the custom
// tags registered. Field names in errors are taken from json tags.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonTagName)

		custom := map[string]validator.Func{
			"buildid":   matchString(buildIDPattern),
			"editorid":  matchString(editorIDPattern),
			"projectid": matchString(projectIDPattern),
			"safepath":  isSafePath,
		}
		for tag, fn := range custom {
			if err := validate.RegisterValidation(tag, fn); err != nil {
				panic(fmt.Sprintf("register %s validator: %v", tag, err))
			}
		}
	})

	return validate
}

func jsonTagName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

func matchString(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// isSafePath rejects absolute paths and any ".." segment.
func isSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	return !filepath.IsAbs(p) && !strings.HasPrefix(p, "/") && !fsutil.HasDotDot(p)
}

// ValidBuildID reports whether id has the build id shape.
func ValidBuildID(id string) bool {
	return buildIDPattern.MatchString(id)
}

// ValidProjectID reports whether id may be used as a project or user id.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id)
}

// ValidateStruct validates a struct using the singleton validator.
// Returns nil if validation passes, or *RequestError if validation fails.
func ValidateStruct(s any) *RequestError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return newRequestError("unknown", "unknown", nil, "%s", err.Error())
	}

	fieldErrors := make([]ValidationError, len(validationErrs))
	for i, fieldErr := range validationErrs {
		fieldErrors[i] = ValidationError{
			field:   fieldErr.Field(),
			tag:     fieldErr.Tag(),
			param:   fieldErr.Param(),
			value:   fieldErr.Value(),
			message: translateError(fieldErr),
		}
	}

	return &RequestError{errors: fieldErrors}
}

// errorMessageTemplates maps validation tags to message templates.
var errorMessageTemplates = map[string]string{
	"required":  "%s attribute is required",
	"buildid":   "%s attribute does not match regex /^[0-9a-f]+-[0-9a-f]+$/",
	"editorid":  "%s attribute should be a uuid",
	"projectid": "%s should only contain letters, digits and underscores",
	"safepath":  "relative path in %s",
}

// errorMessageWithParam maps validation tags to templates that include param.
var errorMessageWithParam = map[string]string{
	"gte": "%s attribute should be greater than or equal to %s",
	"lte": "%s attribute should be less than or equal to %s",
}

// translateError converts a validator.FieldError to a human-readable message.
func translateError(fe validator.FieldError) string {
	field := fe.Field()
	tag := fe.Tag()
	param := fe.Param()

	if template, ok := errorMessageTemplates[tag]; ok {
		return fmt.Sprintf(template, field)
	}

	if template, ok := errorMessageWithParam[tag]; ok {
		return fmt.Sprintf(template, field, param)
	}

	if tag == "oneof" {
		return fmt.Sprintf("%s attribute should be one of: %s", field, strings.Join(strings.Fields(param), ", "))
	}

	return translateMinMax(fe, field, tag, param)
}

// translateMinMax handles min/max validation with type-specific messages.
func translateMinMax(fe validator.FieldError, field, tag, param string) string {
	isString := fe.Kind().String() == "string"

	switch tag {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at most %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}
