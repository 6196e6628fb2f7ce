// Package validation wraps a shared go-playground/validator instance and
// turns its field errors into messages fit for showing to the user.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"timrs/internal/apperr"
	"timrs/internal/models"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed rule on one field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// RequestValidationError collects every failed rule of a struct.
type RequestValidationError struct {
	Fields []FieldError
}

func (ve *RequestValidationError) Error() string {
	if len(ve.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(ve.Fields))
	for i, f := range ve.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// GetValidator returns the singleton validator.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
	})
	return validate
}

// ValidateStruct validates s and returns an apperr Validation error wrapping
// a *RequestValidationError, or nil.
func ValidateStruct(s any) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.NewValidation("validate", err)
	}
	out := &RequestValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: message(fe),
		})
	}
	return apperr.NewValidation("", out)
}

// Fields extracts the per-field errors from err, if any.
func Fields(err error) []FieldError {
	var ve *RequestValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

var labels = map[string]string{
	"name":              "Timer name",
	"timeUnit":          "Time unit",
	"customResetAmount": "Reset amount",
	"amount":            "Reset amount",
	"reason":            "Reason",
	"mood":              "Mood",
	"description":       "Bug description",
	"appVersion":        "App version",
	"deviceInfo":        "Device info",
}

func message(fe validator.FieldError) string {
	label, ok := labels[fe.Field()]
	if !ok {
		label = fe.Field()
	}
	switch fe.Tag() {
	case "required", "notblank":
		return label + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", label, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", label, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", label, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be %s characters or less", label, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", label, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", label)
	}
}

// TimerForm normalizes and validates a create or edit form.
func TimerForm(f models.TimerForm) (models.TimerForm, error) {
	f.Name = strings.TrimSpace(f.Name)
	if err := ValidateStruct(&f); err != nil {
		return f, err
	}
	return f, nil
}

// ResetInput normalizes and validates a soft reset annotation.
func ResetInput(in models.ResetInput) (models.ResetInput, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if err := ValidateStruct(&in); err != nil {
		return in, err
	}
	return in, nil
}

// BugReportForm trims and validates a bug report submission.
func BugReportForm(f models.BugReportForm) (models.BugReportForm, error) {
	f.Description = strings.TrimSpace(f.Description)
	f.AppVersion = strings.TrimSpace(f.AppVersion)
	f.DeviceInfo = strings.TrimSpace(f.DeviceInfo)
	if err := ValidateStruct(&f); err != nil {
		return f, err
	}
	return f, nil
}
