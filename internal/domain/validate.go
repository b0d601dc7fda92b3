package domain

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var telegramUsernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{5,32}$`)

// Registration is the pre-validated input for creating an account.
type Registration struct {
	Username         string `json:"username" validate:"required,min=7,max=50"`
	Email            string `json:"email" validate:"required,email"`
	TelegramUsername string `json:"telegramUsername,omitempty" validate:"omitempty,telegram"`
}

// Normalize trims input and strips the leading @ from the Telegram username.
func (r Registration) Normalize() Registration {
	return Registration{
		Username:         strings.TrimSpace(r.Username),
		Email:            strings.ToLower(strings.TrimSpace(r.Email)),
		TelegramUsername: NormalizeTelegramUsername(r.TelegramUsername),
	}
}

// NormalizeTelegramUsername trims whitespace and a leading @.
func NormalizeTelegramUsername(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "@")
}

// ValidTelegramUsername reports whether name (without @) is 5-32 alnum/underscore.
func ValidTelegramUsername(name string) bool {
	return telegramUsernameRe.MatchString(name)
}

// Validator checks observation and registration payloads.
type Validator struct {
	validate *validator.Validate
}

// NewValidator registers the queue-pattern and Telegram username rules.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("queuepattern", func(fl validator.FieldLevel) bool {
		return ValidObservationPattern(fl.Field().String())
	})
	_ = v.RegisterValidation("telegram", func(fl validator.FieldLevel) bool {
		return ValidTelegramUsername(fl.Field().String())
	})

	return &Validator{validate: v}
}

// Observation rejects malformed patterns, more than five ranked entries, and
// repeated positions.
func (v *Validator) Observation(obs Observation) error {
	if err := v.check(obs, "Invalid queue update data"); err != nil {
		return err
	}

	seen := make(map[int]bool, len(obs.TopUsers))
	for _, ranked := range obs.TopUsers {
		if seen[ranked.Position] {
			return NewValidationError("Invalid queue update data", fmt.Sprintf("duplicate position %d in topUsers", ranked.Position))
		}
		seen[ranked.Position] = true
	}

	return nil
}

// Registration validates a normalized registration.
func (v *Validator) Registration(reg Registration) error {
	return v.check(reg, "Validation failed")
}

func (v *Validator) check(payload interface{}, message string) error {
	err := v.validate.Struct(payload)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return NewValidationError(message, err.Error())
	}

	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, describeFieldError(fe))
	}

	return NewValidationError(message, details...)
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min", "max":
		return describeBound(fe)
	case "email":
		return "Please provide a valid email address"
	case "queuepattern":
		return fmt.Sprintf("Invalid username pattern format in %s. Expected: abcd..xyz", field)
	case "telegram":
		return "Invalid Telegram username format. Use 5-32 letters, digits or underscores"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func describeBound(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Kind() {
	case reflect.Slice:
		return fmt.Sprintf("%s cannot have more than %s entries", field, fe.Param())
	case reflect.Int, reflect.Int64:
		return fmt.Sprintf("%s must be between 1 and 5", field)
	}

	if fe.Tag() == "min" {
		return fmt.Sprintf("%s must be at least %s characters long", field, fe.Param())
	}
	return fmt.Sprintf("%s cannot exceed %s characters", field, fe.Param())
}
