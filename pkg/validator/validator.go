package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/jwalitptl/patient-console/pkg/errors"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
	ValidateField(field string, value interface{}, rules ...string) error
}

type structValidator struct {
	v        *validator.Validate
	messages map[string]string
}

// Option customises the messages returned for particular fields.
type Option func(*structValidator)

// WithMessage sets the message used when field fails tag. An empty tag
// matches every tag on that field.
func WithMessage(field, tag, message string) Option {
	return func(s *structValidator) {
		s.messages[field+"|"+tag] = message
	}
}

func New(opts ...Option) Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.String {
			return true
		}
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	s := &structValidator{v: v, messages: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks obj's `validate` tags and returns the first violation as a
// validation AppError naming the offending field.
func (s *structValidator) Validate(obj interface{}) error {
	err := s.v.Struct(obj)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("validate: %w", err)
	}
	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), rootName(fe))
	return apperrors.NewValidation(field, s.message(field, fe.Tag(), fe.Param()))
}

func (s *structValidator) ValidateField(field string, value interface{}, rules ...string) error {
	err := s.v.Var(value, strings.Join(rules, ","))
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("validate %s: %w", field, err)
	}
	fe := fieldErrs[0]
	return apperrors.NewValidation(field, s.message(field, fe.Tag(), fe.Param()))
}

func (s *structValidator) message(field, tag, param string) string {
	if msg, ok := s.messages[field+"|"+tag]; ok {
		return msg
	}
	if msg, ok := s.messages[field+"|"]; ok {
		return msg
	}
	switch tag {
	case "required", "notblank":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, param)
	case "datetime":
		return fmt.Sprintf("%s must be a date in the format %s", field, param)
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	case "max":
		return fmt.Sprintf("%s must not exceed %s characters", field, param)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// rootName is the struct name prefix of a namespace such as "Fields.address.postcode".
func rootName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[:i+1]
	}
	return ""
}
