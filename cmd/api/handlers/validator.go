package handlers

import (
	"errors"
	"reflect"
	"strings"

	"github.com/estatehub/portal/cmd/api/service"
	"github.com/estatehub/portal/common/validation"
	"github.com/go-playground/validator/v10"
)

// RequestValidator plugs go-playground/validator into echo's c.Validate
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator reports fields by their JSON names
func NewRequestValidator() *RequestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &RequestValidator{validate: v}
}

// Validate returns a *service.ValidationError listing every failing field
func (rv *RequestValidator) Validate(i interface{}) error {
	err := rv.validate.Struct(i)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make(validation.Errors, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, validation.FieldError{Field: fe.Field(), Message: tagMessage(fe)})
	}
	return &service.ValidationError{Fields: fields}
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a UUID"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}
