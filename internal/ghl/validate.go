package ghl

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/go-playground/validator/v10"
)

// Tags reported by struct-level price rules.
const (
	tagRecurringRequired = "recurring_required"
	tagRecurringExcluded = "recurring_excluded"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names, the names callers send.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterStructValidation(priceRules, Price{})

	return v
}

// priceRules ties the recurring block to the price type.
func priceRules(sl validator.StructLevel) {
	p := sl.Current().Interface().(Price)

	switch {
	case p.Type == PriceTypeRecurring && p.Recurring == nil:
		sl.ReportError(p.Recurring, "recurring", "Recurring", tagRecurringRequired, "")
	case p.Type == PriceTypeOneTime && p.Recurring != nil:
		sl.ReportError(p.Recurring, "recurring", "Recurring", tagRecurringExcluded, "")
	}
}

// validateStruct runs the struct tags on s and turns the first failure
// into an ErrValidation with a message naming the JSON field.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	fe := ves[0]
	field := fieldPath(fe)

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", apperrors.ErrValidation, field)
	case "oneof":
		return fmt.Errorf("%w: unsupported %s %q, want one of %s", apperrors.ErrValidation, field, fe.Value(), fe.Param())
	case "gte":
		if fe.Param() == "0" {
			return fmt.Errorf("%w: %s must not be negative", apperrors.ErrValidation, field)
		}
		return fmt.Errorf("%w: %s must be at least %s", apperrors.ErrValidation, field, fe.Param())
	case "min":
		return fmt.Errorf("%w: %s must be at least %s", apperrors.ErrValidation, field, fe.Param())
	case "iso4217":
		return fmt.Errorf("%w: %s must be a 3-letter ISO 4217 code, got %q", apperrors.ErrValidation, field, fe.Value())
	case tagRecurringRequired:
		return fmt.Errorf("%w: recurring price requires interval and intervalCount", apperrors.ErrValidation)
	case tagRecurringExcluded:
		return fmt.Errorf("%w: one_time price cannot have a recurring block", apperrors.ErrValidation)
	default:
		return fmt.Errorf("%w: %s failed %s", apperrors.ErrValidation, field, fe.Tag())
	}
}

// fieldPath drops the root struct name from the namespace, leaving
// e.g. medias[0].url.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}

	return fe.Field()
}
