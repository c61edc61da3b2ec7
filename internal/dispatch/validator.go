package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/userid"
)

// Validator checks the input of a dispatch before the handler runs. The
// returned value is stored in Context.Validated.
type Validator interface {
	Validate(c *Context) (any, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(c *Context) (any, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(c *Context) (any, error) {
	return f(c)
}

// Validators maps validator names to implementations.
type Validators struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewValidators creates an empty validator registry.
func NewValidators() *Validators {
	return &Validators{validators: make(map[string]Validator)}
}

// Register binds name to v. Registering a name twice panics.
func (vs *Validators) Register(name string, v Validator) {
	if name == "" || v == nil {
		panic(apierrors.NewConfigurationError("validator needs a name and an implementation"))
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if _, exists := vs.validators[name]; exists {
		panic(apierrors.NewConfigurationError(fmt.Sprintf("validator %q registered twice", name)))
	}
	vs.validators[name] = v
}

// Lookup returns the validator registered under name.
func (vs *Validators) Lookup(name string) (Validator, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	v, ok := vs.validators[name]
	return v, ok
}

// NewValidate returns a validator.Validate that reports JSON field names and
// knows the "userid" tag.
func NewValidate() *validator.Validate {
	v := validator.New()

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return userid.Valid(fl.Field().String())
	})

	return v
}

// StructValidator decodes the payload into a *T and validates its struct
// tags. On success Context.Validated holds the *T.
func StructValidator[T any](v *validator.Validate) Validator {
	if v == nil {
		v = NewValidate()
	}
	return ValidatorFunc(func(c *Context) (any, error) {
		dst := new(T)
		if err := c.Bind(dst); err != nil {
			return nil, err
		}
		if err := v.Struct(dst); err != nil {
			return nil, toValidationError(err)
		}
		return dst, nil
	})
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierrors.NewValidationError("payload failed validation", err)
	}
	fields := make([]apierrors.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apierrors.FieldError{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
		})
	}
	return apierrors.NewValidationError("payload failed validation", apierrors.NewFieldErrors(fields))
}

func fieldMessage(fe validator.FieldError) string {
	field, param := fe.Field(), fe.Param()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "userid":
		return fmt.Sprintf("%s must be a decimal user id", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
