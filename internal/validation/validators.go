// Package validation registers the request validators used by gin binding tags and
// turns validator errors into client-facing messages.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/laasy/corptravel/internal/db/models"
)

var (
	permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9_:.-]{0,63}$`)
	currencyPattern   = regexp.MustCompile(`^[A-Z]{3}$`)
)

// MaxAppNameLength bounds the app_name of an API key
const MaxAppNameLength = 100

// RegisterCustomValidators adds the permission, user_role, currency and app_name tags
func RegisterCustomValidators(v *validator.Validate) error {
	tags := map[string]validator.Func{
		"permission": validatePermission,
		"user_role":  validateUserRole,
		"currency":   validateCurrency,
		"app_name":   validateAppName,
	}
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// RegisterWithGin installs the custom validators on gin's default binding engine
func RegisterWithGin() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin binding engine is not go-playground/validator")
	}
	return RegisterCustomValidators(v)
}

// ValidPermission reports whether p is a well-formed permission name
func ValidPermission(p string) bool {
	return permissionPattern.MatchString(p)
}

func validatePermission(fl validator.FieldLevel) bool {
	return ValidPermission(fl.Field().String())
}

func validateUserRole(fl validator.FieldLevel) bool {
	return models.ValidRole(fl.Field().String())
}

func validateCurrency(fl validator.FieldLevel) bool {
	return currencyPattern.MatchString(fl.Field().String())
}

// ValidAppName accepts 1 to MaxAppNameLength printable characters
func ValidAppName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxAppNameLength {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func validateAppName(fl validator.FieldLevel) bool {
	return ValidAppName(fl.Field().String())
}

// Message renders a binding error for a 400 response. Validator errors name the
// first failing field; anything else (bad JSON) yields a generic message.
func Message(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request body"
	}
	fe := verrs[0]
	field := fieldName(fe)
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "permission":
		return fmt.Sprintf("%s contains an invalid permission name", field)
	case "user_role":
		return fmt.Sprintf("%s must be one of: OrgAdmin Traveler Arranger TravelManager", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// fieldName converts the struct namespace to the JSON-ish dotted path, e.g.
// GenerateRequest.Permissions[1] -> permissions[1]
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return toSnake(ns)
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 && s[i-1] != '.' && s[i-1] != '[' {
				prev := rune(s[i-1])
				if !unicode.IsUpper(prev) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
