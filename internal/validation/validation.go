// Package validation provides input validation for lifecycle requests.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var (
	subdomainRegex  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	domainRegex     = regexp.MustCompile(`^([a-z0-9]+(-[a-z0-9]+)*\.)+[a-z]{2,}$`)
	tenantNameRegex = regexp.MustCompile(`^[\p{L}\p{N}\s\-_.,&'()]+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("subdomain", func(fl validator.FieldLevel) bool {
		return IsValidSubdomain(fl.Field().String())
	})
	_ = v.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || IsValidDomain(s)
	})
	_ = v.RegisterValidation("tenantname", func(fl validator.FieldLevel) bool {
		return tenantNameRegex.MatchString(fl.Field().String())
	})
	return v
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSubdomain reports whether s is a lower-case DNS label of at most 63 characters.
func IsValidSubdomain(s string) bool {
	return len(s) <= 63 && subdomainRegex.MatchString(s)
}

// IsValidDomain reports whether s looks like a lower-case host name.
func IsValidDomain(s string) bool {
	return len(s) <= 253 && domainRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips NUL bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a list of field errors.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Struct validates v using its `validate` tags. It returns nil or Errors.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param()
	case "gte", "lte":
		return "is out of range"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "subdomain":
		return "must be lowercase letters, digits and hyphens, starting and ending with a letter or digit"
	case "domain":
		return "must be a valid domain name"
	case "tenantname":
		return "contains unsupported characters"
	default:
		return "is invalid"
	}
}
