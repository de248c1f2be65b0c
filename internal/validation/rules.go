// Package validation holds the request validation rules of the control
// surface.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("safe_url", validateSafeURL)
	_ = validate.RegisterValidation("safe_path", validateSafePath)
	_ = validate.RegisterValidation("priority", validatePriority)
}

// Struct validates a request body and flattens the failures into one
// readable error.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field %s failed rule %q", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// validateSafePath accepts relative paths that stay below the directory they
// are joined onto.
func validateSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return false
	}
	if strings.ContainsRune(p, 0) {
		return false
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return false
	}
	return !strings.HasSuffix(clean, ".part")
}

func validatePriority(fl validator.FieldLevel) bool {
	_, err := domain.ParsePriority(fl.Field().String())
	return err == nil
}
