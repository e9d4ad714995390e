package domain

import "strings"

// CodeTitleOrDescriptionRequired is the form-level error raised when both
// text fields are blank.
const CodeTitleOrDescriptionRequired = "titleOrDescriptionRequired"

// ValidateForm checks raw user input, before any title coercion.
func ValidateForm(title, description string) error {
	if strings.TrimSpace(title) == "" && strings.TrimSpace(description) == "" {
		return &ValidationError{Code: CodeTitleOrDescriptionRequired}
	}
	return nil
}
