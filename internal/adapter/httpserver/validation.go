package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError is one field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating one input.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID validates a job identifier path parameter. Job IDs are
// ULIDs but the check is intentionally looser so agent-assigned IDs pass.
func ValidateJobID(jobID string) ValidationResult {
	switch {
	case jobID == "":
		return invalid("id", "REQUIRED", "job ID is required")
	case len(jobID) > 100:
		return invalid("id", "TOO_LONG", "job ID is too long (max 100 characters)")
	case !validJobID.MatchString(jobID):
		return invalid("id", "INVALID_FORMAT", "job ID contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

func invalid(field, code, message string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

// SanitizeString strips control bytes and bounds the length of free-text
// inputs such as prompts.
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 5000 {
		input = input[:5000]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}
