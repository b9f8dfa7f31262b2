package hub

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	instanceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
	toolIDPattern     = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// ValidationError rejects a malformed registration, naming the offending field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("hub: invalid registration: %s: %s", e.Field, e.Message)
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

func validateRegistration(reg Registration) error {
	id := strings.TrimSpace(reg.ID)
	if id == "" {
		return newValidationError("id", "instance identifier is required")
	}
	if !instanceIDPattern.MatchString(id) {
		return newValidationError("id", "identifier %q must match %s", id, instanceIDPattern.String())
	}

	address := strings.TrimSpace(reg.Address)
	if address == "" {
		return newValidationError("address", "instance address is required")
	}
	if parsed, err := url.Parse(address); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return newValidationError("address", "address %q must be an absolute URL", address)
	}

	if reg.Weight < 0 {
		return newValidationError("weight", "weight must be a positive integer")
	}
	if reg.TTLSeconds < 0 {
		return newValidationError("ttl_seconds", "ttl must be a positive integer")
	}

	if check := strings.TrimSpace(reg.HealthCheck); check != "" {
		if parsed, err := url.Parse(check); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return newValidationError("health_check", "health check target %q must be an absolute URL", check)
		}
	}

	seen := make(map[string]struct{}, len(reg.Tools))
	for i, tool := range reg.Tools {
		field := fmt.Sprintf("tools[%d].id", i)
		toolID := strings.TrimSpace(tool.ID)
		if toolID == "" {
			return newValidationError(field, "tool identifier is required")
		}
		if !toolIDPattern.MatchString(toolID) {
			return newValidationError(field, "tool identifier %q must match %s", toolID, toolIDPattern.String())
		}
		if _, dup := seen[toolID]; dup {
			return newValidationError(field, "tool identifier %q declared more than once", toolID)
		}
		seen[toolID] = struct{}{}

		if tool.TimeoutSeconds < 0 {
			return newValidationError(fmt.Sprintf("tools[%d].timeout_seconds", i), "timeout must be a positive integer")
		}
		if tool.RetryAttempts < 0 {
			return newValidationError(fmt.Sprintf("tools[%d].retry_attempts", i), "retry attempts must be a positive integer")
		}
	}

	return nil
}
