package errors

import "maps"

// ErrorCategory represents the broad category of an error for classification and routing.
type ErrorCategory string

const (
	// CategoryValidation covers malformed input: unknown platform, missing
	// multipart fields, bad JSON bodies.
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuth covers missing, unknown, or expired credentials.
	CategoryAuth ErrorCategory = "auth"
	// CategoryForbidden covers a valid credential bound to the wrong subject.
	CategoryForbidden ErrorCategory = "forbidden"
	CategoryNotFound  ErrorCategory = "not_found"
	// CategoryConflict covers double consumption of one-shot resources (OTPs).
	CategoryConflict ErrorCategory = "conflict"
	// CategoryPayloadTooLarge covers uploads exceeding a configured size limit.
	CategoryPayloadTooLarge ErrorCategory = "payload_too_large"
	// CategoryTransition covers build state machine violations.
	CategoryTransition ErrorCategory = "transition"
	// CategoryCerts covers malformed signing bundles (a certs zip with no p12).
	CategoryCerts ErrorCategory = "certs"

	CategoryStorage  ErrorCategory = "storage"
	CategoryDatabase ErrorCategory = "database"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution completely
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// ErrorContext provides structured context for errors. Secrets must never be
// placed in context values; they end up in responses and logs.
type ErrorContext map[string]any

// Set adds or updates a context value.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	value, exists := c[key]
	return value, exists
}

// Merge combines two contexts, with other taking precedence.
func (c ErrorContext) Merge(other ErrorContext) ErrorContext {
	if c == nil {
		return other
	}
	if other == nil {
		return c
	}
	result := make(ErrorContext)
	maps.Copy(result, c)
	maps.Copy(result, other)
	return result
}
