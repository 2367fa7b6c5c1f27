package errors

// ErrorBuilder provides a fluent API for creating ClassifiedError instances.
// This makes error creation consistent and discoverable throughout the codebase.
type ErrorBuilder struct {
	category ErrorCategory
	severity ErrorSeverity
	message  string
	cause    error
	context  ErrorContext
}

// NewError creates a new ErrorBuilder with the specified category and message.
func NewError(category ErrorCategory, message string) *ErrorBuilder {
	return &ErrorBuilder{
		category: category,
		severity: SeverityError,
		message:  message,
		context:  make(ErrorContext),
	}
}

// WrapError creates a new ErrorBuilder that wraps an existing error.
func WrapError(err error, category ErrorCategory, message string) *ErrorBuilder {
	return &ErrorBuilder{
		category: category,
		severity: SeverityError,
		message:  message,
		cause:    err,
		context:  make(ErrorContext),
	}
}

// WithSeverity sets the error severity.
func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

// WithContext adds a context key-value pair.
func (b *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	b.context = b.context.Set(key, value)
	return b
}

// Fatal sets the severity to fatal.
func (b *ErrorBuilder) Fatal() *ErrorBuilder {
	return b.WithSeverity(SeverityFatal)
}

// Warning sets the severity to warning.
func (b *ErrorBuilder) Warning() *ErrorBuilder {
	return b.WithSeverity(SeverityWarning)
}

// Info sets the severity to info.
func (b *ErrorBuilder) Info() *ErrorBuilder {
	return b.WithSeverity(SeverityInfo)
}

// Build creates the final ClassifiedError.
func (b *ErrorBuilder) Build() *ClassifiedError {
	return &ClassifiedError{
		category: b.category,
		severity: b.severity,
		message:  b.message,
		cause:    b.cause,
		context:  b.context,
	}
}

// Convenience constructors for common error patterns

// ValidationError creates a malformed-input error (HTTP 400).
func ValidationError(message string) *ErrorBuilder {
	return NewError(CategoryValidation, message)
}

// AuthError creates a missing/invalid credential error (HTTP 401).
func AuthError(message string) *ErrorBuilder {
	return NewError(CategoryAuth, message).Warning()
}

// ForbiddenError creates a wrong-subject error (HTTP 403).
func ForbiddenError(message string) *ErrorBuilder {
	return NewError(CategoryForbidden, message).Warning()
}

// NotFoundError creates a missing-resource error (HTTP 404).
func NotFoundError(message string) *ErrorBuilder {
	return NewError(CategoryNotFound, message).Warning()
}

// ConflictError creates a one-shot-resource reuse error (HTTP 409).
func ConflictError(message string) *ErrorBuilder {
	return NewError(CategoryConflict, message).Warning()
}

// PayloadTooLargeError creates an upload-limit error (HTTP 413).
func PayloadTooLargeError(message string) *ErrorBuilder {
	return NewError(CategoryPayloadTooLarge, message).Warning()
}

// TransitionError creates a build state machine violation error (HTTP 400).
func TransitionError(message string) *ErrorBuilder {
	return NewError(CategoryTransition, message)
}

// CertsError creates a malformed-signing-bundle error (HTTP 500).
func CertsError(message string) *ErrorBuilder {
	return NewError(CategoryCerts, message)
}

// StorageError creates a blob storage error (HTTP 500).
func StorageError(message string) *ErrorBuilder {
	return NewError(CategoryStorage, message)
}

// DatabaseError creates a metadata store error (HTTP 500).
func DatabaseError(message string) *ErrorBuilder {
	return NewError(CategoryDatabase, message)
}

// InternalError creates an internal error (HTTP 500).
func InternalError(message string) *ErrorBuilder {
	return NewError(CategoryInternal, message).Fatal()
}
