package errors

import "time"

// ErrorBuilder provides a fluent API for creating ClassifiedError instances.
// This makes error creation consistent and discoverable throughout the codebase.
type ErrorBuilder struct {
	category ErrorCategory
	severity ErrorSeverity
	retry    RetryStrategy
	message  string
	cause    error
	context  ErrorContext
}

// NewError creates a new ErrorBuilder with the specified category and message.
func NewError(category ErrorCategory, message string) *ErrorBuilder {
	return &ErrorBuilder{
		category: category,
		severity: SeverityError, // Default severity
		retry:    RetryNever,    // Default to no retry
		message:  message,
		context:  make(ErrorContext),
	}
}

// WrapError creates a new ErrorBuilder that wraps an existing error.
func WrapError(err error, category ErrorCategory, message string) *ErrorBuilder {
	return &ErrorBuilder{
		category: category,
		severity: SeverityError,
		retry:    RetryNever,
		message:  message,
		cause:    err,
		context:  make(ErrorContext),
	}
}

// WithCategory overrides the category the builder was constructed with.
// Used by classifiers that refine a generic error after inspecting the cause.
func (b *ErrorBuilder) WithCategory(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// WithSeverity sets the error severity.
func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

// WithRetry sets the retry strategy.
func (b *ErrorBuilder) WithRetry(strategy RetryStrategy) *ErrorBuilder {
	b.retry = strategy
	return b
}

// WithContext adds a context key-value pair.
func (b *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	b.context = b.context.Set(key, value)
	return b
}

// WithContextMap adds multiple context values.
func (b *ErrorBuilder) WithContextMap(ctx ErrorContext) *ErrorBuilder {
	b.context = b.context.Merge(ctx)
	return b
}

// WithCause attaches the underlying error.
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.cause = cause
	return b
}

// WithResetAt records the rate-limit reset time in the error context.
func (b *ErrorBuilder) WithResetAt(t time.Time) *ErrorBuilder {
	return b.WithContext(ContextKeyResetAt, t)
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

// Retryable sets the retry strategy to backoff.
func (b *ErrorBuilder) Retryable() *ErrorBuilder {
	return b.WithRetry(RetryBackoff)
}

// Immediate sets the retry strategy to immediate.
func (b *ErrorBuilder) Immediate() *ErrorBuilder {
	return b.WithRetry(RetryImmediate)
}

// RateLimit sets the retry strategy to rate limit.
func (b *ErrorBuilder) RateLimit() *ErrorBuilder {
	return b.WithRetry(RetryRateLimit)
}

// UserAction sets the retry strategy to require user action.
func (b *ErrorBuilder) UserAction() *ErrorBuilder {
	return b.WithRetry(RetryUserAction)
}

// Build creates the final ClassifiedError.
func (b *ErrorBuilder) Build() *ClassifiedError {
	return &ClassifiedError{
		category: b.category,
		severity: b.severity,
		retry:    b.retry,
		message:  b.message,
		cause:    b.cause,
		context:  b.context,
	}
}

// Convenience constructors for common error patterns

// ConfigError creates a configuration error.
func ConfigError(message string) *ErrorBuilder {
	return NewError(CategoryConfig, message).Fatal()
}

// ValidationError creates a validation error.
func ValidationError(message string) *ErrorBuilder {
	return NewError(CategoryValidation, message).Fatal()
}

// AuthError creates an authentication error.
func AuthError(message string) *ErrorBuilder {
	return NewError(CategoryAuth, message).UserAction()
}

// NetworkError creates a network error (typically retryable).
func NetworkError(message string) *ErrorBuilder {
	return NewError(CategoryNetwork, message).Retryable()
}

// GitError creates a git operation error.
func GitError(message string) *ErrorBuilder {
	return NewError(CategoryGit, message).Retryable()
}

// ProviderError creates a CI provider integration error.
func ProviderError(message string) *ErrorBuilder {
	return NewError(CategoryProvider, message).Retryable()
}

// RateLimitedError creates a primary rate-limit error carrying the reset time.
func RateLimitedError(message string, resetAt time.Time) *ErrorBuilder {
	return NewError(CategoryProvider, message).
		RateLimit().
		WithContext(ContextKeyScope, RateLimitScopePrimary).
		WithResetAt(resetAt)
}

// SecondaryRateLimitedError creates a secondary (abuse-detection) rate-limit error.
func SecondaryRateLimitedError(message string, retryAfter time.Time) *ErrorBuilder {
	return NewError(CategoryProvider, message).
		RateLimit().
		WithContext(ContextKeyScope, RateLimitScopeSecondary).
		WithResetAt(retryAfter)
}

// ResourceMissingError marks an upstream artifact that no longer exists.
// These are expected during historical backfill and are not retried.
func ResourceMissingError(message string) *ErrorBuilder {
	return NewError(CategoryNotFound, message).Warning()
}

// ResourceError creates a resource acquisition error (clones, worktrees, logs).
func ResourceError(message string) *ErrorBuilder {
	return NewError(CategoryResource, message).Retryable()
}

// ExtractionError creates a feature extraction error.
func ExtractionError(message string) *ErrorBuilder {
	return NewError(CategoryExtraction, message)
}

// StorageError creates a database persistence error.
func StorageError(message string) *ErrorBuilder {
	return NewError(CategoryStorage, message).Retryable()
}

// TokenPoolError creates a token pool error.
func TokenPoolError(message string) *ErrorBuilder {
	return NewError(CategoryTokenPool, message).Retryable()
}

// OrchestrationError creates a task orchestration error.
func OrchestrationError(message string) *ErrorBuilder {
	return NewError(CategoryOrchestration, message)
}

// EventStoreError creates a lifecycle journal error.
func EventStoreError(message string) *ErrorBuilder {
	return NewError(CategoryEventStore, message)
}

// WebhookError creates a webhook intake error.
func WebhookError(message string) *ErrorBuilder {
	return NewError(CategoryWebhook, message)
}

// TimeoutError creates a timeout error (retryable with backoff).
func TimeoutError(message string) *ErrorBuilder {
	return NewError(CategoryNetwork, message).Retryable().WithContext("timeout", true)
}

// RuntimeError creates a runtime error.
func RuntimeError(message string) *ErrorBuilder {
	return NewError(CategoryRuntime, message).Fatal()
}

// DaemonError creates a daemon error.
func DaemonError(message string) *ErrorBuilder {
	return NewError(CategoryDaemon, message).Fatal()
}

// InternalError creates an internal error.
func InternalError(message string) *ErrorBuilder {
	return NewError(CategoryInternal, message).Fatal()
}
