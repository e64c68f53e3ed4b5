package transport

import "fmt"

// ValidationError indicates input rejected before it reached the transport.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// NotFoundError indicates a referenced record or object does not exist.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// AppendError wraps a transport write that could not be committed.
type AppendError struct {
	Partition string
	Cause     error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append to %s failed: %v", e.Partition, e.Cause)
}

func (e *AppendError) Unwrap() error { return e.Cause }
