package errors

// ErrorCode identifies a failure independently of its message.
type ErrorCode string

// Error is a coded error. Two Errors match under Is when their codes are
// equal, so a bare factory.New(code) works as a sentinel.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
	Is(target error) bool
}

// Factory creates Errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
