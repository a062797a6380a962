package repositories

// CounterErrorCode classifies counter operation failures.
type CounterErrorCode string

const (
	// CounterErrorUnknown is an unclassified failure.
	CounterErrorUnknown CounterErrorCode = "counter_unknown"
	// CounterErrorInvalidInput means the caller supplied bad arguments.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted means the counter hit its configured maximum.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError carries a machine-readable code alongside the failure.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

func (e *CounterError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "":
		return e.Op + ": " + e.Message
	default:
		return e.Message
	}
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError builds a typed counter error. An empty message defaults to
// the code itself.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	counterErr := &CounterError{Code: code, Message: message, Err: err}
	if counterErr.Message == "" {
		counterErr.Message = string(code)
	}
	return counterErr
}
