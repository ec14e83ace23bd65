package coordinator

import "errors"

// Anomalies. HandleDelivery logs and acks messages failing with these;
// none of them changes job state.
var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrDuplicateMessage  = errors.New("duplicate message")
	ErrOutOfOrderMessage = errors.New("out-of-order message")
)

var (
	// ErrStageExhausted is recorded as the job error when a stage runs out
	// of attempts. It is the only failure a status query surfaces.
	ErrStageExhausted = errors.New("stage exhausted")
	ErrTerminal       = errors.New("job is terminal")
	ErrNotRetryable   = errors.New("job is not failed or cancelled")
	// ErrNotCompleted is returned when the cleaned audio of an unfinished
	// job is requested.
	ErrNotCompleted = errors.New("job is not completed")
)
