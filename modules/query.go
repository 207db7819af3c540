package modules

import "time"

// QueryOk is the successful result of a query execution.
type QueryOk struct {
	RawData        []byte        `json:"-"`
	CompressedData []byte        `json:"-"`
	DataSize       int           `json:"dataSize"`
	CompressedSize int           `json:"compressedSize"`
	DataSha3_256   [32]byte      `json:"dataSha3_256"`
	NumReadChunks  int           `json:"numReadChunks"`
	ExecDuration   time.Duration `json:"execDurationNanos"`
}

// QueryErrorKind enumerates the taxonomy of query failures from spec.md §7.
type QueryErrorKind int

const (
	// ErrKindNotFound means no Ready chunk covers the query's first_block.
	ErrKindNotFound QueryErrorKind = iota
	// ErrKindNoAllocation means the allocation checker denied the spend.
	ErrKindNoAllocation
	// ErrKindBadRequest means the query bytes were unparseable or missing
	// first_block.
	ErrKindBadRequest
	// ErrKindServiceOverloaded means the in-flight query count was already
	// at PARALLEL_QUERIES.
	ErrKindServiceOverloaded
	// ErrKindOther is an internal error (executor, I/O, recovered panic).
	ErrKindOther
)

// QueryError is the error type returned by RunQuery. It carries enough
// structure for a transport to map it to an HTTP status code (404, 429,
// 400, 503, 500 respectively) without string-matching.
type QueryError struct {
	Kind QueryErrorKind
	msg  string
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return e.msg
}

// NewNotFoundError reports that no Ready chunk covers the requested block.
func NewNotFoundError() *QueryError {
	return &QueryError{Kind: ErrKindNotFound, msg: "this worker doesn't have any chunks in the requested range"}
}

// NewNoAllocationError reports that the client has no spendable allocation.
func NewNoAllocationError() *QueryError {
	return &QueryError{Kind: ErrKindNoAllocation, msg: "this worker doesn't have enough allocation for this client"}
}

// NewBadRequestError reports a malformed query.
func NewBadRequestError(reason string) *QueryError {
	return &QueryError{Kind: ErrKindBadRequest, msg: "bad request: " + reason}
}

// NewServiceOverloadedError reports that the admission bound was reached.
func NewServiceOverloadedError() *QueryError {
	return &QueryError{Kind: ErrKindServiceOverloaded, msg: "service overloaded"}
}

// NewOtherError wraps an internal error (I/O, executor failure, recovered
// panic).
func NewOtherError(cause error) *QueryError {
	msg := "internal error"
	if cause != nil {
		msg = "internal error: " + cause.Error()
	}
	return &QueryError{Kind: ErrKindOther, msg: msg}
}

// HTTPStatus returns the status code spec.md §6 assigns to each QueryError
// kind.
func (e *QueryError) HTTPStatus() int {
	switch e.Kind {
	case ErrKindNotFound:
		return 404
	case ErrKindNoAllocation:
		return 429
	case ErrKindBadRequest:
		return 400
	case ErrKindServiceOverloaded:
		return 503
	default:
		return 500
	}
}
