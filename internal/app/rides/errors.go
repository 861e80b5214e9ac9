package rides

// Contention and validation error codes surfaced to the wire layer.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeDuplicateActiveRequest = "DUPLICATE_ACTIVE_REQUEST"
	CodeDriverBusy             = "DRIVER_BUSY"
	CodeRideTaken              = "RIDE_TAKEN"
	CodeStaleDecision          = "STALE_DECISION"
	CodeStaleArrival           = "STALE_ARRIVAL"
	CodeRideNotFound           = "RIDE_NOT_FOUND"
	CodeInvalidStatus          = "INVALID_STATUS"
)

// Error is an application-layer error that can be mapped to a wire error
// envelope. Contention errors (a transaction's precondition no longer holds)
// are non-fatal: the engine never auto-retries, leaving the re-poll decision
// to the caller.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}
