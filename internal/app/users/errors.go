package users

const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeBlacklisted     = "SUBJECT_BLACKLISTED"
	CodeProfileNotFound = "PROFILE_NOT_FOUND"
)

// Error is an application-layer error that can be mapped to a wire error
// envelope.
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
