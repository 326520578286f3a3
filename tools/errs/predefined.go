package errs

// Codes surfaced on the websocket in error frames. Grouped the same way the
// connection lifecycle runs: handshake, auth, operations, collaborators.
var (
	ErrInternal = NewCodeError(500, "internal error")

	ErrOriginRejected   = NewCodeError(1001, "origin not allowed")
	ErrBadFrame         = NewCodeError(1002, "malformed frame")
	ErrUnknownFrameType = NewCodeError(1003, "unknown frame type")

	ErrAuthFailed       = NewCodeError(2001, "authentication failed")
	ErrTokenInvalid     = NewCodeError(2002, "token invalid or expired")
	ErrAccountNotFound  = NewCodeError(2003, "account not found")
	ErrAccountInactive  = NewCodeError(2004, "account not active")
	ErrNotAuthenticated = NewCodeError(2005, "not authenticated")

	ErrRoomIDInvalid   = NewCodeError(3001, "room id invalid")
	ErrPersistFailed   = NewCodeError(3002, "message persist failed")
	ErrEmptyBody       = NewCodeError(3003, "message body empty")
	ErrBrokerPublish   = NewCodeError(3004, "broker publish failed")
	ErrSessionNotFound = NewCodeError(3005, "session not found")
)
