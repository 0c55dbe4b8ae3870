package apperr

const msgRateLimited = "rate limit exceeded"

var (
	ErrUnauthenticated   = New(CodeUnauthenticated, "missing credential")
	ErrInvalidCredential = New(CodeInvalidCredential, "invalid credential")

	ErrEmptyContent   = InvalidArg("message content is empty")
	ErrContentTooLong = InvalidArg("message content is too long")
	ErrInvalidRequest = InvalidArg("invalid request")

	ErrNotParticipant   = Forbidden("not a participant of this conversation")
	ErrSelfConversation = InvalidArg("cannot start a conversation with yourself")
	ErrBlocked          = Forbidden("blocked relationship")

	ErrConversationNotFound = NotFound("conversation not found")
	ErrMessageNotFound      = NotFound("message not found")

	ErrIdempotencyConflict = New(CodeAlreadyExists, "client message id already used by another sender")

	ErrRateLimited = New(CodeResourceExhausted, msgRateLimited)
)
