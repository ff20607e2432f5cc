package inbox

import "errors"

var (
	ErrMissingConversationID = errors.New("inbox: conversation_id required")
	ErrMissingMessageID      = errors.New("inbox: message_id required")
	ErrMissingPayload        = errors.New("inbox: payload_envelope required")
)
