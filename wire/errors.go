package wire

import "encoding/json"

// ErrorCode identifies the class of failure carried by an Error frame.
type ErrorCode string

const (
	ErrCodeUnknownType  ErrorCode = "unknown_type"
	ErrCodeUnsupported  ErrorCode = "unsupported"
	ErrCodeRetiring     ErrorCode = "retiring"
	ErrCodeOverloaded   ErrorCode = "overloaded"
	ErrCodeDenied       ErrorCode = "denied"
	ErrCodePayloadParse ErrorCode = "payload_parse_failed"
	ErrCodeNoRoute      ErrorCode = "no_route"
	ErrCodeInternal     ErrorCode = "internal"
)

// ErrorBody is the JSON payload of an Error frame.
type ErrorBody struct {
	Code          ErrorCode `json:"code"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewErrorMessage builds an Error frame for the given code and reason.
func NewErrorMessage(code ErrorCode, reason string) Message {
	payload, _ := json.Marshal(ErrorBody{Code: code, Reason: reason})
	return NewMessage(TypeError, payload)
}

// ParseErrorBody decodes an Error frame payload.
func ParseErrorBody(payload []byte) (ErrorBody, error) {
	var body ErrorBody
	err := json.Unmarshal(payload, &body)
	return body, err
}
