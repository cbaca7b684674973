package apperr

import "time"

// Body is the serialized error object.
type Body struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// Envelope is the response document of every failed request.
type Envelope struct {
	Success bool `json:"success"`
	Error   Body `json:"error"`
}

// NewEnvelope renders e for the response of requestID. Internal errors carry
// neither their cause nor details.
func NewEnvelope(e *Error, requestID string, now time.Time) Envelope {
	body := Body{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		RequestID: requestID,
		Timestamp: now.UTC(),
	}
	if e.Code == CodeInternal {
		body.Message = "internal server error"
		body.Details = nil
	}
	return Envelope{Success: false, Error: body}
}
