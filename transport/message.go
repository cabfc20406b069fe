package transport

import "encoding/json"

// Envelope is the wire shape of every event carried over a session: a
// named event with an arbitrary JSON payload. It is used for both
// directions (inbound dispatch and outbound unicast/broadcast).
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event builds an outbound Envelope, marshaling payload eagerly so send
// errors surface at the call site rather than inside the write pump.
func Event(eventType string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Payload: raw}, nil
}

// ErrorPayload is the body of the error event unicast to an offending
// sender per the error handling design.
type ErrorPayload struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
