package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:  true,
	TypeSessionInput:   true,
	TypeSessionDestroy: true,
	TypeSessionAttach:  true,
	TypeSessionList:    true,
	TypeStatusQuery:    true,
}

// ParseClientEnvelope validates a raw JSON message from a client.
// Returns the parsed Envelope and any validation error. A malformed
// envelope is a per-message failure; the caller drops the message and
// keeps the connection alive.
func ParseClientEnvelope(raw []byte) (*Envelope, error) {
	var msg Envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.ID == "" {
		return nil, fmt.Errorf("missing 'id' field on request %s", msg.Type)
	}

	if msg.Payload == nil && msg.Type != TypeSessionList {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Workbranch == "" {
			return nil, fmt.Errorf("missing required field 'workbranchId' in %s payload", msg.Type)
		}

	case TypeSessionInput:
		var p SessionInputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}

	case TypeSessionDestroy:
		var p SessionDestroyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}

	case TypeSessionAttach:
		var p SessionAttachPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Workbranch == "" {
			return nil, fmt.Errorf("missing required field 'workbranchId' in %s payload", msg.Type)
		}

	case TypeStatusQuery:
		var p StatusQueryPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if len(p.Ports) == 0 {
			return nil, fmt.Errorf("missing required field 'ports' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorEnvelope creates an error message ready to send to the client.
// The id echoes the failed request where one could be parsed.
func NewErrorEnvelope(id, code, message string) (*Envelope, error) {
	return NewEnvelope(id, TypeError, ErrorPayload{
		Reason:  message,
		Code:    code,
		Message: message,
	})
}
