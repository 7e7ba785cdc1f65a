package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the JSON shape of SyncMessage
type envelope struct {
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the payload as a tagged object: {"type": "...", ...fields}
func (m SyncMessage) MarshalJSON() ([]byte, error) {
	var (
		payload []byte
		err     error
	)

	switch p := m.Payload.(type) {
	case *SyncRequest:
		payload, err = json.Marshal(struct {
			Type PayloadType `json:"type"`
			*SyncRequest
		}{PayloadRequest, p})
	case *SyncResponse:
		payload, err = json.Marshal(struct {
			Type PayloadType `json:"type"`
			*SyncResponse
		}{PayloadResponse, p})
	case *SyncPush:
		payload, err = json.Marshal(struct {
			Type PayloadType `json:"type"`
			*SyncPush
		}{PayloadPush, p})
	case *SyncAck:
		payload, err = json.Marshal(struct {
			Type PayloadType `json:"type"`
			*SyncAck
		}{PayloadAck, p})
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrSerialization, m.Payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	return json.Marshal(envelope{
		ID:        m.ID,
		DeviceID:  m.DeviceID,
		Timestamp: m.Timestamp,
		Payload:   payload,
	})
}

// UnmarshalJSON decodes the tagged payload into its concrete type
func (m *SyncMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrSerialization)
	}

	var tag struct {
		Type PayloadType `json:"type"`
	}
	if err := json.Unmarshal(env.Payload, &tag); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	var payload Payload
	switch tag.Type {
	case PayloadRequest:
		payload = &SyncRequest{}
	case PayloadResponse:
		payload = &SyncResponse{}
	case PayloadPush:
		payload = &SyncPush{}
	case PayloadAck:
		payload = &SyncAck{}
	default:
		return fmt.Errorf("%w: unknown payload type %q", ErrSerialization, tag.Type)
	}

	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	m.ID = env.ID
	m.DeviceID = env.DeviceID
	m.Timestamp = env.Timestamp
	m.Payload = payload
	return nil
}

// Encode serializes a message for the wire
func Encode(msg *SyncMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrSerialization)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w: %w", ErrSerialization, err)
	}
	return data, nil
}

// Decode parses a message received from the wire
func Decode(data []byte) (*SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w: %w", ErrSerialization, err)
	}
	return &msg, nil
}
