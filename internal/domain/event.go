package domain

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the broadcast event union on the wire.
type EventType string

const (
	EventChat          EventType = "Chat"
	EventReleaseUpdate EventType = "ReleaseUpdate"
	EventAppLog        EventType = "AppLog"
)

// Event is one broadcast message: a chat line, a release progress update or
// an application log line. Exactly one JSON object per frame, tagged with
// "type".
type Event interface {
	eventType() EventType
}

// ChatMessage is a chat line relayed between viewers.
type ChatMessage struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (ChatMessage) eventType() EventType { return EventChat }

// ReleaseUpdate carries a release's status, aggregate progress and
// optionally one log line produced by a deployment item.
type ReleaseUpdate struct {
	ReleaseID string        `json:"release_id"`
	Status    ReleaseStatus `json:"status"`
	Progress  float64       `json:"progress"`
	LogLine   string        `json:"log_line,omitempty"`
}

func (ReleaseUpdate) eventType() EventType { return EventReleaseUpdate }

// AppLog is an application-level log line surfaced to viewers.
type AppLog struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (AppLog) eventType() EventType { return EventAppLog }

// MarshalEvent encodes an event with its type tag.
func MarshalEvent(e Event) ([]byte, error) {
	switch v := e.(type) {
	case ChatMessage:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ChatMessage
		}{EventChat, v})
	case ReleaseUpdate:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ReleaseUpdate
		}{EventReleaseUpdate, v})
	case AppLog:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			AppLog
		}{EventAppLog, v})
	}
	return nil, fmt.Errorf("unsupported event %T", e)
}

// UnmarshalEvent decodes a tagged event frame. Unknown types are an error,
// never a silent default.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch head.Type {
	case EventChat:
		var e ChatMessage
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode chat event: %w", err)
		}
		return e, nil
	case EventReleaseUpdate:
		var e ReleaseUpdate
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode release update event: %w", err)
		}
		return e, nil
	case EventAppLog:
		var e AppLog
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode app log event: %w", err)
		}
		return e, nil
	}
	return nil, fmt.Errorf("unknown event type: %q", head.Type)
}
