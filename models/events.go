package models

import "encoding/json"

// Event names pushed over a room channel. Channels are named "room.<roomId>".
const (
	EventMessageSent           = "message-sent"
	EventUserJoined            = "user-joined"
	EventUserLeft              = "user-left"
	EventSubscriptionSucceeded = "subscription-succeeded"
	EventSubscriptionError     = "subscription-error"
)

// ChannelName returns the pub/sub topic for a room.
func ChannelName(roomID string) string {
	return "room." + roomID
}

// Envelope is the wire frame for every transport event, in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MessageSentPayload carries a pushed chat message.
type MessageSentPayload struct {
	Message ChatMessage `json:"message"`
}

// PresencePayload carries a user-joined or user-left notification.
type PresencePayload struct {
	User User `json:"user"`
}

// SubscriptionErrorPayload carries the reason a channel subscription failed.
type SubscriptionErrorPayload struct {
	Reason string `json:"reason,omitempty"`
}
