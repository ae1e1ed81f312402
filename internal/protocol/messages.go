// Package protocol defines the channel events exchanged between the client
// and the messaging service. Every frame is a single JSON object with a "type"
// discriminator; the remaining fields form the event payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server event names.
const (
	TypeAuth           = "auth"
	TypeSendMessage    = "send_message"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypeMarkRead       = "mark_read"
	TypeUserActivity   = "user-activity"
	TypeHeartbeat      = "heartbeat"
	TypeGetOnlineUsers = "get_online_users"
	TypePing           = "ping"
)

// Server -> Client event names.
const (
	TypeAuthOK           = "auth_ok"
	TypeAuthError        = "auth_error"
	TypeOnlineUsers      = "online_users"
	TypeUserStatusUpdate = "user-status-update"
	TypeNewNotification  = "new_notification"
	TypeNotificationRead = "notification_read"
	TypeNewMatch         = "new_match"
	TypeUserUnmatched    = "user_unmatched"
	TypeNewMessage       = "new_message"
	TypeMessageAck       = "message_ack"
	TypeMessageError     = "message_error"
	TypeTyping           = "typing"
	TypePong             = "pong"
)

// Lifecycle events raised locally by the connection manager. They never
// travel over the wire.
const (
	TypeConnect      = "connect"
	TypeDisconnect   = "disconnect"
	TypeConnectError = "connect_error"
)

// Presence status values carried by user-activity.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// AuthMsg is the handshake frame sent once at the start of every link.
type AuthMsg struct {
	Type   string `json:"type"`
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// SendMessageMsg carries a locally authored message. ClientID correlates the
// later message_ack or message_error.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId"`
	Payload        string `json:"payload"`
}

// TypingMsg is sent as typing_start or typing_stop.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// MarkReadMsg is the read receipt for a whole conversation.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// UserActivityMsg broadcasts the local user's presence.
type UserActivityMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"` // online | offline
}

// HeartbeatMsg refreshes server-side liveness while the user is active.
type HeartbeatMsg struct {
	Type string `json:"type"`
}

// GetOnlineUsersMsg asks the server for a fresh online_users snapshot.
type GetOnlineUsersMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// AuthOKMsg confirms the handshake.
type AuthOKMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// AuthErrorMsg rejects the handshake. The connection will not be retried.
type AuthErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// OnlineUsersMsg is a full presence snapshot.
type OnlineUsersMsg struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"userIds"`
}

// UserStatusUpdateMsg is a presence delta for exactly one user.
type UserStatusUpdateMsg struct {
	Type     string    `json:"type"`
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Notification is the wire shape of a feed item.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"` // match | message | like | super_like | other
	Payload   json.RawMessage `json:"payload,omitempty"`
	IsRead    bool            `json:"isRead"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewNotificationMsg pushes one notification.
type NewNotificationMsg struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

// NotificationReadMsg mirrors a read made elsewhere.
type NotificationReadMsg struct {
	Type           string `json:"type"`
	NotificationID string `json:"notificationId"`
}

// Participant summarizes the other side of a conversation.
type Participant struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// Conversation is the wire shape of a match.
type Conversation struct {
	ID                 string      `json:"id"`
	Participant        Participant `json:"participant"`
	LastMessagePreview string      `json:"lastMessagePreview,omitempty"`
	LastActivityAt     time.Time   `json:"lastActivityAt"`
}

// NewMatchMsg announces a new conversation.
type NewMatchMsg struct {
	Type         string       `json:"type"`
	Conversation Conversation `json:"conversation"`
}

// UserUnmatchedMsg removes a conversation.
type UserUnmatchedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// Message is the wire shape of a chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Payload        string    `json:"payload"`
	SentAt         time.Time `json:"sentAt"`
}

// NewMessageMsg delivers an inbound message.
type NewMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessageAckMsg confirms a send_message.
type MessageAckMsg struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// MessageErrorMsg rejects a send_message.
type MessageErrorMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}

// ServerTypingMsg relays the partner's typing indicator.
type ServerTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// DisconnectMsg is the payload of the synthetic disconnect event.
type DisconnectMsg struct {
	Type string `json:"type"`
	Err  error  `json:"-"`
}

// ConnectErrorMsg is the payload of the synthetic connect_error event.
type ConnectErrorMsg struct {
	Type  string `json:"type"`
	Err   error  `json:"-"`
	Auth  bool   `json:"auth"`
	Retry bool   `json:"retry"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses a raw frame into a typed server event. It returns
// the event type, the decoded struct and any error encountered. Unknown or
// client-only types are rejected.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthOK:
		var m AuthOKMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAuthError:
		var m AuthErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOnlineUsers:
		var m OnlineUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserStatusUpdate:
		var m UserStatusUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewNotification:
		var m NewNotificationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNotificationRead:
		var m NotificationReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMatch:
		var m NewMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserUnmatched:
		var m UserUnmatchedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageAck:
		var m MessageAckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageError:
		var m MessageErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m ServerTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// Encode creates a JSON-encoded frame for an outbound event. The msgType is
// injected into the payload under the "type" key, overriding whatever the
// payload struct carried.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	if payload == nil {
		return json.Marshal(map[string]string{"type": msgType})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
