package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a presence delta
// ---------------------------------------------------------------------------

func TestParseServerMessage_UserStatusUpdate(t *testing.T) {
	input := []byte(`{"type":"user-status-update","userId":"u9","isOnline":false,"lastSeen":"2026-01-02T03:04:05Z"}`)

	msgType, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeUserStatusUpdate {
		t.Fatalf("expected type %q, got %q", TypeUserStatusUpdate, msgType)
	}

	upd, ok := msg.(UserStatusUpdateMsg)
	if !ok {
		t.Fatalf("expected UserStatusUpdateMsg, got %T", msg)
	}
	if upd.UserID != "u9" {
		t.Errorf("expected userId %q, got %q", "u9", upd.UserID)
	}
	if upd.IsOnline {
		t.Error("expected isOnline=false")
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !upd.LastSeen.Equal(want) {
		t.Errorf("expected lastSeen %v, got %v", want, upd.LastSeen)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a nested notification payload
// ---------------------------------------------------------------------------

func TestParseServerMessage_NewNotification(t *testing.T) {
	input := []byte(`{"type":"new_notification","notification":{"id":"n1","type":"super_like","payload":{"from":"u2"},"isRead":false,"createdAt":"2026-01-02T03:04:05Z"}}`)

	_, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nm, ok := msg.(NewNotificationMsg)
	if !ok {
		t.Fatalf("expected NewNotificationMsg, got %T", msg)
	}
	if nm.Notification.ID != "n1" {
		t.Errorf("expected id %q, got %q", "n1", nm.Notification.ID)
	}
	if nm.Notification.Type != "super_like" {
		t.Errorf("expected type %q, got %q", "super_like", nm.Notification.Type)
	}
	if string(nm.Notification.Payload) != `{"from":"u2"}` {
		t.Errorf("unexpected payload %s", nm.Notification.Payload)
	}
}

// ---------------------------------------------------------------------------
// Test: Encoding injects the type discriminator
// ---------------------------------------------------------------------------

func TestEncode_SendMessage(t *testing.T) {
	data, err := Encode(TypeSendMessage, SendMessageMsg{
		ConversationID: "conv-1",
		ClientID:       "c-1",
		Payload:        "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeSendMessage {
		t.Errorf("expected type %q, got %v", TypeSendMessage, result["type"])
	}
	if result["conversationId"] != "conv-1" {
		t.Errorf("expected conversationId %q, got %v", "conv-1", result["conversationId"])
	}
	if result["clientId"] != "c-1" {
		t.Errorf("expected clientId %q, got %v", "c-1", result["clientId"])
	}
}

func TestEncode_OverridesPayloadType(t *testing.T) {
	data, err := Encode(TypeTypingStop, TypingMsg{Type: TypeTypingStart, ConversationID: "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeTypingStop {
		t.Errorf("expected type %q, got %q", TypeTypingStop, env.Type)
	}
}

func TestEncode_NilPayload(t *testing.T) {
	data, err := Encode(TypeGetOnlineUsers, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"get_online_users"}` {
		t.Errorf("unexpected frame %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and client-only types are rejected
// ---------------------------------------------------------------------------

func TestParseServerMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseServerMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseServerMessage_ClientOnlyType(t *testing.T) {
	if _, _, err := ParseServerMessage([]byte(`{"type":"send_message","conversationId":"c"}`)); err == nil {
		t.Fatal("expected error for client-only type")
	}
}

func TestParseServerMessage_BadPayload(t *testing.T) {
	_, _, err := ParseServerMessage([]byte(`{"type":"online_users","userIds":"not-an-array"}`))
	if err == nil {
		t.Fatal("expected decode error")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all server event types succeeds
// ---------------------------------------------------------------------------

func TestParseServerMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"auth_ok", `{"type":"auth_ok","userId":"u1"}`, TypeAuthOK},
		{"auth_error", `{"type":"auth_error","reason":"expired"}`, TypeAuthError},
		{"online_users", `{"type":"online_users","userIds":["a","b"]}`, TypeOnlineUsers},
		{"user-status-update", `{"type":"user-status-update","userId":"a","isOnline":true}`, TypeUserStatusUpdate},
		{"new_notification", `{"type":"new_notification","notification":{"id":"n1","type":"like"}}`, TypeNewNotification},
		{"notification_read", `{"type":"notification_read","notificationId":"n1"}`, TypeNotificationRead},
		{"new_match", `{"type":"new_match","conversation":{"id":"m1"}}`, TypeNewMatch},
		{"user_unmatched", `{"type":"user_unmatched","matchId":"m1"}`, TypeUserUnmatched},
		{"new_message", `{"type":"new_message","message":{"id":"x","conversationId":"m1"}}`, TypeNewMessage},
		{"message_ack", `{"type":"message_ack","clientId":"c","messageId":"x"}`, TypeMessageAck},
		{"message_error", `{"type":"message_error","clientId":"c","reason":"blocked"}`, TypeMessageError},
		{"typing", `{"type":"typing","conversationId":"m1","userId":"a","isTyping":true}`, TypeTyping},
		{"pong", `{"type":"pong"}`, TypePong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseServerMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
