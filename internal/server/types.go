package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType tags every frame on the wire.
type MessageType string

// Frame types. Clients send the first four; the rest are server-originated.
const (
	TypeJoinRoom    MessageType = "JOIN_ROOM"
	TypeLeaveRoom   MessageType = "LEAVE_ROOM"
	TypeMessage     MessageType = "MESSAGE"
	TypePing        MessageType = "PING"
	TypePong        MessageType = "PONG"
	TypeAuthSuccess MessageType = "AUTH_SUCCESS"
	TypeJoinedRoom  MessageType = "JOINED_ROOM"
	TypeLeftRoom    MessageType = "LEFT_ROOM"
	TypeError       MessageType = "ERROR"
)

// Sender ids used on frames the server produces itself.
const (
	SystemSenderID = "system"
	ServerSenderID = "server"
)

// Message is one frame as delivered to clients. RoomID and Content serialize
// as null when absent.
type Message struct {
	Type      MessageType `json:"type"`
	RoomID    *string     `json:"roomId"`
	SenderID  string      `json:"senderId"`
	Content   *string     `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// Frame is an inbound client frame. Sender and timestamp are deliberately not
// decoded: the server always assigns them.
type Frame struct {
	Type    MessageType `json:"type"`
	RoomID  *string     `json:"roomId"`
	Content *string     `json:"content"`
}

// ParseFrame decodes a raw text frame. Any decoding failure wraps
// ErrMalformedFrame.
func ParseFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	frame.Type = MessageType(strings.TrimSpace(string(frame.Type)))
	return frame, nil
}

func (f Frame) roomID() string {
	if f.RoomID == nil {
		return ""
	}
	return strings.TrimSpace(*f.RoomID)
}

func (f Frame) content() string {
	if f.Content == nil {
		return ""
	}
	return *f.Content
}

// NewChatMessage builds the record broadcast for a MESSAGE frame.
func NewChatMessage(roomID, senderID, content string, now time.Time) Message {
	return Message{
		Type:      TypeMessage,
		RoomID:    optional(roomID),
		SenderID:  senderID,
		Content:   &content,
		Timestamp: now.UTC(),
	}
}

// NewSystemMessage builds a server notice such as AUTH_SUCCESS or JOINED_ROOM.
func NewSystemMessage(msgType MessageType, roomID, content string, now time.Time) Message {
	return Message{
		Type:      msgType,
		RoomID:    optional(roomID),
		SenderID:  SystemSenderID,
		Content:   &content,
		Timestamp: now.UTC(),
	}
}

// NewErrorMessage builds an ERROR frame carrying the description of err.
func NewErrorMessage(err error, roomID string, now time.Time) Message {
	return NewSystemMessage(TypeError, roomID, err.Error(), now)
}

// NewPong builds the reply to PING.
func NewPong(now time.Time) Message {
	content := "pong"
	return Message{
		Type:      TypePong,
		SenderID:  ServerSenderID,
		Content:   &content,
		Timestamp: now.UTC(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
