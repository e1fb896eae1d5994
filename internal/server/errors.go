package server

import "errors"

// Client-facing errors. The text of each is sent verbatim as the content of an
// ERROR frame.
var (
	ErrAuthRequired     = errors.New("Authentication required")
	ErrAuthFailed       = errors.New("Authentication failed")
	ErrNotAuthenticated = errors.New("Not authenticated")
	ErrMalformedFrame   = errors.New("Invalid message format")
	ErrUnknownFrameType = errors.New("Unknown message type")
	ErrNotInRoom        = errors.New("Must join a room before sending messages")
	ErrInvalidRoomID    = errors.New("Room ID is required")
	ErrEmptyContent     = errors.New("Message content is required")
	ErrRateLimited      = errors.New("Rate limit exceeded")
)

// Send-path errors.
var (
	// ErrConnectionClosed is returned by sends on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a slow consumer's queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
)
