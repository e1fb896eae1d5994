// Package server implements the chat relay: the room registry (Hub), the
// per-connection lifecycle controller (Session), the WebSocket transport
// (Connection) and the HTTP handlers that tie them together.
//
// A connection authenticates with a credential passed as a query parameter,
// may occupy at most one room at a time, and every MESSAGE it sends is
// broadcast to all members of that room, the sender included.
package server
