// Package signaling exposes the relay hub over WebSocket.
//
// Every text frame a peer sends is handed to the hub unparsed and fanned out
// to every other connected peer. The server only enforces transport limits:
// origin, frame size, frame rate and idleness.
package signaling
