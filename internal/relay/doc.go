// Package relay implements the signaling hub: every frame received from one
// connected member is forwarded, unmodified, to every other member.
//
// The hub never parses frames. Each member has its own bounded outbox and
// writer goroutine, so a slow or broken recipient can't stall delivery to the
// rest, and frames from one sender reach each recipient in the order they
// were broadcast.
package relay
