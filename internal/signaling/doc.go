// Package signaling implements the room-scoped broker that pairs call
// participants and relays their connection-negotiation messages.
//
// The broker owns no media path: once two peers finish their handshake,
// audio and video flow directly between them and the broker is out of the
// loop. Forwarding is fire-and-forget; reliability while connected comes
// from the WebSocket transport, and a stalled handshake is a client-side
// liveness concern the broker deliberately does not detect.
package signaling
