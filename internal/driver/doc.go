// Package driver runs the client side of a call: it bridges the broker's
// message stream to a peer-connection negotiation engine, reacting to
// peer-joined/offer/answer/candidate events until the engine reports a direct
// connection. One Driver instance serves one call participant.
package driver
