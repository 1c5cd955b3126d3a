// Package server implements the relay's transport gateway, event router and
// HTTP surface.
//
// Investors and admin observers hold one WebSocket connection each. Inbound
// frames are decoded by the connection's read pump and queued to the
// EventRouter, whose single loop applies every state change and computes the
// recipients of the resulting events. The Hub owns the connections and
// delivers each outbound frame without blocking on slow peers.
package server
