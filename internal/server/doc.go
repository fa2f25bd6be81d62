// Package server implements the PetConnect chat relay: a WebSocket hub that
// binds each connection to a (chatId, userId) pair and fans message and
// typing events out to the other participants of the same chat.
//
// The implementation is organized into specialized files for configuration,
// origin policy, the wire envelope, the connection registry, hub and client
// lifecycle, routing, and HTTP handlers.
package server
