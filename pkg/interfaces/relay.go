package interfaces

import "context"

// Handler receives one decoded envelope. A returned error is logged by the
// dispatcher and does not stop delivery to the other handlers.
type Handler func(env Envelope) error

// HandlerID identifies a single registration so it can be removed without
// touching other handlers registered for the same type.
type HandlerID uint64

// Relay is the surface feature consumers use to talk to the realtime relay.
type Relay interface {
	Connect(ctx context.Context) error
	Send(env Envelope) error
	On(eventType string, h Handler) HandlerID
	Off(eventType string, id HandlerID) bool
	// Acquire marks a consumer as active; the returned func releases it.
	Acquire() (release func())
}
