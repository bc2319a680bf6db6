package protocol

import (
	"context"
	"fmt"
)

// HandlerFunc processes one decoded device message.
type HandlerFunc func(ctx context.Context, msg Message) error

// Router dispatches device messages to handlers by kind.
type Router struct {
	handlers map[Kind]HandlerFunc
	fallback HandlerFunc
}

// NewRouter returns router.
func NewRouter() *Router {
	return &Router{handlers: make(map[Kind]HandlerFunc)}
}

// Register attaches handler to kind.
func (r *Router) Register(kind Kind, handler HandlerFunc) {
	r.handlers[kind] = handler
}

// Fallback handles kinds without a registered handler.
func (r *Router) Fallback(handler HandlerFunc) {
	r.fallback = handler
}

// Route executes handler for message.
func (r *Router) Route(ctx context.Context, msg Message) error {
	handler, ok := r.handlers[msg.Kind]
	if !ok {
		if r.fallback != nil {
			return r.fallback(ctx, msg)
		}
		return fmt.Errorf("protocol: unsupported message kind %s", msg.Kind)
	}
	return handler(ctx, msg)
}
