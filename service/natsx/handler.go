package natsx

import "context"

// NatsxMessage is a received event: subject plus a copied payload.
type NatsxMessage struct {
	Subject string
	Data    []byte
}

// NatsxHandler consumes one event. Errors are logged by the caller; core
// NATS has no redelivery, so a handler must not rely on retries.
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error
