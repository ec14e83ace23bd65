// Package broker moves stage messages between the coordinator and the
// workers with at-least-once delivery. A handler that returns nil
// acknowledges the message; any error leaves it pending for redelivery.
package broker

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("broker not connected")

// Delivery is one received message.
type Delivery struct {
	ID      string
	Topic   string
	Payload []byte
	// Redelivered is set when the message was handed out before.
	Redelivered bool
}

type Handler func(ctx context.Context, d Delivery) error

// Broker is the transport abstraction. Connect must succeed before
// Publish or Subscribe; Close stops every subscription.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Ping(ctx context.Context) error
	Close() error
}
