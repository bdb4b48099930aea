package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
)

// SubscribeOptions tunes a message subscription.
type SubscribeOptions struct {
	// Replay delivers the messages already in the log before live ones.
	Replay bool
}

// SignalingChannel is the per-call message transport. No business logic.
type SignalingChannel interface {
	// Publish appends msg to the call's log and returns once it is recorded.
	// Failures are *TransportError.
	Publish(ctx context.Context, callID string, msg domain.SignalMessage) error
	// Subscribe delivers messages of callID that were not sent by self.
	// Delivery is at-least-once and unordered. The returned func unsubscribes.
	Subscribe(ctx context.Context, callID string, opts SubscribeOptions, onMessage func(domain.SignalMessage)) (func(), error)
}

// MessageLog is the append-only sub-collection backing a SignalingChannel.
type MessageLog interface {
	Append(ctx context.Context, msg domain.SignalMessage) error
	// Watch streams messages of callID; replay includes existing ones first.
	Watch(ctx context.Context, callID string, replay bool, fn func(domain.SignalMessage)) (func(), error)
}
