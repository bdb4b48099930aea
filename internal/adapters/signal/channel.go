package signal

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Channel is the SignalingChannel of one identity over a MessageLog.
type Channel struct {
	self domain.UserID
	log  core.MessageLog
}

func NewChannel(self domain.UserID, messages core.MessageLog) *Channel {
	return &Channel{self: self, log: messages}
}

func (c *Channel) Publish(ctx context.Context, callID string, msg domain.SignalMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.From == "" {
		msg.From = c.self
	}
	msg.CallID = callID
	if err := c.log.Append(ctx, msg); err != nil {
		return &core.TransportError{Op: "publish " + string(msg.Type), CallID: callID, Err: err}
	}
	log.Debug().
		Str("module", "adapters.signal").
		Str("call_id", callID).
		Str("type", string(msg.Type)).
		Str("to", string(msg.To)).
		Msg("published")
	return nil
}

// Subscribe drops self-echo, messages addressed to someone else and
// re-deliveries of a message id already handed to onMessage.
func (c *Channel) Subscribe(
	ctx context.Context,
	callID string,
	opts core.SubscribeOptions,
	onMessage func(domain.SignalMessage),
) (func(), error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	cancel, err := c.log.Watch(ctx, callID, opts.Replay, func(m domain.SignalMessage) {
		if m.From == c.self {
			return
		}
		if m.To != "" && m.To != c.self {
			return
		}
		mu.Lock()
		if _, dup := seen[m.ID]; dup {
			mu.Unlock()
			return
		}
		seen[m.ID] = struct{}{}
		mu.Unlock()
		onMessage(m)
	})
	if err != nil {
		return nil, &core.TransportError{Op: "subscribe", CallID: callID, Err: err}
	}
	log.Debug().Str("module", "adapters.signal").Str("call_id", callID).Bool("replay", opts.Replay).Msg("subscribed")
	return cancel, nil
}
