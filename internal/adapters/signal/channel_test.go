package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func TestChannelFiltersEchoAndForeignMessages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	alice := NewChannel("alice", store)
	bob := NewChannel("bob", store)

	var got collector[domain.SignalMessage]
	stop, err := bob.Subscribe(ctx, "c1", core.SubscribeOptions{}, got.add)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	_ = bob.Publish(ctx, "c1", domain.SignalMessage{Type: domain.SignalCallAccept, To: "alice"})
	_ = alice.Publish(ctx, "c1", domain.SignalMessage{Type: domain.SignalOffer, To: "carol"})
	_ = alice.Publish(ctx, "c1", domain.SignalMessage{Type: domain.SignalCallRequest, To: "bob"})

	msgs := waitLen(t, &got, 1)
	time.Sleep(20 * time.Millisecond)
	msgs = got.snapshot()
	if len(msgs) != 1 || msgs[0].Type != domain.SignalCallRequest {
		t.Fatalf("got %+v", msgs)
	}
	if msgs[0].From != "alice" || msgs[0].CallID != "c1" || msgs[0].ID == "" {
		t.Errorf("publish did not stamp envelope: %+v", msgs[0])
	}
}

// echoLog hands every watched message to the watcher twice.
type echoLog struct {
	msgs []domain.SignalMessage
}

func (l *echoLog) Append(_ context.Context, msg domain.SignalMessage) error {
	l.msgs = append(l.msgs, msg)
	return nil
}

func (l *echoLog) Watch(_ context.Context, _ string, _ bool, fn func(domain.SignalMessage)) (func(), error) {
	for _, m := range l.msgs {
		fn(m)
		fn(m)
	}
	return func() {}, nil
}

func TestChannelDropsRedelivery(t *testing.T) {
	ctx := context.Background()
	msgLog := &echoLog{}
	_ = NewChannel("alice", msgLog).Publish(ctx, "c1", domain.SignalMessage{Type: domain.SignalOffer, To: "bob"})

	var got []domain.SignalMessage
	stop, err := NewChannel("bob", msgLog).Subscribe(ctx, "c1", core.SubscribeOptions{Replay: true}, func(m domain.SignalMessage) {
		got = append(got, m)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	if len(got) != 1 {
		t.Errorf("delivered %d times", len(got))
	}
}

func TestChannelPublishWrapsTransportError(t *testing.T) {
	store := NewMemoryStore()
	store.SetOffline(true)
	err := NewChannel("alice", store).Publish(context.Background(), "c1", domain.SignalMessage{Type: domain.SignalCallEnd})
	var te *core.TransportError
	if !errors.As(err, &te) || te.CallID != "c1" || !errors.Is(err, core.ErrTransport) {
		t.Errorf("err = %v", err)
	}
}
