package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var (
	ErrOffline       = errors.New("store offline")
	ErrSessionExists = errors.New("session already exists")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MemoryStore is a process-local document store: session records plus one
// append-only message log per call, with real-time watchers. It backs
// single-node deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.CallSession
	logs     map[string][]domain.SignalMessage
	seen     map[string]struct{}

	msgWatchers map[string]map[*watcher[domain.SignalMessage]]struct{}
	recWatchers map[domain.UserID]map[*watcher[core.SessionChange]]struct{}

	offline bool
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]domain.CallSession),
		logs:        make(map[string][]domain.SignalMessage),
		seen:        make(map[string]struct{}),
		msgWatchers: make(map[string]map[*watcher[domain.SignalMessage]]struct{}),
		recWatchers: make(map[domain.UserID]map[*watcher[core.SessionChange]]struct{}),
		now:         time.Now,
	}
}

// SetOffline makes every write fail with ErrOffline, emulating a lost link.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *MemoryStore) Create(_ context.Context, sess domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrOffline
	}
	if _, ok := s.sessions[sess.CallID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.CallID)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	s.sessions[sess.CallID] = sess
	s.notifyRecordLocked(sess.ReceiverID, core.SessionChange{CallID: sess.CallID, Session: sess})
	log.Debug().Str("module", "adapters.signal.memory").Str("call_id", sess.CallID).Msg("session created")
	return nil
}

func (s *MemoryStore) Get(_ context.Context, callID string) (domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	if !ok {
		return domain.CallSession{}, core.ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Update(_ context.Context, callID string, patch domain.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrOffline
	}
	sess, ok := s.sessions[callID]
	if !ok {
		return core.ErrNotFound
	}
	if patch.At.IsZero() {
		patch.At = s.now()
	}
	if !patch.Apply(&sess) {
		return nil
	}
	s.sessions[callID] = sess
	s.notifyRecordLocked(sess.ReceiverID, core.SessionChange{CallID: callID, Session: sess})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrOffline
	}
	sess, ok := s.sessions[callID]
	if !ok {
		return nil
	}
	delete(s.sessions, callID)
	for _, m := range s.logs[callID] {
		delete(s.seen, m.ID)
	}
	delete(s.logs, callID)
	s.notifyRecordLocked(sess.ReceiverID, core.SessionChange{CallID: callID, Deleted: true})
	log.Debug().Str("module", "adapters.signal.memory").Str("call_id", callID).Msg("session deleted")
	return nil
}

func (s *MemoryStore) WatchIncoming(ctx context.Context, receiver domain.UserID, fn func(core.SessionChange)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := startWatcher(ctx, fn)
	for id, sess := range s.sessions {
		if sess.ReceiverID == receiver {
			w.box.Push(core.SessionChange{CallID: id, Session: sess})
		}
	}
	set, ok := s.recWatchers[receiver]
	if !ok {
		set = make(map[*watcher[core.SessionChange]]struct{})
		s.recWatchers[receiver] = set
	}
	set[w] = struct{}{}

	return func() {
		w.stop()
		s.mu.Lock()
		delete(s.recWatchers[receiver], w)
		if len(s.recWatchers[receiver]) == 0 {
			delete(s.recWatchers, receiver)
		}
		s.mu.Unlock()
	}, nil
}

// Append records msg. A message id seen before is accepted silently, like
// an insert retried after a lost acknowledgement.
func (s *MemoryStore) Append(_ context.Context, msg domain.SignalMessage) error {
	stored, err := cloneMessage(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrOffline
	}
	if _, dup := s.seen[stored.ID]; dup {
		return nil
	}
	stored.Timestamp = s.now()
	s.seen[stored.ID] = struct{}{}
	s.logs[stored.CallID] = append(s.logs[stored.CallID], stored)
	for w := range s.msgWatchers[stored.CallID] {
		w.box.Push(stored)
	}
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, callID string, replay bool, fn func(domain.SignalMessage)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := startWatcher(ctx, fn)
	if replay {
		for _, m := range s.logs[callID] {
			w.box.Push(m)
		}
	}
	set, ok := s.msgWatchers[callID]
	if !ok {
		set = make(map[*watcher[domain.SignalMessage]]struct{})
		s.msgWatchers[callID] = set
	}
	set[w] = struct{}{}

	return func() {
		w.stop()
		s.mu.Lock()
		delete(s.msgWatchers[callID], w)
		if len(s.msgWatchers[callID]) == 0 {
			delete(s.msgWatchers, callID)
		}
		s.mu.Unlock()
	}, nil
}

// Messages returns a copy of the log of callID, in append order.
func (s *MemoryStore) Messages(callID string) []domain.SignalMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SignalMessage, len(s.logs[callID]))
	copy(out, s.logs[callID])
	return out
}

func (s *MemoryStore) notifyRecordLocked(receiver domain.UserID, ch core.SessionChange) {
	for w := range s.recWatchers[receiver] {
		w.box.Push(ch)
	}
}

// cloneMessage detaches msg from caller-owned pointers so the stored copy
// cannot change after Append returns.
func cloneMessage(msg domain.SignalMessage) (domain.SignalMessage, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return domain.SignalMessage{}, err
	}
	var out domain.SignalMessage
	if err := json.Unmarshal(b, &out); err != nil {
		return domain.SignalMessage{}, err
	}
	return out, nil
}

// watcher delivers values to fn in push order from its own goroutine so
// writers never block on slow subscribers.
type watcher[T any] struct {
	box  *core.Mailbox[T]
	fn   func(T)
	done chan struct{}
	once sync.Once
}

func startWatcher[T any](ctx context.Context, fn func(T)) *watcher[T] {
	w := &watcher[T]{box: core.NewMailbox[T](), fn: fn, done: make(chan struct{})}
	go w.run(ctx)
	return w
}

func (w *watcher[T]) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return
		case <-w.done:
			return
		case <-w.box.Ready():
			for _, v := range w.box.Drain() {
				select {
				case <-w.done:
					return
				default:
				}
				w.fn(v)
			}
		}
	}
}

func (w *watcher[T]) stop() {
	w.once.Do(func() {
		close(w.done)
		w.box.Close()
	})
}
