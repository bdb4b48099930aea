package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Profiles is the in-memory user directory behind core.ProfileLookup.
type Profiles struct {
	mu    sync.RWMutex
	users map[domain.UserID]*domain.Profile
}

func NewProfiles() *Profiles {
	return &Profiles{users: make(map[domain.UserID]*domain.Profile)}
}

// GetOrCreate returns the profile of id, registering it under username on
// first sight. An existing profile keeps its name.
func (p *Profiles) GetOrCreate(id domain.UserID, username string) (domain.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.users[id]; ok {
		return *u, nil
	}
	u, err := domain.NewProfile(id, username)
	if err != nil {
		return domain.Profile{}, err
	}
	p.users[id] = u
	log.Info().Str("module", "app.profiles").Str("user_id", string(id)).Str("username", u.Username).Msg("created new user")
	return *u, nil
}

func (p *Profiles) UpdateUsername(id domain.UserID, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	if !ok {
		return core.ErrNotFound
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.profiles").Str("user_id", string(id)).Str("username", u.Username).Msg("updated username")
	return nil
}

func (p *Profiles) SetAvatar(id domain.UserID, avatar string) (domain.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	if !ok {
		return domain.Profile{}, core.ErrNotFound
	}
	if err := u.SetAvatar(avatar); err != nil {
		return domain.Profile{}, err
	}
	log.Info().Str("module", "app.profiles").Str("user_id", string(id)).Msg("updated avatar")
	return *u, nil
}

func (p *Profiles) Resolve(_ context.Context, id domain.UserID) (domain.Profile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[id]
	if !ok {
		return domain.Profile{}, core.ErrNotFound
	}
	return *u, nil
}

func (p *Profiles) Remove(id domain.UserID) {
	p.mu.Lock()
	delete(p.users, id)
	p.mu.Unlock()
	log.Info().Str("module", "app.profiles").Str("user_id", string(id)).Msg("removed user")
}
