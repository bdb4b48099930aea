// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"net/url"
	"strings"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
	MaxAvatarLen   = 512
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrInvalidAvatar   = errors.New("avatar must be an http(s) url")
)

type UserID string

// Profile is the display identity of a user, used for presentation only.
type Profile struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// NewProfile is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewProfile(id UserID, username string) (*Profile, error) {
	if err := ValidateUserID(id); err != nil {
		return nil, err
	}
	p := &Profile{ID: id}
	if err := p.SetUsername(username); err != nil {
		return nil, err
	}
	return p, nil
}

// FallbackProfile is shown when a lookup fails: the id doubles as the name.
func FallbackProfile(id UserID) Profile {
	return Profile{ID: id, Username: string(id)}
}

func (p *Profile) SetUsername(username string) error {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	p.Username = username
	return nil
}

// SetAvatar sets the picture url; an empty one clears it.
func (p *Profile) SetAvatar(avatar string) error {
	avatar = strings.TrimSpace(avatar)
	if avatar != "" {
		u, err := url.Parse(avatar)
		if err != nil || len(avatar) > MaxAvatarLen || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalidAvatar
		}
	}
	p.Avatar = avatar
	return nil
}

func ValidateUserID(id UserID) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}
