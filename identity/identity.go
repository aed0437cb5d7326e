// Package identity supplies the authenticated Telegram user that outbound
// relay frames are attributed to.
package identity

import (
	"errors"
	"strconv"
)

var (
	ErrInvalidInitData = errors.New("invalid telegram init data")
	ErrInitDataExpired = errors.New("telegram init data expired")
	ErrInvalidToken    = errors.New("invalid session token")
)

// User is a Telegram WebApp user.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Key is the user id as used in relay frames and store rows.
func (u User) Key() string {
	return strconv.FormatInt(u.ID, 10)
}

func (u User) DisplayName() string {
	switch {
	case u.Username != "":
		return u.Username
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Key()
	}
}

type Provider interface {
	Current() User
}

// Static always returns the same user.
type Static User

func (s Static) Current() User { return User(s) }
