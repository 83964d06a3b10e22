// Copyright 2024-2026 Aiku AI

package control

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRemoteID is returned when a phone number has too few or too
// many digits to be an E.164 number.
var ErrInvalidRemoteID = errors.New("invalid remote identity")

const (
	minRemoteDigits = 7
	maxRemoteDigits = 15
)

// UserID identifies a user on the control channel.
type UserID string

// RemoteID is a normalized remote identity: the digits of a phone number.
type RemoteID string

// MessageRef identifies a message previously sent on the control channel.
type MessageRef string

// MakeUserID creates a UserID from a control-channel user ID.
func MakeUserID(userID string) UserID {
	return UserID(userID)
}

func (u UserID) String() string {
	return string(u)
}

// ParseRemoteID strips every non-digit from raw and validates the length.
func ParseRemoteID(raw string) (RemoteID, error) {
	digits := SafeNumber(raw)
	if len(digits) < minRemoteDigits || len(digits) > maxRemoteDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidRemoteID, raw)
	}
	return RemoteID(digits), nil
}

// SafeNumber returns only the ASCII digits of raw.
func SafeNumber(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (r RemoteID) String() string {
	return string(r)
}

// Display renders the identity the way users type it.
func (r RemoteID) Display() string {
	return "+" + string(r)
}

// SessionKey identifies one remote session.
type SessionKey struct {
	User   UserID
	Remote RemoteID
}

// MakeSessionKey creates a SessionKey from its parts.
func MakeSessionKey(user UserID, remote RemoteID) SessionKey {
	return SessionKey{User: user, Remote: remote}
}

func (k SessionKey) String() string {
	return string(k.User) + "/" + string(k.Remote)
}
