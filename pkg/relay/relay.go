// Copyright 2024-2026 Aiku AI

// Package relay forwards end users' messages to the admin while the admin
// has a broadcast or direct chat open with them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/wakeeper/pkg/access"
	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/mmchannel/mdescape"
)

// TargetAll addresses every verified user in Say.
const TargetAll = "all"

// MediaMarker replaces attachments in forwarded messages.
const MediaMarker = "[media]"

var ErrUnknownUser = errors.New("user is not verified")

// Mode is the kind of an active relay.
type Mode string

const (
	ModeBroadcast Mode = "broadcast"
	ModeDirect    Mode = "direct"
)

// Directory is the subset of access control the relay needs.
type Directory interface {
	Admin() control.UserID
	IsAdmin(user control.UserID) bool
	IsVerified(user control.UserID) bool
	VerifiedUsers() []control.UserID
}

// Relay holds the active relays of every user.
type Relay struct {
	dir    Directory
	ch     control.Channel
	active *exsync.Map[control.UserID, Mode]
	log    zerolog.Logger
}

func New(dir Directory, ch control.Channel, log zerolog.Logger) *Relay {
	return &Relay{
		dir:    dir,
		ch:     ch,
		active: exsync.NewMap[control.UserID, Mode](),
		log:    log.With().Str("component", "relay").Logger(),
	}
}

// Mode returns the active relay of user, if any.
func (r *Relay) Mode(user control.UserID) (Mode, bool) {
	return r.active.Get(user)
}

// Active returns the number of users with an active relay.
func (r *Relay) Active() int {
	return r.active.Len()
}

// StartBroadcast opens a broadcast relay with every verified user and
// tells each of them. It returns the number of users reached.
func (r *Relay) StartBroadcast(ctx context.Context, caller control.UserID) (int, error) {
	if !r.dir.IsAdmin(caller) {
		return 0, access.ErrUnauthorized
	}
	users := r.dir.VerifiedUsers()
	for _, user := range users {
		r.active.Set(user, ModeBroadcast)
		r.notify(ctx, user, "Admin started a broadcast. You can now send messages.")
	}
	r.log.Info().Int("users", len(users)).Msg("Broadcast started")
	return len(users), nil
}

// StartDirect opens a direct relay with one verified user.
func (r *Relay) StartDirect(ctx context.Context, caller, target control.UserID) error {
	if !r.dir.IsAdmin(caller) {
		return access.ErrUnauthorized
	}
	if !r.dir.IsVerified(target) || r.dir.IsAdmin(target) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, target)
	}
	r.active.Set(target, ModeDirect)
	r.notify(ctx, target, "Admin wants to chat with you.")
	r.log.Info().Str("target", string(target)).Msg("Direct chat started")
	return nil
}

// DisconnectAll ends every active relay and returns how many were ended.
func (r *Relay) DisconnectAll(ctx context.Context, caller control.UserID) (int, error) {
	if !r.dir.IsAdmin(caller) {
		return 0, access.ErrUnauthorized
	}
	ended := r.active.CopyData()
	for user := range ended {
		r.active.Delete(user)
		r.notify(ctx, user, "The admin ended the chat.")
	}
	r.notify(ctx, r.dir.Admin(), "All active chats disconnected.")
	r.log.Info().Int("users", len(ended)).Msg("All relays disconnected")
	return len(ended), nil
}

// Forward sends a user's message to the admin if the user has an active
// relay. It reports whether the message was relayed.
func (r *Relay) Forward(ctx context.Context, sender control.Sender, text string, hasMedia bool) (bool, error) {
	if _, ok := r.active.Get(sender.ID); !ok {
		return false, nil
	}
	body := strings.TrimSpace(text)
	if body == "" {
		if !hasMedia {
			return false, nil
		}
		body = MediaMarker
	} else {
		body = mdescape.Escape(body)
	}
	name := sender.Name
	if name == "" {
		name = string(sender.ID)
	}
	line := fmt.Sprintf("From %s (%s): %s", sender.ID, mdescape.Escape(name), body)
	if _, err := r.ch.SendMessage(ctx, r.dir.Admin(), control.Text(line)); err != nil {
		return false, fmt.Errorf("failed to forward message to admin: %w", err)
	}
	return true, nil
}

// Say sends an admin message to one verified user or, with TargetAll, to
// every verified user. It returns the number of users reached.
func (r *Relay) Say(ctx context.Context, caller control.UserID, target, text string) (int, error) {
	if !r.dir.IsAdmin(caller) {
		return 0, access.ErrUnauthorized
	}
	var targets []control.UserID
	if target == TargetAll {
		targets = r.dir.VerifiedUsers()
	} else {
		user := control.MakeUserID(target)
		if !r.dir.IsVerified(user) || r.dir.IsAdmin(user) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownUser, target)
		}
		targets = []control.UserID{user}
	}
	msg := control.Text("**Admin:** " + mdescape.Escape(text))
	var errs []error
	sent := 0
	for _, user := range targets {
		if _, err := r.ch.SendMessage(ctx, user, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", user, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (r *Relay) notify(ctx context.Context, user control.UserID, text string) {
	if _, err := r.ch.SendMessage(ctx, user, control.Text(text)); err != nil {
		r.log.Warn().Err(err).Str("user", string(user)).Msg("Failed to notify user")
	}
}
