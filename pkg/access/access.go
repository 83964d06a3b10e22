// Copyright 2024-2026 Aiku AI

// Package access is the access-control state machine. A user moves from
// Anonymous to Pending by asking for access; the admin either ignores the
// request or grants a single-use passkey, which the admin then sends or
// erases; the user becomes Verified by presenting the sent passkey.
package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/filestore"
	"github.com/aiku/wakeeper/pkg/keylock"
	"github.com/aiku/wakeeper/pkg/passkey"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidPasskey = errors.New("invalid passkey")
	ErrNotPending     = errors.New("user has no pending access request")
	// ErrStaleIssuance is returned when a send/erase decision refers to a
	// passkey that was already sent, erased or replaced.
	ErrStaleIssuance = errors.New("passkey issuance is no longer current")
)

// Role is a user's privilege level.
type Role int

const (
	RoleAnonymous Role = iota
	RolePending
	RoleGranted
	RoleVerified
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RolePending:
		return "pending"
	case RoleGranted:
		return "granted"
	case RoleVerified:
		return "verified"
	case RoleAdmin:
		return "admin"
	default:
		return "anonymous"
	}
}

// RequestOutcome is the result of RequestAccess.
type RequestOutcome int

const (
	// OutcomeWelcome means the user is the admin or already verified.
	OutcomeWelcome RequestOutcome = iota
	// OutcomeAlreadyPending means a request is already waiting for the admin.
	OutcomeAlreadyPending
	// OutcomeAwaitingVerification means a passkey was granted but not yet used.
	OutcomeAwaitingVerification
	// OutcomeRequested means a new request was created; the admin must be asked.
	OutcomeRequested
)

// Issuance is one granted passkey awaiting the admin's send/erase decision.
type Issuance struct {
	ID      string
	Target  control.UserID
	Passkey string
}

type member struct {
	Name       string             `json:"name"`
	VerifiedAt jsontime.UnixMilli `json:"verifiedAt"`
	Linked     []control.RemoteID `json:"linked,omitempty"`
}

func (m *member) clone() *member {
	c := *m
	c.Linked = slices.Clone(m.Linked)
	return &c
}

// Machine holds every user's access state. Pending requests live in memory
// only; granted users are derived from the passkey store; verified users
// and their linked identities are persisted in the roster file.
type Machine struct {
	admin    control.UserID
	passkeys *passkey.Store
	roster   *filestore.Document[map[control.UserID]*member]
	locks    *keylock.Map[control.UserID]
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.RWMutex
	pending map[control.UserID]string
	members map[control.UserID]*member
}

// New loads the roster from rosterPath.
func New(admin control.UserID, passkeys *passkey.Store, rosterPath string, log zerolog.Logger) (*Machine, error) {
	if admin == "" {
		return nil, errors.New("admin user ID is required")
	}
	roster := filestore.NewDocument[map[control.UserID]*member](rosterPath)
	members, err := roster.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load user roster: %w", err)
	}
	if members == nil {
		members = make(map[control.UserID]*member)
	}
	return &Machine{
		admin:    admin,
		passkeys: passkeys,
		roster:   roster,
		locks:    keylock.New[control.UserID](),
		now:      time.Now,
		log:      log.With().Str("component", "access").Logger(),
		pending:  make(map[control.UserID]string),
		members:  members,
	}, nil
}

// Admin returns the configured admin user.
func (m *Machine) Admin() control.UserID {
	return m.admin
}

// IsAdmin reports whether user is the configured admin.
func (m *Machine) IsAdmin(user control.UserID) bool {
	return user == m.admin
}

// IsVerified reports whether user may operate sessions. The admin always may.
func (m *Machine) IsVerified(user control.UserID) bool {
	if m.IsAdmin(user) {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[user]
	return ok
}

// Role returns the current role of user.
func (m *Machine) Role(user control.UserID) Role {
	if m.IsAdmin(user) {
		return RoleAdmin
	}
	m.mu.RLock()
	_, verified := m.members[user]
	_, pending := m.pending[user]
	m.mu.RUnlock()
	switch {
	case verified:
		return RoleVerified
	case pending:
		return RolePending
	}
	if _, granted := m.passkeys.Get(user); granted {
		return RoleGranted
	}
	return RoleAnonymous
}

// Name returns the last known display name of user.
func (m *Machine) Name(user control.UserID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mem, ok := m.members[user]; ok && mem.Name != "" {
		return mem.Name
	}
	if name, ok := m.pending[user]; ok && name != "" {
		return name
	}
	return string(user)
}

// VerifiedUsers returns every verified user other than the admin.
func (m *Machine) VerifiedUsers() []control.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]control.UserID, 0, len(m.members))
	for user := range m.members {
		if user != m.admin {
			users = append(users, user)
		}
	}
	slices.Sort(users)
	return users
}

// RequestAccess handles a start request.
func (m *Machine) RequestAccess(_ context.Context, sender control.Sender) RequestOutcome {
	unlock := m.locks.Lock(sender.ID)
	defer unlock()

	switch m.Role(sender.ID) {
	case RoleAdmin, RoleVerified:
		return OutcomeWelcome
	case RolePending:
		return OutcomeAlreadyPending
	case RoleGranted:
		return OutcomeAwaitingVerification
	}
	m.mu.Lock()
	m.pending[sender.ID] = sender.Name
	m.mu.Unlock()
	m.log.Info().Str("user_id", string(sender.ID)).Str("name", sender.Name).Msg("Access requested")
	return OutcomeRequested
}

func (m *Machine) takePending(target control.UserID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.pending[target]
	if ok {
		delete(m.pending, target)
	}
	return name, ok
}

// Ignore drops a pending request.
func (m *Machine) Ignore(_ context.Context, caller, target control.UserID) error {
	if !m.IsAdmin(caller) {
		return ErrUnauthorized
	}
	unlock := m.locks.Lock(target)
	defer unlock()
	if _, ok := m.takePending(target); !ok {
		return ErrNotPending
	}
	m.log.Info().Str("user_id", string(target)).Msg("Access request ignored")
	return nil
}

// Grant issues a passkey to a pending user. The passkey is not revealed
// to the user until SendPasskey.
func (m *Machine) Grant(ctx context.Context, caller, target control.UserID) (Issuance, error) {
	if !m.IsAdmin(caller) {
		return Issuance{}, ErrUnauthorized
	}
	unlock := m.locks.Lock(target)
	defer unlock()

	m.mu.RLock()
	_, pending := m.pending[target]
	m.mu.RUnlock()
	if !pending {
		return Issuance{}, ErrNotPending
	}
	rec, err := m.passkeys.Issue(ctx, target)
	if err != nil {
		return Issuance{}, fmt.Errorf("failed to issue passkey: %w", err)
	}
	m.takePending(target)
	m.log.Info().Str("user_id", string(target)).Str("issuance", rec.Issuance).Msg("Passkey granted")
	return Issuance{ID: rec.Issuance, Target: target, Passkey: rec.Passkey}, nil
}

func (m *Machine) currentIssuance(target control.UserID, issuance string) (passkey.Record, error) {
	rec, ok := m.passkeys.Get(target)
	if !ok || rec.Issuance != issuance || rec.Revealed {
		return passkey.Record{}, ErrStaleIssuance
	}
	return rec, nil
}

// SendPasskey reveals the passkey of the given issuance. It returns the
// passkey so the caller can deliver it to the target.
func (m *Machine) SendPasskey(ctx context.Context, caller, target control.UserID, issuance string) (string, error) {
	if !m.IsAdmin(caller) {
		return "", ErrUnauthorized
	}
	unlock := m.locks.Lock(target)
	defer unlock()

	rec, err := m.currentIssuance(target, issuance)
	if err != nil {
		return "", err
	}
	if err := m.passkeys.MarkRevealed(ctx, target); err != nil {
		return "", fmt.Errorf("failed to mark passkey sent: %w", err)
	}
	m.log.Info().Str("user_id", string(target)).Str("issuance", issuance).Msg("Passkey sent")
	return rec.Passkey, nil
}

// ErasePasskey discards the passkey of the given issuance and returns the
// target to Anonymous.
func (m *Machine) ErasePasskey(ctx context.Context, caller, target control.UserID, issuance string) error {
	if !m.IsAdmin(caller) {
		return ErrUnauthorized
	}
	unlock := m.locks.Lock(target)
	defer unlock()

	if _, err := m.currentIssuance(target, issuance); err != nil {
		return err
	}
	if err := m.passkeys.Remove(ctx, target); err != nil {
		return fmt.Errorf("failed to erase passkey: %w", err)
	}
	m.log.Info().Str("user_id", string(target)).Str("issuance", issuance).Msg("Passkey erased")
	return nil
}

// Verify checks a passkey supplied by its owner. Only a passkey the admin
// has sent can be used, and only once.
func (m *Machine) Verify(ctx context.Context, sender control.Sender, supplied string) error {
	unlock := m.locks.Lock(sender.ID)
	defer unlock()

	rec, ok := m.passkeys.Get(sender.ID)
	if !ok || !rec.Revealed {
		return ErrInvalidPasskey
	}
	matched, err := m.passkeys.Consume(ctx, sender.ID, supplied)
	if err != nil {
		return fmt.Errorf("failed to consume passkey: %w", err)
	}
	if !matched {
		m.log.Info().Str("user_id", string(sender.ID)).Msg("Invalid passkey supplied")
		return ErrInvalidPasskey
	}

	err = m.mutateRoster(ctx, func(members map[control.UserID]*member) {
		members[sender.ID] = &member{Name: sender.Name, VerifiedAt: jsontime.UM(m.now())}
	})
	if err != nil {
		// The passkey is spent either way; keep the user verified for
		// this process and let the next roster write persist it.
		m.mu.Lock()
		m.members[sender.ID] = &member{Name: sender.Name, VerifiedAt: jsontime.UM(m.now())}
		m.mu.Unlock()
		m.log.Error().Err(err).Str("user_id", string(sender.ID)).Msg("Failed to persist verified user")
	}
	m.log.Info().Str("user_id", string(sender.ID)).Msg("User verified")
	return nil
}

// mutateRoster applies fn to a copy of the roster, saves it and swaps it
// in. On a save failure the roster is left unchanged.
func (m *Machine) mutateRoster(ctx context.Context, fn func(map[control.UserID]*member)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[control.UserID]*member, len(m.members)+1)
	for user, mem := range m.members {
		next[user] = mem.clone()
	}
	fn(next)
	if err := m.roster.Save(ctx, next); err != nil {
		return err
	}
	m.members = next
	return nil
}
