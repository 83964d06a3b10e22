// Copyright 2024-2026 Aiku AI

package access

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.mau.fi/util/jsontime"

	"github.com/aiku/wakeeper/pkg/control"
)

// LinkedIdentities returns the remote identities linked by user.
func (m *Machine) LinkedIdentities(user control.UserID) []control.RemoteID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mem, ok := m.members[user]; ok {
		return slices.Clone(mem.Linked)
	}
	return nil
}

// HasLinkedIdentity reports whether user has linked remote.
func (m *Machine) HasLinkedIdentity(user control.UserID, remote control.RemoteID) bool {
	return slices.Contains(m.LinkedIdentities(user), remote)
}

// AllLinkedIdentities returns every persisted (user, remote) pair, used to
// restore sessions at startup.
func (m *Machine) AllLinkedIdentities() []control.SessionKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []control.SessionKey
	for _, user := range slices.Sorted(maps.Keys(m.members)) {
		for _, remote := range m.members[user].Linked {
			keys = append(keys, control.MakeSessionKey(user, remote))
		}
	}
	return keys
}

// AddLinkedIdentity records that user linked remote. The admin gets a
// roster entry on first link.
func (m *Machine) AddLinkedIdentity(ctx context.Context, user control.UserID, remote control.RemoteID) error {
	if !m.IsVerified(user) {
		return ErrUnauthorized
	}
	err := m.mutateRoster(ctx, func(members map[control.UserID]*member) {
		mem, ok := members[user]
		if !ok {
			mem = &member{VerifiedAt: jsontime.UM(m.now())}
			members[user] = mem
		}
		if !slices.Contains(mem.Linked, remote) {
			mem.Linked = append(mem.Linked, remote)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to save linked identity: %w", err)
	}
	return nil
}

// RemoveLinkedIdentity forgets a linked identity. Removing an identity
// that is not linked is a no-op.
func (m *Machine) RemoveLinkedIdentity(ctx context.Context, user control.UserID, remote control.RemoteID) error {
	if !m.HasLinkedIdentity(user, remote) {
		return nil
	}
	err := m.mutateRoster(ctx, func(members map[control.UserID]*member) {
		if mem, ok := members[user]; ok {
			mem.Linked = slices.DeleteFunc(mem.Linked, func(r control.RemoteID) bool {
				return r == remote
			})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to save unlinked identity: %w", err)
	}
	return nil
}
