// Copyright 2024-2026 Aiku AI

// Package session owns the registry of remote sessions and their
// lifecycle, and captures the owner's outgoing messages on open sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/keylock"
)

// DefaultLinkTimeout bounds how long a session may stay in Linking.
const DefaultLinkTimeout = 3 * time.Minute

// State is a session's link state.
type State int32

const (
	StateLinking State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLinking:
		return "linking"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Session is one entry in the registry.
type Session struct {
	Key     control.SessionKey
	Method  control.LinkMethod
	Restore bool

	remote    RemoteSession
	state     atomic.Int32
	wasOpen   atomic.Bool
	unlinking atomic.Bool
	// gone is closed once the watcher sees the remote side end.
	gone      chan struct{}
	goneOnce  sync.Once
	closeOnce sync.Once
}

// State returns the current link state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

func (s *Session) isGone() bool {
	select {
	case <-s.gone:
		return true
	default:
		return false
	}
}

// Options configures a Manager.
type Options struct {
	// PurgeOnUnexpectedClose deletes the archive when the remote side
	// ends a session without an unlink.
	PurgeOnUnexpectedClose bool
	LinkTimeout            time.Duration
}

// Manager is the session registry.
type Manager struct {
	protocol Protocol
	auth     Authorizer
	archive  Archive
	notify   Notifier
	opts     Options
	log      zerolog.Logger

	locks *keylock.Map[control.SessionKey]

	mu       sync.RWMutex
	sessions map[control.SessionKey]*Session

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager returns a manager. Sessions live until Close is called.
func NewManager(protocol Protocol, auth Authorizer, archive Archive, notify Notifier, opts Options, log zerolog.Logger) *Manager {
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = DefaultLinkTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		protocol: protocol,
		auth:     auth,
		archive:  archive,
		notify:   notify,
		opts:     opts,
		log:      log.With().Str("component", "session_manager").Logger(),
		locks:    keylock.New[control.SessionKey](),
		sessions: make(map[control.SessionKey]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Session returns the registered session for key.
func (m *Manager) Session(key control.SessionKey) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Sessions returns every registered session of user.
func (m *Manager) Sessions(user control.UserID) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for key, s := range m.sessions {
		if key.User == user {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *Session) int {
		return compareKeys(a.Key, b.Key)
	})
	return out
}

func compareKeys(a, b control.SessionKey) int {
	if a.User != b.User {
		if a.User < b.User {
			return -1
		}
		return 1
	}
	switch {
	case a.Remote < b.Remote:
		return -1
	case a.Remote > b.Remote:
		return 1
	}
	return 0
}

// Link opens a new session for (user, remote) and starts watching it.
// The link completes asynchronously; progress goes to the Notifier.
func (m *Manager) Link(ctx context.Context, user control.UserID, remote control.RemoteID, method control.LinkMethod) error {
	if !m.auth.IsVerified(user) {
		return ErrNotVerified
	}
	key := control.MakeSessionKey(user, remote)
	unlock := m.locks.Lock(key)
	defer unlock()

	if existing, ok := m.Session(key); ok {
		if existing.State() == StateLinking {
			return ErrLinkInProgress
		}
		return ErrAlreadyLinked
	}
	return m.openLocked(OpenParams{Key: key, Method: method})
}

func (m *Manager) openLocked(params OpenParams) error {
	if m.ctx.Err() != nil {
		return fmt.Errorf("session manager is closed: %w", m.ctx.Err())
	}
	remote, err := m.protocol.Open(m.ctx, params)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	s := &Session{
		Key:     params.Key,
		Method:  params.Method,
		Restore: params.Restore,
		remote:  remote,
		gone:    make(chan struct{}),
	}
	s.state.Store(int32(StateLinking))

	m.mu.Lock()
	m.sessions[params.Key] = s
	m.mu.Unlock()

	m.log.Info().
		Str("key", params.Key.String()).
		Str("method", string(params.Method)).
		Bool("restore", params.Restore).
		Msg("Session opened")

	m.wg.Add(1)
	go m.watch(s)
	return nil
}

// Unlink logs out the session for (user, remote) and runs the close side
// effects. If the logout fails the session and its archive are kept.
func (m *Manager) Unlink(ctx context.Context, user control.UserID, remote control.RemoteID) error {
	if !m.auth.IsVerified(user) {
		return ErrNotVerified
	}
	key := control.MakeSessionKey(user, remote)
	unlock := m.locks.Lock(key)
	defer unlock()

	s, ok := m.Session(key)
	if !ok {
		if !m.auth.HasLinkedIdentity(user, remote) {
			return ErrNotLinked
		}
		// Linked on record but not connected, e.g. a restore failed.
		return m.forgetLocked(ctx, key)
	}

	if s.State() == StateLinking {
		m.finishLocked(s, "link cancelled", true)
		if s.Restore {
			if err := m.protocol.Forget(ctx, key); err != nil {
				m.log.Warn().Err(err).Str("key", key.String()).Msg("Failed to delete stored credentials")
			}
		}
		return nil
	}

	s.unlinking.Store(true)
	if err := s.remote.Logout(ctx); err != nil {
		// Cleared before the check so a close seen by the watcher from here
		// on is handled there.
		s.unlinking.Store(false)
		if s.isGone() {
			m.finishLocked(s, "connection lost during unlink", false)
			return ErrSessionClosedUnexpectedly
		}
		m.log.Warn().Err(err).Str("key", key.String()).Msg("Logout failed, keeping session")
		return fmt.Errorf("%w: %w", ErrUnlinkFailed, err)
	}
	m.finishLocked(s, "unlinked", true)
	return nil
}

func (m *Manager) forgetLocked(ctx context.Context, key control.SessionKey) error {
	if err := m.protocol.Forget(ctx, key); err != nil {
		m.log.Warn().Err(err).Str("key", key.String()).Msg("Failed to delete stored credentials")
	}
	if err := m.auth.RemoveLinkedIdentity(ctx, key.User, key.Remote); err != nil {
		return err
	}
	if err := m.archive.Clear(ctx, key); err != nil {
		return fmt.Errorf("failed to clear archive: %w", err)
	}
	m.notify.Closed(ctx, key, CloseInfo{Reason: "unlinked", Explicit: true, Purged: true})
	return nil
}

// Restore reopens every persisted linked identity from stored credentials.
func (m *Manager) Restore(ctx context.Context) {
	for _, key := range m.auth.AllLinkedIdentities() {
		unlock := m.locks.Lock(key)
		if _, ok := m.Session(key); ok {
			unlock()
			continue
		}
		err := m.openLocked(OpenParams{Key: key, Restore: true})
		unlock()
		if err == nil {
			continue
		}
		log := m.log.With().Str("key", key.String()).Logger()
		if errors.Is(err, ErrNoCredentials) {
			log.Warn().Err(err).Msg("Linked identity has no credentials, forgetting it")
			if rmErr := m.auth.RemoveLinkedIdentity(ctx, key.User, key.Remote); rmErr != nil {
				log.Error().Err(rmErr).Msg("Failed to remove linked identity")
			}
		} else {
			log.Error().Err(err).Msg("Failed to restore session")
		}
		m.notify.RestoreFailed(ctx, key, err)
	}
}

// Close disconnects every session without logging out and without close
// side effects, so linked identities are restored on the next start.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		clear(m.sessions)
		m.mu.Unlock()
		for _, s := range sessions {
			s.remote.Close()
		}
		m.wg.Wait()
		m.log.Info().Int("sessions", len(sessions)).Msg("Session manager closed")
	})
}

// watch consumes one session's events until it ends. It runs the close
// side effects for remote-initiated closes and link timeouts.
func (m *Manager) watch(s *Session) {
	defer m.wg.Done()
	log := m.log.With().Str("key", s.Key.String()).Logger()
	ctx := log.WithContext(m.ctx)

	timeout := time.NewTimer(m.opts.LinkTimeout)
	defer timeout.Stop()
	events := s.remote.Events()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timeout.C:
			if s.State() != StateLinking {
				continue
			}
			log.Info().Msg("Link timed out")
			m.finish(s, "link timed out", false)
			return
		case evt, ok := <-events:
			if !ok {
				m.remoteEnded(s, "connection closed")
				return
			}
			switch evt.Type {
			case EventLinking:
				if s.State() == StateLinking && !s.Restore {
					m.notify.LinkCode(ctx, s.Key, s.Method, evt.Code)
				}
			case EventLinked:
				timeout.Stop()
				m.markOpen(ctx, s)
			case EventMessage:
				if s.State() == StateOpen {
					m.intercept(ctx, s, evt.Message)
				}
			case EventClosed:
				m.remoteEnded(s, evt.Reason)
				return
			}
		}
	}
}

func (m *Manager) remoteEnded(s *Session, reason string) {
	s.markGone()
	if m.ctx.Err() != nil || s.unlinking.Load() {
		// Shutdown, or Unlink owns the close.
		return
	}
	m.finish(s, reason, false)
}

func (m *Manager) markOpen(ctx context.Context, s *Session) {
	unlock := m.locks.Lock(s.Key)
	defer unlock()
	if !s.state.CompareAndSwap(int32(StateLinking), int32(StateOpen)) {
		return
	}
	s.wasOpen.Store(true)
	if err := m.auth.AddLinkedIdentity(ctx, s.Key.User, s.Key.Remote); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to record linked identity")
	}
	zerolog.Ctx(ctx).Info().Bool("restore", s.Restore).Msg("Session linked")
	m.notify.Linked(ctx, s.Key, s.Restore)
}

func (m *Manager) finish(s *Session, reason string, explicit bool) {
	unlock := m.locks.Lock(s.Key)
	defer unlock()
	m.finishLocked(s, reason, explicit)
}

// finishLocked runs the close side effects exactly once per session.
func (m *Manager) finishLocked(s *Session, reason string, explicit bool) {
	s.closeOnce.Do(func() {
		ctx := m.log.With().Str("key", s.Key.String()).Logger().WithContext(context.WithoutCancel(m.ctx))
		log := zerolog.Ctx(ctx)

		s.state.Store(int32(StateClosed))
		s.remote.Close()
		m.mu.Lock()
		if m.sessions[s.Key] == s {
			delete(m.sessions, s.Key)
		}
		m.mu.Unlock()

		// A fresh link that never completed has nothing linked or captured.
		established := s.wasOpen.Load() || s.Restore
		info := CloseInfo{Reason: reason, Explicit: explicit, WasOpen: s.wasOpen.Load()}
		if !established {
			log.Info().Str("reason", reason).Msg("Link abandoned")
			m.notify.Closed(ctx, s.Key, info)
			return
		}
		if !explicit {
			info.Err = ErrSessionClosedUnexpectedly
		}
		if err := m.auth.RemoveLinkedIdentity(ctx, s.Key.User, s.Key.Remote); err != nil {
			log.Error().Err(err).Msg("Failed to remove linked identity")
		}
		if explicit || m.opts.PurgeOnUnexpectedClose {
			if err := m.archive.Clear(ctx, s.Key); err != nil {
				log.Error().Err(err).Msg("Failed to purge archive")
			} else {
				info.Purged = true
			}
		}
		log.Info().
			Str("reason", reason).
			Bool("explicit", explicit).
			Bool("purged", info.Purged).
			Msg("Session closed")
		m.notify.Closed(ctx, s.Key, info)
	})
}
