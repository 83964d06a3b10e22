// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/wakeeper/pkg/session"
)

// remoteSession adapts a whatsmeow client to session.RemoteSession.
type remoteSession struct {
	ctx    context.Context
	client *whatsmeow.Client
	db     io.Closer
	dir    string
	log    zerolog.Logger

	events chan session.RemoteEvent
	// mu guards ended; emitters hold it shared while sending.
	mu    sync.RWMutex
	ended bool

	stop      chan struct{}
	stopOnce  sync.Once
	endOnce   sync.Once
	closeOnce sync.Once
}

var _ session.RemoteSession = (*remoteSession)(nil)

func newRemoteSession(ctx context.Context, client *whatsmeow.Client, db io.Closer, dir string, log zerolog.Logger) *remoteSession {
	return &remoteSession{
		ctx:    log.WithContext(ctx),
		client: client,
		db:     db,
		dir:    dir,
		log:    log,
		events: make(chan session.RemoteEvent, 16),
		stop:   make(chan struct{}),
	}
}

func (s *remoteSession) Events() <-chan session.RemoteEvent {
	return s.events
}

// emit delivers evt unless the session was closed.
func (s *remoteSession) emit(evt session.RemoteEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended {
		return
	}
	select {
	case s.events <- evt:
	case <-s.stop:
	}
}

// end reports a remote-initiated close and then shuts the session down.
func (s *remoteSession) end(reason string) {
	s.endOnce.Do(func() {
		s.log.Info().Str("reason", reason).Msg("Remote session ended")
		s.emit(session.RemoteEvent{Type: session.EventClosed, Reason: reason})
		s.Close()
	})
}

// Close disconnects without logging out. The event channel is closed once
// every pending emit has returned.
func (s *remoteSession) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.closeOnce.Do(func() {
		if s.client != nil {
			s.client.Disconnect()
		}
		s.mu.Lock()
		s.ended = true
		close(s.events)
		s.mu.Unlock()
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to close device store")
			}
		}
	})
}

// SendDelete revokes msg for everyone in its chat.
func (s *remoteSession) SendDelete(ctx context.Context, msg *session.RemoteMessage) error {
	chat, err := types.ParseJID(msg.Chat)
	if err != nil {
		return fmt.Errorf("failed to parse chat %q: %w", msg.Chat, err)
	}
	_, err = s.client.SendMessage(ctx, chat, s.client.BuildRevoke(chat, types.EmptyJID, msg.ID))
	if err != nil {
		return fmt.Errorf("failed to send revoke: %w", err)
	}
	return nil
}

// Logout unlinks the device on the phone and deletes its credentials.
func (s *remoteSession) Logout(ctx context.Context) error {
	if err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	s.Close()
	if err := os.RemoveAll(s.dir); err != nil {
		s.log.Warn().Err(err).Msg("Failed to remove session directory")
	}
	return nil
}

func (s *remoteSession) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.emit(session.RemoteEvent{Type: session.EventLinked})
	case *events.Message:
		msg, ok := convertMessage(s.ctx, evt, s.client.Download)
		if !ok {
			return
		}
		s.emit(session.RemoteEvent{Type: session.EventMessage, Message: msg})
	case *events.LoggedOut:
		go s.end("logged out from the phone")
	case *events.StreamReplaced:
		go s.end("replaced by another connection")
	case *events.TemporaryBan:
		go s.end("temporarily banned: " + evt.String())
	case *events.ConnectFailure:
		go s.end(fmt.Sprintf("connection failed: %s", evt.Reason))
	case *events.ClientOutdated:
		go s.end("client outdated")
	case *events.Disconnected:
		go s.end("disconnected")
	}
}
