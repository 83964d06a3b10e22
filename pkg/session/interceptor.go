// Copyright 2024-2026 Aiku AI

package session

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/archive"
)

// Classify turns an observed message into an archive payload. Content of
// an unknown shape is kept as opaque bytes of kind other.
func Classify(msg *RemoteMessage) archive.Payload {
	media := func(kind archive.Kind, m *Media) archive.Payload {
		return archive.Payload{Kind: kind, Data: m.Data, FileName: m.FileName, MimeType: m.MimeType}
	}
	switch {
	case msg.Text != nil:
		return archive.Payload{Kind: archive.KindText, Data: []byte(*msg.Text), MimeType: "text/plain"}
	case msg.Image != nil:
		return media(archive.KindImage, msg.Image)
	case msg.Video != nil:
		return media(archive.KindVideo, msg.Video)
	case msg.Voice != nil:
		return media(archive.KindVoice, msg.Voice)
	case msg.Document != nil:
		return media(archive.KindDocument, msg.Document)
	default:
		return archive.Payload{Kind: archive.KindOther, Data: msg.Raw}
	}
}

// intercept deletes an outgoing message for everyone and archives a copy.
// The delete is best-effort; capture proceeds even if it fails. The append
// runs under the key lock and only while the session is still open.
func (m *Manager) intercept(ctx context.Context, s *Session, msg *RemoteMessage) {
	if msg == nil || !msg.FromMe {
		return
	}
	log := zerolog.Ctx(ctx).With().Str("message_id", msg.ID).Logger()

	if err := s.remote.SendDelete(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("Failed to delete message for everyone")
	}

	// An unlink may have purged the archive while the delete was in flight.
	unlock := m.locks.Lock(s.Key)
	defer unlock()
	if s.State() != StateOpen {
		log.Info().Msg("Session closed before capture, dropping message")
		return
	}
	payload := Classify(msg)
	entry, err := m.archive.Append(ctx, s.Key, payload)
	if err != nil {
		log.Error().Err(err).Str("kind", string(payload.Kind)).Msg("Failed to capture message")
		m.notify.CaptureFailed(ctx, s.Key, err)
		return
	}
	log.Debug().
		Str("kind", string(entry.Kind)).
		Int64("captured_at", entry.CapturedAt).
		Msg("Message intercepted")
}
