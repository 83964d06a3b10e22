// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/wakeeper/pkg/session"
)

const thumbnailMimeType = "image/jpeg"

type downloader func(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)

// skipMessage reports whether a message carries no content worth keeping:
// revokes and edits, reactions, status updates and bare key distribution.
func skipMessage(evt *events.Message) bool {
	if evt.Info.Chat == types.StatusBroadcastJID || evt.Message == nil {
		return true
	}
	msg := evt.Message
	if msg.GetProtocolMessage() != nil || msg.GetReactionMessage() != nil || msg.GetEncReactionMessage() != nil {
		return true
	}
	content := proto.Clone(msg).(*waE2E.Message)
	content.SenderKeyDistributionMessage = nil
	content.MessageContextInfo = nil
	return proto.Size(content) == 0
}

// convertMessage turns a whatsmeow message into a RemoteMessage. Media is
// downloaded, falling back to the embedded thumbnail.
func convertMessage(ctx context.Context, evt *events.Message, download downloader) (*session.RemoteMessage, bool) {
	if skipMessage(evt) {
		return nil, false
	}
	out := &session.RemoteMessage{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}
	if !out.FromMe {
		// Only the owner's messages are captured; skip the download.
		return out, true
	}

	msg := evt.Message
	switch {
	case msg.Conversation != nil:
		text := msg.GetConversation()
		out.Text = &text
	case msg.GetExtendedTextMessage() != nil:
		text := msg.GetExtendedTextMessage().GetText()
		out.Text = &text
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		out.Image = fetchMedia(ctx, download, img, img.GetMimetype(), "", img.GetJPEGThumbnail())
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		out.Video = fetchMedia(ctx, download, vid, vid.GetMimetype(), "", vid.GetJPEGThumbnail())
	case msg.GetAudioMessage() != nil:
		audio := msg.GetAudioMessage()
		out.Voice = fetchMedia(ctx, download, audio, audio.GetMimetype(), "", nil)
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		out.Document = fetchMedia(ctx, download, doc, doc.GetMimetype(), doc.GetFileName(), doc.GetJPEGThumbnail())
	}

	if out.Text == nil && out.Image == nil && out.Video == nil && out.Voice == nil && out.Document == nil {
		raw, err := proto.Marshal(msg)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("message_id", out.ID).Msg("Failed to marshal message")
		}
		out.Raw = raw
	}
	return out, true
}

func fetchMedia(ctx context.Context, download downloader, msg whatsmeow.DownloadableMessage, mimeType, fileName string, thumbnail []byte) *session.Media {
	data, err := download(ctx, msg)
	if err == nil {
		return &session.Media{Data: data, FileName: fileName, MimeType: mimeType}
	}
	zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to download media, keeping thumbnail")
	if len(thumbnail) == 0 {
		return &session.Media{FileName: fileName, MimeType: mimeType}
	}
	return &session.Media{Data: thumbnail, FileName: fileName, MimeType: thumbnailMimeType}
}
