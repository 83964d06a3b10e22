// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/session"
)

const qrSize = 256

var _ session.Notifier = (*Bot)(nil)

// LinkCode delivers a QR or pairing code. A refreshed QR code replaces the
// previous QR post.
func (b *Bot) LinkCode(ctx context.Context, key control.SessionKey, method control.LinkMethod, code string) {
	display := key.Remote.Display()
	if method == control.LinkPairingCode {
		b.reply(ctx, key.User, fmt.Sprintf(
			"Your pairing code for %s is **%s**\nIn WhatsApp open Linked devices, tap Link a device, then Link with phone number instead and enter the code.",
			display, code))
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to render QR code")
		b.reply(ctx, key.User, fmt.Sprintf("Failed to render the QR code for %s.", display))
		return
	}
	ref := b.send(ctx, key.User, control.OutgoingMessage{
		Text:  fmt.Sprintf("Scan this QR code with WhatsApp on %s (Linked devices > Link a device).", display),
		Files: []control.File{{Name: "qr.png", Data: png}},
	})
	if ref == "" {
		return
	}
	if old, ok := b.qrPosts.Swap(key, ref); ok {
		b.deletePost(ctx, old)
	}
}

func (b *Bot) dropQR(ctx context.Context, key control.SessionKey) {
	if old, ok := b.qrPosts.Pop(key); ok {
		b.deletePost(ctx, old)
	}
}

// Linked reports a completed link or a restored session.
func (b *Bot) Linked(ctx context.Context, key control.SessionKey, restored bool) {
	b.dropQR(ctx, key)
	if restored {
		b.reply(ctx, key.User, fmt.Sprintf("Reconnected %s.", key.Remote.Display()))
		return
	}
	b.reply(ctx, key.User, fmt.Sprintf(
		"%s linked. Messages you send from it will be deleted for everyone and saved here. Send `%sview` to browse them.",
		key.Remote.Display(), b.opts.CommandPrefix))
}

// Closed reports the end of a session.
func (b *Bot) Closed(ctx context.Context, key control.SessionKey, info session.CloseInfo) {
	b.dropQR(ctx, key)
	display := key.Remote.Display()
	var text string
	switch {
	case info.Err != nil:
		text = fmt.Sprintf("The WhatsApp session for %s was closed (%s).", display, info.Reason)
		if info.Purged {
			text += " Its deleted messages were erased."
		} else {
			text += " Its deleted messages were kept."
		}
		text += fmt.Sprintf(" Send `%slink` to link it again.", b.opts.CommandPrefix)
	case info.Explicit && info.Purged:
		text = fmt.Sprintf("Number %s successfully unlinked.", display)
	case info.Explicit && info.WasOpen:
		text = fmt.Sprintf("Number %s unlinked, but its deleted messages could not be erased.", display)
	case info.Explicit:
		text = fmt.Sprintf("Linking %s cancelled.", display)
	default:
		text = fmt.Sprintf("Linking %s failed: %s. Send `%slink` to try again.", display, info.Reason, b.opts.CommandPrefix)
	}
	b.reply(ctx, key.User, text)
}

// CaptureFailed tells the owner a deleted message could not be saved.
func (b *Bot) CaptureFailed(ctx context.Context, key control.SessionKey, err error) {
	b.reply(ctx, key.User, fmt.Sprintf("Failed to save a deleted message from %s.", key.Remote.Display()))
}

// RestoreFailed tells the owner a linked number could not be reconnected.
func (b *Bot) RestoreFailed(ctx context.Context, key control.SessionKey, err error) {
	display := key.Remote.Display()
	if errors.Is(err, session.ErrNoCredentials) {
		b.reply(ctx, key.User, fmt.Sprintf("%s is no longer linked. Send `%slink` to link it again.", display, b.opts.CommandPrefix))
		return
	}
	b.reply(ctx, key.User, fmt.Sprintf("Failed to reconnect %s. Send `%sunlink` to remove it.", display, b.opts.CommandPrefix))
}
