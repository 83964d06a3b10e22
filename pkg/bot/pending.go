// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/control"
)

type inputKind int

const (
	inputRemoteForLink inputKind = iota + 1
)

// pendingInput is a prompt waiting for the user's next free-text message.
// Each user has at most one; a new prompt replaces the old one.
type pendingInput struct {
	Kind inputKind
}

// handleText routes free text to the pending prompt, then to the relay.
// Anything else is dropped.
func (b *Bot) handleText(ctx context.Context, evt *control.TextEvent) {
	if input, ok := b.pending.Get(evt.ID); ok {
		b.consumeInput(ctx, evt, input)
		return
	}
	relayed, err := b.relay.Forward(ctx, evt.Sender, evt.Text, evt.HasMedia)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to relay message")
		return
	}
	if !relayed {
		zerolog.Ctx(ctx).Debug().Msg("Ignoring free text without a prompt or relay")
	}
}

func (b *Bot) consumeInput(ctx context.Context, evt *control.TextEvent, input pendingInput) {
	switch input.Kind {
	case inputRemoteForLink:
		if !b.access.IsVerified(evt.ID) {
			b.pending.Delete(evt.ID)
			b.reply(ctx, evt.ID, msgUnauthorized)
			return
		}
		remote, err := control.ParseRemoteID(strings.TrimSpace(evt.Text))
		if err != nil {
			// Keep the prompt so the user can retry.
			b.reply(ctx, evt.ID, "That does not look like a phone number. Send it with the country code, for example +15551234567.")
			return
		}
		b.pending.Delete(evt.ID)
		b.send(ctx, evt.ID, control.OutgoingMessage{
			Text: fmt.Sprintf("Choose linking method for %s:", remote.Display()),
			Buttons: []control.Button{
				{Label: "QR Code", Action: control.LinkAction{Remote: remote, Method: control.LinkQRCode}, Style: "primary"},
				{Label: "Phone Pairing", Action: control.LinkAction{Remote: remote, Method: control.LinkPairingCode}},
			},
		})
	default:
		b.pending.Delete(evt.ID)
	}
}
