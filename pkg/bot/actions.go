// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/access"
	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/mmchannel/mdescape"
	"github.com/aiku/wakeeper/pkg/relay"
	"github.com/aiku/wakeeper/pkg/session"
)

func (b *Bot) handleAction(ctx context.Context, evt *control.ActionEvent) {
	log := zerolog.Ctx(ctx)
	kind := evt.Action.Kind()
	log.Debug().Str("action", string(kind)).Msg("Handling action")

	if control.IsSingleUse(kind) && evt.Message != "" {
		if err := b.ch.EditActions(ctx, evt.Message, nil); err != nil {
			log.Warn().Err(err).Str("post_id", string(evt.Message)).Msg("Failed to remove buttons")
		}
	}

	caller := evt.ID
	switch a := evt.Action.(type) {
	case control.GrantAction:
		b.actGrant(ctx, caller, a.Target)
	case control.IgnoreAction:
		b.actIgnore(ctx, caller, a.Target)
	case control.SendPasskeyAction:
		b.actSendPasskey(ctx, caller, a)
	case control.ErasePasskeyAction:
		b.actErasePasskey(ctx, caller, a)
	case control.LinkAction:
		b.actLink(ctx, caller, a)
	case control.UnlinkAction:
		b.actUnlink(ctx, caller, a.Remote)
	case control.UnlinkCancelAction:
		b.reply(ctx, caller, fmt.Sprintf("Unlink cancelled for %s.", a.Remote.Display()))
	case control.ViewAction:
		b.actView(ctx, caller, a, evt.Message)
	case control.ClearAction:
		b.actClear(ctx, caller, a.Remote, evt.Message)
	case control.BroadcastAction:
		b.actBroadcast(ctx, caller)
	case control.DirectAction:
		b.actDirect(ctx, caller, a.Target)
	case control.DisconnectAllAction:
		if _, err := b.relay.DisconnectAll(ctx, caller); err != nil {
			b.reportErr(ctx, caller, err, "Failed to disconnect chats.")
		}
	default:
		log.Warn().Str("action", string(kind)).Msg("Unhandled action")
	}
}

// reportErr tells the caller why an operation failed. Unauthorized callers
// always get the same answer.
func (b *Bot) reportErr(ctx context.Context, caller control.UserID, err error, fallback string) {
	if errors.Is(err, access.ErrUnauthorized) {
		b.reply(ctx, caller, msgUnauthorized)
		return
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg(fallback)
	b.reply(ctx, caller, fallback)
}

func (b *Bot) actGrant(ctx context.Context, caller, target control.UserID) {
	name := mdescape.Escape(b.access.Name(target))
	iss, err := b.access.Grant(ctx, caller, target)
	switch {
	case errors.Is(err, access.ErrNotPending):
		b.reply(ctx, caller, fmt.Sprintf("%s has no pending access request.", name))
		return
	case err != nil:
		b.reportErr(ctx, caller, err, "Failed to generate a passkey.")
		return
	}
	b.send(ctx, caller, control.OutgoingMessage{
		Text: fmt.Sprintf("Passkey generated for user %s (`%s`): `%s`", name, target, iss.Passkey),
		Buttons: []control.Button{
			{Label: "Send", Action: control.SendPasskeyAction{Target: target, Issuance: iss.ID}, Style: "primary"},
			{Label: "Erase", Action: control.ErasePasskeyAction{Target: target, Issuance: iss.ID}, Style: "danger"},
		},
	})
}

func (b *Bot) actIgnore(ctx context.Context, caller, target control.UserID) {
	name := mdescape.Escape(b.access.Name(target))
	err := b.access.Ignore(ctx, caller, target)
	switch {
	case errors.Is(err, access.ErrNotPending):
		b.reply(ctx, caller, fmt.Sprintf("%s has no pending access request.", name))
	case err != nil:
		b.reportErr(ctx, caller, err, "Failed to ignore the request.")
	default:
		b.reply(ctx, caller, fmt.Sprintf("Ignored the request from %s.", name))
		b.reply(ctx, target, "Your request was ignored by admin.")
	}
}

func (b *Bot) actSendPasskey(ctx context.Context, caller control.UserID, a control.SendPasskeyAction) {
	key, err := b.access.SendPasskey(ctx, caller, a.Target, a.Issuance)
	switch {
	case errors.Is(err, access.ErrStaleIssuance):
		b.reply(ctx, caller, "This passkey was already sent, erased or replaced.")
	case err != nil:
		b.reportErr(ctx, caller, err, "Failed to send the passkey.")
	default:
		b.reply(ctx, a.Target, fmt.Sprintf("Your passkey is: `%s`\nSend `%sverify %s` to unlock access.", key, b.opts.CommandPrefix, key))
		b.reply(ctx, caller, fmt.Sprintf("Passkey sent to %s.", mdescape.Escape(b.access.Name(a.Target))))
	}
}

func (b *Bot) actErasePasskey(ctx context.Context, caller control.UserID, a control.ErasePasskeyAction) {
	err := b.access.ErasePasskey(ctx, caller, a.Target, a.Issuance)
	switch {
	case errors.Is(err, access.ErrStaleIssuance):
		b.reply(ctx, caller, "This passkey was already sent, erased or replaced.")
	case err != nil:
		b.reportErr(ctx, caller, err, "Failed to erase the passkey.")
	default:
		b.reply(ctx, caller, fmt.Sprintf("Passkey erased for user `%s`.", a.Target))
		b.reply(ctx, a.Target, "Admin erased your access request.")
	}
}

func (b *Bot) actLink(ctx context.Context, caller control.UserID, a control.LinkAction) {
	err := b.sessions.Link(ctx, caller, a.Remote, a.Method)
	display := a.Remote.Display()
	switch {
	case errors.Is(err, session.ErrNotVerified):
		b.reply(ctx, caller, msgUnauthorized)
	case errors.Is(err, session.ErrAlreadyLinked):
		b.reply(ctx, caller, fmt.Sprintf("%s is already linked.", display))
	case errors.Is(err, session.ErrLinkInProgress):
		b.reply(ctx, caller, fmt.Sprintf("Linking %s is already in progress.", display))
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Str("remote", string(a.Remote)).Msg("Failed to start link")
		b.reply(ctx, caller, fmt.Sprintf("Failed to link %s. Try again.", display))
	case a.Method == control.LinkPairingCode:
		b.reply(ctx, caller, fmt.Sprintf("Requesting a pairing code for %s...", display))
	default:
		b.reply(ctx, caller, fmt.Sprintf("Preparing a QR code for %s...", display))
	}
}

func (b *Bot) actUnlink(ctx context.Context, caller control.UserID, remote control.RemoteID) {
	err := b.sessions.Unlink(ctx, caller, remote)
	display := remote.Display()
	switch {
	case err == nil, errors.Is(err, session.ErrSessionClosedUnexpectedly):
		// The close notification reports the outcome.
	case errors.Is(err, session.ErrNotVerified):
		b.reply(ctx, caller, msgUnauthorized)
	case errors.Is(err, session.ErrNotLinked):
		b.reply(ctx, caller, fmt.Sprintf("%s is not linked.", display))
	case errors.Is(err, session.ErrUnlinkFailed):
		zerolog.Ctx(ctx).Warn().Err(err).Str("remote", string(remote)).Msg("Unlink failed")
		b.reply(ctx, caller, fmt.Sprintf("Failed to unlink %s. The session and its messages were kept, please try again.", display))
	default:
		zerolog.Ctx(ctx).Error().Err(err).Str("remote", string(remote)).Msg("Unlink failed")
		b.reply(ctx, caller, fmt.Sprintf("Failed to unlink %s.", display))
	}
}

func (b *Bot) actBroadcast(ctx context.Context, caller control.UserID) {
	n, err := b.relay.StartBroadcast(ctx, caller)
	if err != nil {
		b.reportErr(ctx, caller, err, "Failed to start the broadcast.")
		return
	}
	b.reply(ctx, caller, fmt.Sprintf("Broadcast started with %d users. Their messages will be forwarded here.", n))
}

func (b *Bot) actDirect(ctx context.Context, caller, target control.UserID) {
	err := b.relay.StartDirect(ctx, caller, target)
	switch {
	case errors.Is(err, relay.ErrUnknownUser):
		b.reply(ctx, caller, fmt.Sprintf("`%s` is not a verified user.", target))
	case err != nil:
		b.reportErr(ctx, caller, err, "Failed to open the chat.")
	default:
		b.reply(ctx, caller, fmt.Sprintf("Chat opened with %s. Reply with `%smsg %s <text>`.",
			mdescape.Escape(b.access.Name(target)), b.opts.CommandPrefix, target))
	}
}
