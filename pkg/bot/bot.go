// Copyright 2024-2026 Aiku AI

// Package bot turns control-channel events into access, session, archive
// and relay operations and reports the results back to users.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/wakeeper/pkg/access"
	"github.com/aiku/wakeeper/pkg/archive"
	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/keylock"
	"github.com/aiku/wakeeper/pkg/mmchannel/mdescape"
	"github.com/aiku/wakeeper/pkg/relay"
)

const msgUnauthorized = "You are not authorized to use this bot."

// Sessions is the subset of the session manager the bot drives.
type Sessions interface {
	Link(ctx context.Context, user control.UserID, remote control.RemoteID, method control.LinkMethod) error
	Unlink(ctx context.Context, user control.UserID, remote control.RemoteID) error
}

// Options configures a Bot.
type Options struct {
	// CommandPrefix is only used to render help and hints.
	CommandPrefix string
	PageSize      int
}

// Bot is the orchestrator. It implements control.Handler for inbound
// events and session.Notifier for session lifecycle notifications.
type Bot struct {
	access   *access.Machine
	archive  *archive.Store
	relay    *relay.Relay
	ch       control.Channel
	sessions Sessions
	opts     Options
	log      zerolog.Logger

	userLocks *keylock.Map[control.UserID]
	pending   *exsync.Map[control.UserID, pendingInput]
	qrPosts   *exsync.Map[control.SessionKey, control.MessageRef]
	pagePosts *exsync.Set[control.MessageRef]
}

// New returns a bot. SetSessions must be called before events are handled.
func New(acc *access.Machine, arch *archive.Store, rel *relay.Relay, ch control.Channel, opts Options, log zerolog.Logger) *Bot {
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "!"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = archive.DefaultPageSize
	}
	return &Bot{
		access:    acc,
		archive:   arch,
		relay:     rel,
		ch:        ch,
		opts:      opts,
		log:       log.With().Str("component", "bot").Logger(),
		userLocks: keylock.New[control.UserID](),
		pending:   exsync.NewMap[control.UserID, pendingInput](),
		qrPosts:   exsync.NewMap[control.SessionKey, control.MessageRef](),
		pagePosts: exsync.NewSet[control.MessageRef](),
	}
}

// SetSessions attaches the session manager, which itself needs the bot as
// its notifier.
func (b *Bot) SetSessions(sessions Sessions) {
	b.sessions = sessions
}

// HandleEvent processes one inbound event. Events from the same user are
// handled one at a time.
func (b *Bot) HandleEvent(ctx context.Context, evt control.Event) {
	sender := evt.From()
	log := b.log.With().Str("user_id", string(sender.ID)).Logger()
	ctx = log.WithContext(ctx)

	defer func() {
		if err := recover(); err != nil {
			log.Error().
				Any("panic", err).
				Str("stack", string(debug.Stack())).
				Msg("Panic while handling event")
		}
	}()

	unlock := b.userLocks.Lock(sender.ID)
	defer unlock()

	switch e := evt.(type) {
	case *control.CommandEvent:
		b.handleCommand(ctx, e)
	case *control.ActionEvent:
		b.handleAction(ctx, e)
	case *control.TextEvent:
		b.handleText(ctx, e)
	default:
		log.Warn().Type("event_type", evt).Msg("Unhandled event type")
	}
}

func (b *Bot) handleCommand(ctx context.Context, evt *control.CommandEvent) {
	zerolog.Ctx(ctx).Debug().Str("command", evt.Command).Msg("Handling command")
	switch strings.ToLower(evt.Command) {
	case "start":
		b.cmdStart(ctx, evt.Sender)
	case "verify":
		b.cmdVerify(ctx, evt.Sender, evt.Args)
	case "link":
		b.cmdLink(ctx, evt.Sender)
	case "unlink":
		b.cmdUnlink(ctx, evt.Sender)
	case "view":
		b.cmdView(ctx, evt.Sender)
	case "help":
		b.cmdHelp(ctx, evt.Sender)
	case "admin":
		b.cmdAdmin(ctx, evt.Sender)
	case "users":
		b.cmdUsers(ctx, evt.Sender)
	case "msg":
		b.cmdMsg(ctx, evt.Sender, evt.Args)
	default:
		b.reply(ctx, evt.ID, fmt.Sprintf("Unknown command. Send `%shelp` for a list of commands.", b.opts.CommandPrefix))
	}
}

func (b *Bot) cmdStart(ctx context.Context, sender control.Sender) {
	switch b.access.RequestAccess(ctx, sender) {
	case access.OutcomeWelcome:
		b.reply(ctx, sender.ID, fmt.Sprintf("Welcome back, %s!", mdescape.Escape(displayName(sender))))
	case access.OutcomeAlreadyPending:
		b.reply(ctx, sender.ID, "Your request is still waiting for admin approval.")
	case access.OutcomeAwaitingVerification:
		b.reply(ctx, sender.ID, fmt.Sprintf("You already have a passkey. Send `%sverify <passkey>` to unlock access.", b.opts.CommandPrefix))
	case access.OutcomeRequested:
		b.send(ctx, b.access.Admin(), control.OutgoingMessage{
			Text: fmt.Sprintf("New user %s (`%s`) wants access.", mdescape.Escape(displayName(sender)), sender.ID),
			Buttons: []control.Button{
				{Label: "Grant", Action: control.GrantAction{Target: sender.ID}, Style: "primary"},
				{Label: "Ignore", Action: control.IgnoreAction{Target: sender.ID}},
			},
		})
		b.reply(ctx, sender.ID, "Please wait for admin approval.")
	}
}

func (b *Bot) cmdVerify(ctx context.Context, sender control.Sender, args []string) {
	if len(args) != 1 {
		b.reply(ctx, sender.ID, fmt.Sprintf("Usage: `%sverify <passkey>`", b.opts.CommandPrefix))
		return
	}
	err := b.access.Verify(ctx, sender, args[0])
	switch {
	case errors.Is(err, access.ErrInvalidPasskey):
		b.reply(ctx, sender.ID, "Invalid passkey.")
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to verify passkey")
		b.reply(ctx, sender.ID, "Could not verify your passkey right now. Please try again.")
	default:
		b.reply(ctx, sender.ID, "Access granted! You can now use the bot.")
		b.reply(ctx, b.access.Admin(), fmt.Sprintf("%s (`%s`) verified their passkey.", mdescape.Escape(displayName(sender)), sender.ID))
	}
}

func (b *Bot) cmdLink(ctx context.Context, sender control.Sender) {
	if !b.access.IsVerified(sender.ID) {
		b.reply(ctx, sender.ID, msgUnauthorized)
		return
	}
	b.pending.Set(sender.ID, pendingInput{Kind: inputRemoteForLink})
	b.reply(ctx, sender.ID, "Send the WhatsApp number you want to link (with country code):")
}

func (b *Bot) cmdUnlink(ctx context.Context, sender control.Sender) {
	if !b.access.IsVerified(sender.ID) {
		b.reply(ctx, sender.ID, msgUnauthorized)
		return
	}
	remotes := b.access.LinkedIdentities(sender.ID)
	if len(remotes) == 0 {
		b.reply(ctx, sender.ID, "No linked numbers found.")
		return
	}
	buttons := make([]control.Button, 0, len(remotes)*2)
	for _, remote := range remotes {
		buttons = append(buttons,
			control.Button{Label: "Unlink " + remote.Display(), Action: control.UnlinkAction{Remote: remote}, Style: "danger"},
			control.Button{Label: "Keep " + remote.Display(), Action: control.UnlinkCancelAction{Remote: remote}},
		)
	}
	b.send(ctx, sender.ID, control.OutgoingMessage{
		Text:    "Select a number to unlink. Its deleted messages will be erased.",
		Buttons: buttons,
	})
}

func (b *Bot) cmdView(ctx context.Context, sender control.Sender) {
	if !b.access.IsVerified(sender.ID) {
		b.reply(ctx, sender.ID, msgUnauthorized)
		return
	}
	remotes, err := b.archive.Identities(sender.ID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to list archived identities")
		b.reply(ctx, sender.ID, "Could not read your deleted messages right now.")
		return
	}
	if len(remotes) == 0 {
		b.reply(ctx, sender.ID, "No messages found.")
		return
	}
	buttons := make([]control.Button, 0, len(remotes))
	for _, remote := range remotes {
		buttons = append(buttons, control.Button{Label: remote.Display(), Action: control.ViewAction{Remote: remote}})
	}
	b.send(ctx, sender.ID, control.OutgoingMessage{
		Text:    "Select a number to view deleted messages:",
		Buttons: buttons,
	})
}

func (b *Bot) cmdHelp(ctx context.Context, sender control.Sender) {
	p := b.opts.CommandPrefix
	lines := []string{
		"**Commands**",
		fmt.Sprintf("`%sstart` request access", p),
		fmt.Sprintf("`%sverify <passkey>` unlock access with the passkey from the admin", p),
		fmt.Sprintf("`%slink` link a WhatsApp number", p),
		fmt.Sprintf("`%sunlink` unlink a WhatsApp number and erase its messages", p),
		fmt.Sprintf("`%sview` browse deleted messages", p),
	}
	if b.access.IsAdmin(sender.ID) {
		lines = append(lines,
			"",
			"**Admin**",
			fmt.Sprintf("`%sadmin` broadcast and disconnect controls", p),
			fmt.Sprintf("`%susers` list verified users", p),
			fmt.Sprintf("`%smsg <user|all> <text>` message a user or everyone", p),
		)
	}
	b.reply(ctx, sender.ID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdAdmin(ctx context.Context, sender control.Sender) {
	if !b.access.IsAdmin(sender.ID) {
		b.reply(ctx, sender.ID, msgUnauthorized)
		return
	}
	b.send(ctx, sender.ID, control.OutgoingMessage{
		Text: fmt.Sprintf("**Admin panel**\n%d verified users, %d active chats.",
			len(b.access.VerifiedUsers()), b.relay.Active()),
		Buttons: []control.Button{
			{Label: "Broadcast", Action: control.BroadcastAction{}, Style: "primary"},
			{Label: "Disconnect all", Action: control.DisconnectAllAction{}, Style: "danger"},
		},
	})
}

func (b *Bot) cmdUsers(ctx context.Context, sender control.Sender) {
	if !b.access.IsAdmin(sender.ID) {
		b.reply(ctx, sender.ID, msgUnauthorized)
		return
	}
	users := b.access.VerifiedUsers()
	if len(users) == 0 {
		b.reply(ctx, sender.ID, "No verified users yet.")
		return
	}
	lines := make([]string, 0, len(users)+1)
	lines = append(lines, "**Verified users**")
	buttons := make([]control.Button, 0, len(users))
	for _, user := range users {
		name := b.access.Name(user)
		line := fmt.Sprintf("- %s (`%s`)", mdescape.Escape(name), user)
		if remotes := b.access.LinkedIdentities(user); len(remotes) > 0 {
			numbers := make([]string, len(remotes))
			for i, remote := range remotes {
				numbers[i] = remote.Display()
			}
			line += ": " + strings.Join(numbers, ", ")
		}
		if mode, ok := b.relay.Mode(user); ok {
			line += fmt.Sprintf(" _(%s chat)_", mode)
		}
		lines = append(lines, line)
		buttons = append(buttons, control.Button{Label: "Chat with " + name, Action: control.DirectAction{Target: user}})
	}
	b.send(ctx, sender.ID, control.OutgoingMessage{Text: strings.Join(lines, "\n"), Buttons: buttons})
}

func (b *Bot) cmdMsg(ctx context.Context, sender control.Sender, args []string) {
	if !b.access.IsAdmin(sender.ID) {
		b.reply(ctx, sender.ID, msgUnauthorized)
		return
	}
	if len(args) < 2 {
		b.reply(ctx, sender.ID, fmt.Sprintf("Usage: `%smsg <user|all> <text>`", b.opts.CommandPrefix))
		return
	}
	n, err := b.relay.Say(ctx, sender.ID, args[0], strings.Join(args[1:], " "))
	switch {
	case errors.Is(err, relay.ErrUnknownUser):
		b.reply(ctx, sender.ID, fmt.Sprintf("`%s` is not a verified user.", args[0]))
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to deliver admin message")
		b.reply(ctx, sender.ID, fmt.Sprintf("Delivered to %d users, some deliveries failed.", n))
	default:
		b.reply(ctx, sender.ID, fmt.Sprintf("Delivered to %d users.", n))
	}
}

func (b *Bot) reply(ctx context.Context, to control.UserID, text string) {
	b.send(ctx, to, control.Text(text))
}

func (b *Bot) send(ctx context.Context, to control.UserID, msg control.OutgoingMessage) control.MessageRef {
	ref, err := b.ch.SendMessage(ctx, to, msg)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("to", string(to)).Msg("Failed to send message")
		return ""
	}
	return ref
}

func displayName(sender control.Sender) string {
	if sender.Name != "" {
		return sender.Name
	}
	return string(sender.ID)
}
