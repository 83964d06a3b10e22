// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/archive"
	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/mmchannel/mdescape"
)

const timeLayout = "2006-01-02 15:04:05"

// maxInlineText caps how much of a text entry is shown in a page.
const maxInlineText = 1000

func (b *Bot) actView(ctx context.Context, caller control.UserID, a control.ViewAction, from control.MessageRef) {
	if !b.access.IsVerified(caller) {
		b.reply(ctx, caller, msgUnauthorized)
		return
	}
	// Navigating from a page replaces it.
	if from != "" && b.pagePosts.Has(from) {
		b.pagePosts.Remove(from)
		b.deletePost(ctx, from)
	}

	key := control.MakeSessionKey(caller, a.Remote)
	entries, err := b.archive.List(key)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("remote", string(a.Remote)).Msg("Failed to list deleted messages")
		b.reply(ctx, caller, "Could not read your deleted messages right now.")
		return
	}
	if len(entries) == 0 {
		b.reply(ctx, caller, fmt.Sprintf("No deleted messages for %s.", a.Remote.Display()))
		return
	}

	pages := archive.Paginate(entries, b.opts.PageSize)
	page := min(a.Page, len(pages)-1)
	msg := b.renderPage(ctx, key, pages[page], page, len(pages))
	if ref := b.send(ctx, caller, msg); ref != "" {
		b.pagePosts.Add(ref)
	}
}

func (b *Bot) renderPage(ctx context.Context, key control.SessionKey, entries []archive.Entry, page, total int) control.OutgoingMessage {
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, fmt.Sprintf("**Deleted messages for %s** (page %d of %d)", key.Remote.Display(), page+1, total))
	var files []control.File
	for _, e := range entries {
		stamp := "`" + e.Time().Local().Format(timeLayout) + "`"
		data, err := b.archive.Read(key, e)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("file", e.File).Msg("Failed to read deleted message")
			lines = append(lines, fmt.Sprintf("%s %s: _unreadable_", stamp, e.Kind))
			continue
		}
		if e.Kind == archive.KindText {
			lines = append(lines, fmt.Sprintf("%s %s", stamp, mdescape.Escape(truncate(string(data), maxInlineText))))
			continue
		}
		name := attachmentName(e)
		files = append(files, control.File{Name: name, Data: data})
		lines = append(lines, fmt.Sprintf("%s %s: attached as `%s`", stamp, e.Kind, name))
	}

	var buttons []control.Button
	if page > 0 {
		buttons = append(buttons, control.Button{Label: "Prev", Action: control.ViewAction{Remote: key.Remote, Page: page - 1}})
	}
	if page < total-1 {
		buttons = append(buttons, control.Button{Label: "Next", Action: control.ViewAction{Remote: key.Remote, Page: page + 1}})
	} else {
		buttons = append(buttons, control.Button{Label: "Delete All", Action: control.ClearAction{Remote: key.Remote}, Style: "danger"})
	}
	return control.OutgoingMessage{Text: strings.Join(lines, "\n"), Buttons: buttons, Files: files}
}

func attachmentName(e archive.Entry) string {
	if e.FileName != "" {
		return e.FileName
	}
	return strings.TrimSuffix(e.File, ".zst")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

func (b *Bot) actClear(ctx context.Context, caller control.UserID, remote control.RemoteID, from control.MessageRef) {
	if !b.access.IsVerified(caller) {
		b.reply(ctx, caller, msgUnauthorized)
		return
	}
	if err := b.archive.Clear(ctx, control.MakeSessionKey(caller, remote)); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("remote", string(remote)).Msg("Failed to clear deleted messages")
		b.reply(ctx, caller, fmt.Sprintf("Failed to delete messages for %s.", remote.Display()))
		return
	}
	if from != "" {
		b.pagePosts.Remove(from)
		b.deletePost(ctx, from)
	}
	b.reply(ctx, caller, fmt.Sprintf("Deleted messages for %s.", remote.Display()))
}

func (b *Bot) deletePost(ctx context.Context, ref control.MessageRef) {
	if err := b.ch.DeleteMessage(ctx, ref); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("post_id", string(ref)).Msg("Failed to delete post")
	}
}
