// Copyright 2024-2026 Aiku AI

package mmchannel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/wakeeper/pkg/control"
)

func (c *Channel) handleEvent(evt *model.WebSocketEvent) {
	if evt.EventType() != model.WebsocketEventPosted {
		return
	}
	post, senderName, err := c.parsePostedEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}
	c.log.Debug().
		Str("post_id", post.Id).
		Str("user_id", post.UserId).
		Msg("Direct message received")
	c.dispatch(c.toEvent(post, senderName))
}

// parsePostedEvent extracts a direct message to the bot from a WebSocket
// event. Returns (nil, "", nil) to skip silently: the bot's own posts,
// system messages and posts outside direct channels.
func (c *Channel) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, string, error) {
	data := evt.GetData()
	postJSON, ok := data["post"].(string)
	if !ok {
		return nil, "", fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal post: %w", err)
	}

	if post.UserId == c.botUserID {
		return nil, "", nil
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, "", nil
	}
	if channelType, _ := data["channel_type"].(string); channelType != string(model.ChannelTypeDirect) {
		return nil, "", nil
	}

	senderName, _ := data["sender_name"].(string)
	return &post, strings.TrimPrefix(senderName, "@"), nil
}

// toEvent turns a direct message into a command when it starts with the
// command prefix and into a text event otherwise.
func (c *Channel) toEvent(post *model.Post, senderName string) control.Event {
	sender := control.Sender{ID: control.MakeUserID(post.UserId), Name: senderName}
	text := strings.TrimSpace(post.Message)
	if strings.HasPrefix(text, c.cfg.CommandPrefix) {
		fields := strings.Fields(strings.TrimPrefix(text, c.cfg.CommandPrefix))
		if len(fields) > 0 {
			return &control.CommandEvent{
				Sender:  sender,
				Command: strings.ToLower(fields[0]),
				Args:    fields[1:],
			}
		}
	}
	return &control.TextEvent{
		Sender:   sender,
		Text:     post.Message,
		HasMedia: len(post.FileIds) > 0,
	}
}
