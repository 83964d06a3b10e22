// Copyright 2024-2026 Aiku AI

package mmchannel

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/wakeeper/pkg/control"
)

// SendMessage posts msg to the direct channel between the bot and to.
// Files are uploaded first; buttons become an interactive attachment whose
// actions each carry a token signed for to.
func (c *Channel) SendMessage(ctx context.Context, to control.UserID, msg control.OutgoingMessage) (control.MessageRef, error) {
	channelID, err := c.directChannel(ctx, to)
	if err != nil {
		return "", err
	}

	post := &model.Post{
		ChannelId: channelID,
		Message:   msg.Text,
	}
	for _, file := range msg.Files {
		resp, _, err := c.client.UploadFile(ctx, file.Data, channelID, file.Name)
		if err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", file.Name, err)
		}
		if len(resp.FileInfos) == 0 {
			return "", fmt.Errorf("upload of %s returned no file info", file.Name)
		}
		post.FileIds = append(post.FileIds, resp.FileInfos[0].Id)
	}
	if len(msg.Buttons) > 0 {
		attachments, err := c.buildAttachments(msg.Buttons, to)
		if err != nil {
			return "", err
		}
		post.AddProp("attachments", attachments)
	}

	created, _, err := c.client.CreatePost(ctx, post)
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	ref := control.MessageRef(created.Id)
	if len(msg.Buttons) > 0 {
		c.postOwners.Set(ref, to)
	}
	return ref, nil
}

// EditActions replaces the buttons of a post sent by SendMessage. Passing
// nil removes them.
func (c *Channel) EditActions(ctx context.Context, ref control.MessageRef, buttons []control.Button) error {
	attachments := []*model.SlackAttachment{}
	if len(buttons) > 0 {
		owner, ok := c.postOwners.Get(ref)
		if !ok {
			return fmt.Errorf("unknown recipient for post %s", ref)
		}
		var err error
		attachments, err = c.buildAttachments(buttons, owner)
		if err != nil {
			return err
		}
	} else {
		c.postOwners.Delete(ref)
	}

	props := model.StringInterface{"attachments": attachments}
	if _, _, err := c.client.PatchPost(ctx, string(ref), &model.PostPatch{Props: &props}); err != nil {
		return fmt.Errorf("failed to patch post: %w", err)
	}
	return nil
}

// DeleteMessage deletes a post sent by SendMessage.
func (c *Channel) DeleteMessage(ctx context.Context, ref control.MessageRef) error {
	c.postOwners.Delete(ref)
	if _, err := c.client.DeletePost(ctx, string(ref)); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

// directChannel returns the ID of the direct channel with user, creating it
// on first use.
func (c *Channel) directChannel(ctx context.Context, user control.UserID) (string, error) {
	c.dmMu.RLock()
	channelID, ok := c.dmChannels[user]
	c.dmMu.RUnlock()
	if ok {
		return channelID, nil
	}

	ch, _, err := c.client.CreateDirectChannel(ctx, c.botUserID, string(user))
	if err != nil {
		return "", fmt.Errorf("failed to open direct channel with %s: %w", user, err)
	}

	c.dmMu.Lock()
	c.dmChannels[user] = ch.Id
	c.dmMu.Unlock()
	return ch.Id, nil
}

func (c *Channel) buildAttachments(buttons []control.Button, recipient control.UserID) ([]*model.SlackAttachment, error) {
	actions := make([]*model.PostAction, 0, len(buttons))
	for i, button := range buttons {
		token, err := c.signer.Sign(button.Action, recipient)
		if err != nil {
			return nil, fmt.Errorf("failed to sign action: %w", err)
		}
		actions = append(actions, &model.PostAction{
			Id:    fmt.Sprintf("action%d", i),
			Type:  model.PostActionTypeButton,
			Name:  button.Label,
			Style: buttonStyle(button.Style),
			Integration: &model.PostActionIntegration{
				URL:     c.actionURL(),
				Context: map[string]any{"token": token},
			},
		})
	}
	return []*model.SlackAttachment{{Actions: actions}}, nil
}

func buttonStyle(style string) string {
	switch style {
	case "primary", "danger":
		return style
	default:
		return "default"
	}
}
