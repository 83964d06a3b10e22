// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmchannel

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// connect verifies the bot token and opens the WebSocket.
func (c *Channel) connect(ctx context.Context) error {
	c.log.Info().Str("server_url", c.cfg.ServerURL).Msg("Connecting to Mattermost")

	me, _, err := c.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify bot token: %w", err)
	}
	c.botUserID = me.Id
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	return c.connectWebSocket()
}

func (c *Channel) connectWebSocket() error {
	wsURL := httpToWS(strings.TrimSuffix(c.cfg.ServerURL, "/"))
	ws, err := model.NewWebSocketClient4(wsURL, c.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	c.wsClient = ws

	go c.listenWebSocket(ws)

	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Channel) listenWebSocket(ws *model.WebSocketClient) {
	for {
		select {
		case <-c.stopChan:
			return
		case event, ok := <-ws.EventChannel:
			if !ok {
				c.handleWebSocketDisconnect()
				return
			}
			if event == nil {
				continue
			}
			c.handleEvent(event)
		}
	}
}

func (c *Channel) handleWebSocketDisconnect() {
	select {
	case <-c.stopChan:
		return
	default:
	}
	c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
	if err := c.connectWebSocket(); err != nil {
		c.log.Error().Err(err).Msg("Failed to reconnect WebSocket")
	}
}

// disconnect closes the WebSocket connection and stops the event loop.
func (c *Channel) disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
}
