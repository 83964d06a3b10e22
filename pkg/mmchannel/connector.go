// Copyright 2024-2026 Aiku AI

package mmchannel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/wakeeper/pkg/control"
)

// maxActionBodySize is the maximum allowed request body for button presses (1 MB).
const maxActionBodySize = 1 << 20

// ActionPath is where Mattermost delivers interactive button presses.
const ActionPath = "/actions"

// Config holds the Mattermost connection settings.
type Config struct {
	ServerURL string
	Token     string
	// PublicURL is the base URL Mattermost uses to reach the action endpoint.
	PublicURL  string
	ListenAddr string
	// CommandPrefix marks a direct message as a command.
	CommandPrefix string
}

// Channel is the Mattermost control channel. It receives direct messages
// to the bot over the WebSocket API, receives button presses on an HTTP
// endpoint, and implements control.Channel for outgoing posts.
type Channel struct {
	cfg     Config
	client  *model.Client4
	signer  *control.TokenSigner
	handler control.Handler

	botUserID string
	wsClient  *model.WebSocketClient
	server    *http.Server

	dmMu       sync.RWMutex
	dmChannels map[control.UserID]string
	// postOwners maps posts with buttons to their recipient so the
	// buttons can be re-signed on edit.
	postOwners *exsync.Map[control.MessageRef, control.UserID]

	ctx      context.Context
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ control.Channel = (*Channel)(nil)

// New returns a channel for the bot identified by cfg.Token.
func New(cfg Config, signer *control.TokenSigner, log zerolog.Logger) *Channel {
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	client := model.NewAPIv4Client(strings.TrimSuffix(cfg.ServerURL, "/"))
	client.SetToken(cfg.Token)
	return &Channel{
		cfg:        cfg,
		client:     client,
		signer:     signer,
		dmChannels: make(map[control.UserID]string),
		postOwners: exsync.NewMap[control.MessageRef, control.UserID](),
		ctx:        context.Background(),
		stopChan:   make(chan struct{}),
		log:        log.With().Str("component", "mattermost").Logger(),
	}
}

// SetHandler sets the receiver of inbound events. It must be called
// before Start.
func (c *Channel) SetHandler(handler control.Handler) {
	c.handler = handler
}

// Start authenticates the bot, connects the WebSocket and starts the
// action endpoint. Inbound events are handled with ctx.
func (c *Channel) Start(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("no event handler set")
	}
	c.ctx = ctx
	if err := c.connect(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ActionPath, c.HandleAction)
	c.server = &http.Server{
		Addr:         c.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		c.log.Info().Str("addr", c.cfg.ListenAddr).Msg("Starting action endpoint")
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error().Err(err).Msg("Action endpoint error")
		}
	}()
	return nil
}

// Stop closes the WebSocket and the action endpoint and waits for
// in-flight events.
func (c *Channel) Stop(ctx context.Context) {
	c.disconnect()
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Failed to shut down action endpoint")
		}
	}
	c.wg.Wait()
}

// HandleAction is an HTTP handler for POST /actions. Mattermost posts a
// PostActionIntegrationRequest whose context carries the signed action
// token; the press is handled asynchronously.
func (c *Channel) HandleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxActionBodySize)
	defer r.Body.Close()

	var req model.PostActionIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	log := c.log.With().
		Str("user_id", req.UserId).
		Str("post_id", req.PostId).
		Logger()

	token, _ := req.Context["token"].(string)
	presenter := control.MakeUserID(req.UserId)
	action, err := c.signer.Verify(token, presenter)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected action")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	log.Debug().Str("action", string(action.Kind())).Msg("Action received")

	c.dispatch(&control.ActionEvent{
		Sender:  control.Sender{ID: presenter, Name: req.UserName},
		Action:  action,
		Message: control.MessageRef(req.PostId),
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&model.PostActionIntegrationResponse{}); err != nil {
		log.Warn().Err(err).Msg("Failed to write action response")
	}
}

// dispatch hands an event to the handler on its own goroutine.
func (c *Channel) dispatch(evt control.Event) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handler.HandleEvent(c.ctx, evt)
	}()
}

func (c *Channel) actionURL() string {
	return strings.TrimSuffix(c.cfg.PublicURL, "/") + ActionPath
}
