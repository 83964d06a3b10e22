// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/control"
)

const (
	testBotID   = "bot-user-id"
	testToken   = "test-token"
	testUser    = control.UserID("user-1")
	testBaseURL = "https://bot.example.com"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu      sync.Mutex
	calls   []endpointCall
	postSeq int

	// Users maps user ID to model.User for GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		Users:         map[string]*model.User{testBotID: {Id: testBotID, Username: "wakeeper"}},
		TokenToUser:   map[string]string{testToken: testBotID},
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the calls made with method to path.
func (f *fakeMM) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMM) fail(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailEndpoints[path] = true
}

func (f *fakeMM) shouldFail(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for prefix := range f.FailEndpoints {
		if strings.Contains(path, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	if f.shouldFail(r.URL.Path) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
		return
	}

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/channels/direct
	case r.Method == "POST" && path == "/api/v4/channels/direct":
		var members []string
		_ = json.Unmarshal(body, &members)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&model.Channel{
			Id:   "dm-" + strings.Join(members, "-"),
			Type: model.ChannelTypeDirect,
		})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		f.postSeq++
		post.Id = fmt.Sprintf("post%d", f.postSeq)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == "PUT" && strings.HasSuffix(path, "/patch"):
		_ = json.NewEncoder(w).Encode(&model.Post{Id: "patched"})

	// DELETE /api/v4/posts/{post_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/posts/"):
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// POST /api/v4/files (upload)
	case r.Method == "POST" && path == "/api/v4/files":
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postedEvent builds a posted event for post in a channel of channelType.
func postedEvent(t *testing.T, post *model.Post, channelType model.ChannelType, senderName string) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":         string(raw),
		"channel_type": string(channelType),
		"sender_name":  senderName,
	})
}

// eventRecorder is a control.Handler that forwards events to a channel.
type eventRecorder chan control.Event

func (r eventRecorder) HandleEvent(_ context.Context, evt control.Event) {
	r <- evt
}

func (r eventRecorder) next(t *testing.T) control.Event {
	t.Helper()
	select {
	case evt := <-r:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func newTestSigner(t *testing.T) *control.TokenSigner {
	t.Helper()
	signer, err := control.NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	return signer
}

// newTestChannel creates a Channel talking to serverURL that is considered
// authenticated as the bot user.
func newTestChannel(t *testing.T, serverURL string) (*Channel, eventRecorder) {
	t.Helper()
	c := New(Config{
		ServerURL: serverURL,
		Token:     testToken,
		PublicURL: testBaseURL + "/",
	}, newTestSigner(t), zerolog.Nop())
	c.botUserID = testBotID
	events := make(eventRecorder, 16)
	c.SetHandler(events)
	return c, events
}

// sentAttachments is the subset of a created post's JSON carrying buttons.
type sentAttachments struct {
	ChannelID string   `json:"channel_id"`
	Message   string   `json:"message"`
	FileIDs   []string `json:"file_ids"`
	Props     struct {
		Attachments []struct {
			Actions []struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				Style       string `json:"style"`
				Integration struct {
					URL     string         `json:"url"`
					Context map[string]any `json:"context"`
				} `json:"integration"`
			} `json:"actions"`
		} `json:"attachments"`
	} `json:"props"`
}

func decodePost(t *testing.T, body string) sentAttachments {
	t.Helper()
	var out sentAttachments
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode post body: %v", err)
	}
	return out
}
