// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/access"
	"github.com/aiku/wakeeper/pkg/archive"
	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/passkey"
	"github.com/aiku/wakeeper/pkg/relay"
)

const adminID control.UserID = "admin"

var adminSender = control.Sender{ID: adminID, Name: "Admin"}

type sentMessage struct {
	ref control.MessageRef
	to  control.UserID
	msg control.OutgoingMessage
}

type editCall struct {
	ref     control.MessageRef
	buttons []control.Button
}

// recordingChannel records every outbound call in order.
type recordingChannel struct {
	mu      sync.Mutex
	sent    []sentMessage
	edits   []editCall
	deleted []control.MessageRef
}

func (c *recordingChannel) SendMessage(_ context.Context, to control.UserID, msg control.OutgoingMessage) (control.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := control.MessageRef(fmt.Sprintf("post%d", len(c.sent)+1))
	c.sent = append(c.sent, sentMessage{ref: ref, to: to, msg: msg})
	return ref, nil
}

func (c *recordingChannel) EditActions(_ context.Context, ref control.MessageRef, buttons []control.Button) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, editCall{ref: ref, buttons: buttons})
	return nil
}

func (c *recordingChannel) DeleteMessage(_ context.Context, ref control.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, ref)
	return nil
}

// last returns the most recent message sent to user.
func (c *recordingChannel) last(t *testing.T, user control.UserID) sentMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].to == user {
			return c.sent[i]
		}
	}
	t.Fatalf("no message sent to %s", user)
	return sentMessage{}
}

func (c *recordingChannel) count(user control.UserID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sent {
		if s.to == user {
			n++
		}
	}
	return n
}

func (c *recordingChannel) wasDeleted(ref control.MessageRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.deleted {
		if d == ref {
			return true
		}
	}
	return false
}

func (c *recordingChannel) wasCleared(ref control.MessageRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.edits {
		if e.ref == ref && e.buttons == nil {
			return true
		}
	}
	return false
}

type linkCall struct {
	user   control.UserID
	remote control.RemoteID
	method control.LinkMethod
}

type fakeSessions struct {
	mu        sync.Mutex
	links     []linkCall
	unlinks   []control.SessionKey
	linkErr   error
	unlinkErr error
}

func (s *fakeSessions) Link(_ context.Context, user control.UserID, remote control.RemoteID, method control.LinkMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, linkCall{user: user, remote: remote, method: method})
	return s.linkErr
}

func (s *fakeSessions) Unlink(_ context.Context, user control.UserID, remote control.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlinks = append(s.unlinks, control.MakeSessionKey(user, remote))
	return s.unlinkErr
}

type testEnv struct {
	bot      *Bot
	ch       *recordingChannel
	sessions *fakeSessions
	access   *access.Machine
	archive  *archive.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	passkeys, err := passkey.Open(filepath.Join(dir, "passkeys.json"))
	if err != nil {
		t.Fatalf("passkey.Open: %v", err)
	}
	acc, err := access.New(adminID, passkeys, filepath.Join(dir, "users.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("access.New: %v", err)
	}
	ch := &recordingChannel{}
	arch := archive.New(filepath.Join(dir, "archive"), archive.Options{}, zerolog.Nop())
	rel := relay.New(acc, ch, zerolog.Nop())
	sessions := &fakeSessions{}
	b := New(acc, arch, rel, ch, Options{}, zerolog.Nop())
	b.SetSessions(sessions)
	return &testEnv{bot: b, ch: ch, sessions: sessions, access: acc, archive: arch}
}

func (env *testEnv) command(sender control.Sender, line string) {
	fields := strings.Fields(line)
	env.bot.HandleEvent(context.Background(), &control.CommandEvent{Sender: sender, Command: fields[0], Args: fields[1:]})
}

func (env *testEnv) press(sender control.Sender, ref control.MessageRef, action control.Action) {
	env.bot.HandleEvent(context.Background(), &control.ActionEvent{Sender: sender, Action: action, Message: ref})
}

func (env *testEnv) text(sender control.Sender, text string) {
	env.bot.HandleEvent(context.Background(), &control.TextEvent{Sender: sender, Text: text})
}

// verify walks sender through the whole access flow.
func (env *testEnv) verify(t *testing.T, sender control.Sender) {
	t.Helper()
	ctx := context.Background()
	env.access.RequestAccess(ctx, sender)
	iss, err := env.access.Grant(ctx, adminID, sender.ID)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	key, err := env.access.SendPasskey(ctx, adminID, sender.ID, iss.ID)
	if err != nil {
		t.Fatalf("SendPasskey: %v", err)
	}
	if err := env.access.Verify(ctx, sender, key); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func findButton(t *testing.T, msg control.OutgoingMessage, label string) control.Button {
	t.Helper()
	for _, b := range msg.Buttons {
		if b.Label == label {
			return b
		}
	}
	t.Fatalf("no %q button in %+v", label, msg.Buttons)
	return control.Button{}
}
