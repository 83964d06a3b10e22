// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wakeeper/pkg/archive"
	"github.com/aiku/wakeeper/pkg/control"
)

// fakeRemote is a RemoteSession driven by the test through emit.
type fakeRemote struct {
	events    chan RemoteEvent
	closeOnce sync.Once

	mu        sync.Mutex
	deleted   []string
	deleteErr error
	logoutErr error
	loggedOut bool
	closed    bool
	// deleteGate, when set, holds every SendDelete until it is closed.
	deleteGate    chan struct{}
	deleteStarted chan struct{}
	onLogout      func()
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{events: make(chan RemoteEvent, 16)}
}

func (r *fakeRemote) Events() <-chan RemoteEvent { return r.events }

func (r *fakeRemote) SendDelete(_ context.Context, msg *RemoteMessage) error {
	r.mu.Lock()
	r.deleted = append(r.deleted, msg.ID)
	gate, started, err := r.deleteGate, r.deleteStarted, r.deleteErr
	r.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		<-gate
	}
	return err
}

func (r *fakeRemote) Logout(context.Context) error {
	r.mu.Lock()
	hook := r.onLogout
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logoutErr != nil {
		return r.logoutErr
	}
	r.loggedOut = true
	return nil
}

// holdDeletes makes SendDelete block. started receives once per call;
// closing release lets every held call return.
func (r *fakeRemote) holdDeletes() (started <-chan struct{}, release chan<- struct{}) {
	gate := make(chan struct{})
	ch := make(chan struct{}, 4)
	r.mu.Lock()
	r.deleteGate, r.deleteStarted = gate, ch
	r.mu.Unlock()
	return ch, gate
}

func (r *fakeRemote) setOnLogout(fn func()) {
	r.mu.Lock()
	r.onLogout = fn
	r.mu.Unlock()
}

func (r *fakeRemote) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.events)
	})
}

func (r *fakeRemote) emit(evt RemoteEvent) {
	r.events <- evt
}

func (r *fakeRemote) setLogoutErr(err error) {
	r.mu.Lock()
	r.logoutErr = err
	r.mu.Unlock()
}

func (r *fakeRemote) deletedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

func (r *fakeRemote) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeProtocol struct {
	mu      sync.Mutex
	remotes map[control.SessionKey]*fakeRemote
	openErr map[control.SessionKey]error
	opened  []OpenParams
	forgot  []control.SessionKey
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{
		remotes: make(map[control.SessionKey]*fakeRemote),
		openErr: make(map[control.SessionKey]error),
	}
}

func (p *fakeProtocol) Open(_ context.Context, params OpenParams) (RemoteSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openErr[params.Key]; err != nil {
		return nil, err
	}
	r := newFakeRemote()
	p.remotes[params.Key] = r
	p.opened = append(p.opened, params)
	return r, nil
}

func (p *fakeProtocol) Forget(_ context.Context, key control.SessionKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgot = append(p.forgot, key)
	return nil
}

func (p *fakeProtocol) remote(key control.SessionKey) *fakeRemote {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remotes[key]
}

func (p *fakeProtocol) forgotten() []control.SessionKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]control.SessionKey(nil), p.forgot...)
}

type fakeAuth struct {
	mu       sync.Mutex
	verified map[control.UserID]bool
	linked   map[control.SessionKey]bool
}

func newFakeAuth(verified ...control.UserID) *fakeAuth {
	a := &fakeAuth{
		verified: make(map[control.UserID]bool),
		linked:   make(map[control.SessionKey]bool),
	}
	for _, u := range verified {
		a.verified[u] = true
	}
	return a
}

func (a *fakeAuth) IsVerified(user control.UserID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verified[user]
}

func (a *fakeAuth) HasLinkedIdentity(user control.UserID, remote control.RemoteID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.linked[control.MakeSessionKey(user, remote)]
}

func (a *fakeAuth) AllLinkedIdentities() []control.SessionKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]control.SessionKey, 0, len(a.linked))
	for key := range a.linked {
		keys = append(keys, key)
	}
	return keys
}

func (a *fakeAuth) AddLinkedIdentity(_ context.Context, user control.UserID, remote control.RemoteID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.verified[user] {
		return errors.New("not verified")
	}
	a.linked[control.MakeSessionKey(user, remote)] = true
	return nil
}

func (a *fakeAuth) RemoveLinkedIdentity(_ context.Context, user control.UserID, remote control.RemoteID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.linked, control.MakeSessionKey(user, remote))
	return nil
}

type note struct {
	kind     string
	key      control.SessionKey
	code     string
	restored bool
	info     CloseInfo
	err      error
}

// recordingNotifier forwards every notification to a buffered channel.
type recordingNotifier struct {
	notes chan note
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notes: make(chan note, 64)}
}

func (n *recordingNotifier) LinkCode(_ context.Context, key control.SessionKey, _ control.LinkMethod, code string) {
	n.notes <- note{kind: "code", key: key, code: code}
}

func (n *recordingNotifier) Linked(_ context.Context, key control.SessionKey, restored bool) {
	n.notes <- note{kind: "linked", key: key, restored: restored}
}

func (n *recordingNotifier) Closed(_ context.Context, key control.SessionKey, info CloseInfo) {
	n.notes <- note{kind: "closed", key: key, info: info}
}

func (n *recordingNotifier) CaptureFailed(_ context.Context, key control.SessionKey, err error) {
	n.notes <- note{kind: "capture_failed", key: key, err: err}
}

func (n *recordingNotifier) RestoreFailed(_ context.Context, key control.SessionKey, err error) {
	n.notes <- note{kind: "restore_failed", key: key, err: err}
}

func (n *recordingNotifier) next(t *testing.T, kind string) note {
	t.Helper()
	select {
	case got := <-n.notes:
		if got.kind != kind {
			t.Fatalf("notification: got %q, want %q", got.kind, kind)
		}
		return got
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q notification", kind)
		return note{}
	}
}

func (n *recordingNotifier) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-n.notes:
		t.Fatalf("unexpected %q notification", got.kind)
	default:
	}
}

type testEnv struct {
	protocol *fakeProtocol
	auth     *fakeAuth
	archive  *archive.Store
	notify   *recordingNotifier
	manager  *Manager
}

const (
	testUser   control.UserID   = "user1"
	testRemote control.RemoteID = "15551234567"
)

var testKey = control.MakeSessionKey(testUser, testRemote)

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		protocol: newFakeProtocol(),
		auth:     newFakeAuth(testUser),
		archive:  archive.New(t.TempDir(), archive.Options{}, zerolog.Nop()),
		notify:   newRecordingNotifier(),
	}
	env.manager = NewManager(env.protocol, env.auth, env.archive, env.notify, opts, zerolog.Nop())
	t.Cleanup(env.manager.Close)
	return env
}

// linkOpen links testKey and drives it to the open state.
func (env *testEnv) linkOpen(t *testing.T) *fakeRemote {
	t.Helper()
	if err := env.manager.Link(context.Background(), testUser, testRemote, control.LinkQRCode); err != nil {
		t.Fatalf("Link: %v", err)
	}
	remote := env.protocol.remote(testKey)
	remote.emit(RemoteEvent{Type: EventLinking, Code: "qr-1"})
	if got := env.notify.next(t, "code"); got.code != "qr-1" {
		t.Fatalf("code: got %q, want qr-1", got.code)
	}
	remote.emit(RemoteEvent{Type: EventLinked})
	env.notify.next(t, "linked")
	return remote
}

func textMessage(id, text string, fromMe bool) *RemoteMessage {
	return &RemoteMessage{ID: id, Chat: "15550000000@s.whatsapp.net", FromMe: fromMe, Text: &text}
}
