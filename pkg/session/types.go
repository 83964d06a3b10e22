// Copyright 2024-2026 Aiku AI

package session

import (
	"context"
	"errors"
	"time"

	"github.com/aiku/wakeeper/pkg/archive"
	"github.com/aiku/wakeeper/pkg/control"
)

var (
	ErrAlreadyLinked  = errors.New("remote identity is already linked")
	ErrNotLinked      = errors.New("remote identity is not linked")
	ErrUnlinkFailed   = errors.New("failed to log out remote session")
	ErrLinkInProgress = errors.New("link already in progress")
	ErrNotVerified    = errors.New("user is not verified")
	// ErrSessionClosedUnexpectedly is reported in CloseInfo when the remote
	// side ended a session without an unlink.
	ErrSessionClosedUnexpectedly = errors.New("session closed unexpectedly")
	// ErrNoCredentials is returned by a Protocol when restoring a session
	// whose stored credentials are missing or were revoked.
	ErrNoCredentials = errors.New("no stored credentials")
)

// OpenParams describes a session to open.
type OpenParams struct {
	Key    control.SessionKey
	Method control.LinkMethod
	// Restore reopens a previously linked session from stored credentials
	// instead of pairing a new device.
	Restore bool
}

// Protocol is the remote messaging protocol adapter.
type Protocol interface {
	// Open starts a session. Its lifetime is bound to ctx.
	Open(ctx context.Context, params OpenParams) (RemoteSession, error)
	// Forget deletes stored credentials for a key with no open session.
	Forget(ctx context.Context, key control.SessionKey) error
}

// RemoteSession is one open connection owned by the manager.
type RemoteSession interface {
	// Events yields linking, linked, message and closed events. The channel
	// is closed after the session ends.
	Events() <-chan RemoteEvent
	SendDelete(ctx context.Context, msg *RemoteMessage) error
	Logout(ctx context.Context) error
	// Close disconnects without logging out.
	Close()
}

// EventType tags a RemoteEvent.
type EventType int

const (
	EventLinking EventType = iota
	EventLinked
	EventMessage
	EventClosed
)

// RemoteEvent is emitted by a RemoteSession.
type RemoteEvent struct {
	Type EventType
	// Code is the QR or pairing code for EventLinking.
	Code string
	// Reason describes an EventClosed.
	Reason  string
	Message *RemoteMessage
}

// Media is a downloaded attachment.
type Media struct {
	Data     []byte
	FileName string
	MimeType string
}

// RemoteMessage is a message observed on a remote session. At most one of
// the content fields is set; Raw carries content of any other shape.
type RemoteMessage struct {
	ID        string
	Chat      string
	FromMe    bool
	Timestamp time.Time

	Text     *string
	Image    *Media
	Video    *Media
	Voice    *Media
	Document *Media
	Raw      []byte
}

// Authorizer is the subset of access control the manager needs.
type Authorizer interface {
	IsVerified(user control.UserID) bool
	HasLinkedIdentity(user control.UserID, remote control.RemoteID) bool
	AllLinkedIdentities() []control.SessionKey
	AddLinkedIdentity(ctx context.Context, user control.UserID, remote control.RemoteID) error
	RemoveLinkedIdentity(ctx context.Context, user control.UserID, remote control.RemoteID) error
}

// Archive is the deleted-message store.
type Archive interface {
	Append(ctx context.Context, key control.SessionKey, p archive.Payload) (archive.Entry, error)
	Clear(ctx context.Context, key control.SessionKey) error
}

// CloseInfo describes why a session ended.
type CloseInfo struct {
	Reason string
	// Explicit is set for a user-requested unlink or cancellation.
	Explicit bool
	// WasOpen is set if the session had finished linking.
	WasOpen bool
	// Purged is set if the archive for the key was deleted.
	Purged bool
	// Err is ErrSessionClosedUnexpectedly for remote-initiated closes.
	Err error
}

// Notifier receives session lifecycle notifications for delivery to users.
type Notifier interface {
	LinkCode(ctx context.Context, key control.SessionKey, method control.LinkMethod, code string)
	Linked(ctx context.Context, key control.SessionKey, restored bool)
	Closed(ctx context.Context, key control.SessionKey, info CloseInfo)
	CaptureFailed(ctx context.Context, key control.SessionKey, err error)
	RestoreFailed(ctx context.Context, key control.SessionKey, err error)
}
