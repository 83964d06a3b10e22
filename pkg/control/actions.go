// Copyright 2024-2026 Aiku AI

package control

import (
	"errors"
	"fmt"
)

// ErrMalformedAction is returned when a button payload does not describe
// a valid action.
var ErrMalformedAction = errors.New("malformed action")

// ActionKind tags an Action variant.
type ActionKind string

const (
	KindGrant         ActionKind = "grant"
	KindIgnore        ActionKind = "ignore"
	KindSendPasskey   ActionKind = "send_passkey"
	KindErasePasskey  ActionKind = "erase_passkey"
	KindLink          ActionKind = "link"
	KindUnlink        ActionKind = "unlink"
	KindUnlinkCancel  ActionKind = "unlink_cancel"
	KindView          ActionKind = "view"
	KindClear         ActionKind = "clear"
	KindBroadcast     ActionKind = "broadcast"
	KindDirect        ActionKind = "direct"
	KindDisconnectAll ActionKind = "disconnect_all"
)

// LinkMethod selects how a remote session is paired.
type LinkMethod string

const (
	LinkQRCode      LinkMethod = "qr"
	LinkPairingCode LinkMethod = "code"
)

// Action is a button press, decoded once at the channel boundary.
type Action interface {
	Kind() ActionKind
}

type GrantAction struct{ Target UserID }
type IgnoreAction struct{ Target UserID }

// SendPasskeyAction and ErasePasskeyAction reference one grant by its
// issuance ID, so the passkey itself never appears in a button.
type SendPasskeyAction struct {
	Target   UserID
	Issuance string
}

type ErasePasskeyAction struct {
	Target   UserID
	Issuance string
}

type LinkAction struct {
	Remote RemoteID
	Method LinkMethod
}

type UnlinkAction struct{ Remote RemoteID }
type UnlinkCancelAction struct{ Remote RemoteID }

type ViewAction struct {
	Remote RemoteID
	Page   int
}

type ClearAction struct{ Remote RemoteID }
type BroadcastAction struct{}
type DirectAction struct{ Target UserID }
type DisconnectAllAction struct{}

func (GrantAction) Kind() ActionKind         { return KindGrant }
func (IgnoreAction) Kind() ActionKind        { return KindIgnore }
func (SendPasskeyAction) Kind() ActionKind   { return KindSendPasskey }
func (ErasePasskeyAction) Kind() ActionKind  { return KindErasePasskey }
func (LinkAction) Kind() ActionKind          { return KindLink }
func (UnlinkAction) Kind() ActionKind        { return KindUnlink }
func (UnlinkCancelAction) Kind() ActionKind  { return KindUnlinkCancel }
func (ViewAction) Kind() ActionKind          { return KindView }
func (ClearAction) Kind() ActionKind         { return KindClear }
func (BroadcastAction) Kind() ActionKind     { return KindBroadcast }
func (DirectAction) Kind() ActionKind        { return KindDirect }
func (DisconnectAllAction) Kind() ActionKind { return KindDisconnectAll }

// Payload is the flat wire form of an Action.
type Payload struct {
	Kind     ActionKind `json:"k"`
	Target   UserID     `json:"t,omitempty"`
	Remote   RemoteID   `json:"r,omitempty"`
	Method   LinkMethod `json:"m,omitempty"`
	Issuance string     `json:"i,omitempty"`
	Page     int        `json:"p,omitempty"`
}

// EncodeAction flattens an action into its wire form.
func EncodeAction(action Action) Payload {
	switch a := action.(type) {
	case GrantAction:
		return Payload{Kind: KindGrant, Target: a.Target}
	case IgnoreAction:
		return Payload{Kind: KindIgnore, Target: a.Target}
	case SendPasskeyAction:
		return Payload{Kind: KindSendPasskey, Target: a.Target, Issuance: a.Issuance}
	case ErasePasskeyAction:
		return Payload{Kind: KindErasePasskey, Target: a.Target, Issuance: a.Issuance}
	case LinkAction:
		return Payload{Kind: KindLink, Remote: a.Remote, Method: a.Method}
	case UnlinkAction:
		return Payload{Kind: KindUnlink, Remote: a.Remote}
	case UnlinkCancelAction:
		return Payload{Kind: KindUnlinkCancel, Remote: a.Remote}
	case ViewAction:
		return Payload{Kind: KindView, Remote: a.Remote, Page: a.Page}
	case ClearAction:
		return Payload{Kind: KindClear, Remote: a.Remote}
	case DirectAction:
		return Payload{Kind: KindDirect, Target: a.Target}
	default:
		return Payload{Kind: action.Kind()}
	}
}

// DecodeAction validates a wire payload and returns the typed action.
func DecodeAction(p Payload) (Action, error) {
	needTarget := func() error {
		if p.Target == "" {
			return fmt.Errorf("%w: %s without target", ErrMalformedAction, p.Kind)
		}
		return nil
	}
	needRemote := func() (RemoteID, error) {
		remote, err := ParseRemoteID(string(p.Remote))
		if err != nil || remote != p.Remote {
			return "", fmt.Errorf("%w: %s with bad remote %q", ErrMalformedAction, p.Kind, p.Remote)
		}
		return remote, nil
	}

	switch p.Kind {
	case KindGrant, KindIgnore, KindDirect:
		if err := needTarget(); err != nil {
			return nil, err
		}
		switch p.Kind {
		case KindGrant:
			return GrantAction{Target: p.Target}, nil
		case KindIgnore:
			return IgnoreAction{Target: p.Target}, nil
		default:
			return DirectAction{Target: p.Target}, nil
		}
	case KindSendPasskey, KindErasePasskey:
		if err := needTarget(); err != nil {
			return nil, err
		}
		if p.Issuance == "" {
			return nil, fmt.Errorf("%w: %s without issuance", ErrMalformedAction, p.Kind)
		}
		if p.Kind == KindSendPasskey {
			return SendPasskeyAction{Target: p.Target, Issuance: p.Issuance}, nil
		}
		return ErasePasskeyAction{Target: p.Target, Issuance: p.Issuance}, nil
	case KindLink:
		remote, err := needRemote()
		if err != nil {
			return nil, err
		}
		if p.Method != LinkQRCode && p.Method != LinkPairingCode {
			return nil, fmt.Errorf("%w: unknown link method %q", ErrMalformedAction, p.Method)
		}
		return LinkAction{Remote: remote, Method: p.Method}, nil
	case KindUnlink, KindUnlinkCancel, KindClear, KindView:
		remote, err := needRemote()
		if err != nil {
			return nil, err
		}
		switch p.Kind {
		case KindUnlink:
			return UnlinkAction{Remote: remote}, nil
		case KindUnlinkCancel:
			return UnlinkCancelAction{Remote: remote}, nil
		case KindClear:
			return ClearAction{Remote: remote}, nil
		default:
			if p.Page < 0 {
				return nil, fmt.Errorf("%w: negative page", ErrMalformedAction)
			}
			return ViewAction{Remote: remote, Page: p.Page}, nil
		}
	case KindBroadcast:
		return BroadcastAction{}, nil
	case KindDisconnectAll:
		return DisconnectAllAction{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedAction, p.Kind)
	}
}

// IsSingleUse reports whether pressing the button should disable it.
func IsSingleUse(kind ActionKind) bool {
	switch kind {
	case KindGrant, KindIgnore, KindSendPasskey, KindErasePasskey, KindLink, KindUnlink, KindUnlinkCancel:
		return true
	default:
		return false
	}
}
