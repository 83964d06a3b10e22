// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/session"
)

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

func newDetachedSession(t *testing.T) (*remoteSession, *closeCounter) {
	t.Helper()
	db := &closeCounter{}
	return newRemoteSession(context.Background(), nil, db, t.TempDir(), zerolog.Nop()), db
}

func nextEvent(t *testing.T, ch <-chan session.RemoteEvent) (session.RemoteEvent, bool) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		return evt, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return session.RemoteEvent{}, false
	}
}

func TestRemoteSession_CloseEndsEvents(t *testing.T) {
	t.Parallel()
	s, db := newDetachedSession(t)

	s.emit(session.RemoteEvent{Type: session.EventLinked})
	s.Close()
	s.Close()
	s.emit(session.RemoteEvent{Type: session.EventLinked})

	if evt, ok := nextEvent(t, s.Events()); !ok || evt.Type != session.EventLinked {
		t.Fatalf("expected buffered linked event, got %+v %v", evt, ok)
	}
	if _, ok := nextEvent(t, s.Events()); ok {
		t.Fatal("events should be closed after Close")
	}
	if db.n.Load() != 1 {
		t.Errorf("device store closed %d times, want 1", db.n.Load())
	}
}

func TestRemoteSession_CloseUnblocksEmit(t *testing.T) {
	t.Parallel()
	s, _ := newDetachedSession(t)
	for range cap(s.events) {
		s.emit(session.RemoteEvent{Type: session.EventLinking, Code: "x"})
	}

	done := make(chan struct{})
	go func() {
		s.emit(session.RemoteEvent{Type: session.EventLinked})
		close(done)
	}()
	s.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit should return once the session is closed")
	}
}

func TestRemoteSession_EndReportsReason(t *testing.T) {
	t.Parallel()
	s, _ := newDetachedSession(t)

	go s.end("logged out from the phone")
	evt, ok := nextEvent(t, s.Events())
	if !ok || evt.Type != session.EventClosed || evt.Reason != "logged out from the phone" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if _, ok := nextEvent(t, s.Events()); ok {
		t.Fatal("events should be closed after the session ended")
	}
	s.end("disconnected")
}

func qrItems(items ...whatsmeow.QRChannelItem) <-chan whatsmeow.QRChannelItem {
	ch := make(chan whatsmeow.QRChannelItem, len(items))
	for _, item := range items {
		ch <- item
	}
	close(ch)
	return ch
}

func codeItem(code string) whatsmeow.QRChannelItem {
	return whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: code}
}

func TestFollowLink_QRForwardsEveryCode(t *testing.T) {
	t.Parallel()
	s, _ := newDetachedSession(t)
	noPair := func(context.Context, string) (string, error) {
		t.Error("QR linking should not request a pairing code")
		return "", nil
	}

	s.followLink(context.Background(), qrItems(codeItem("qr1"), codeItem("qr2"), whatsmeow.QRChannelSuccess),
		"15551234567", control.LinkQRCode, noPair)

	for _, want := range []string{"qr1", "qr2"} {
		evt, _ := nextEvent(t, s.Events())
		if evt.Type != session.EventLinking || evt.Code != want {
			t.Errorf("got %+v, want code %q", evt, want)
		}
	}
	select {
	case evt := <-s.Events():
		t.Errorf("unexpected event after success: %+v", evt)
	default:
	}
}

func TestFollowLink_PairingCodeRequestedOnce(t *testing.T) {
	t.Parallel()
	s, _ := newDetachedSession(t)
	var calls atomic.Int32
	pair := func(_ context.Context, phone string) (string, error) {
		calls.Add(1)
		if phone != "15551234567" {
			t.Errorf("unexpected phone %q", phone)
		}
		return "ABCD-EFGH", nil
	}

	s.followLink(context.Background(), qrItems(codeItem("qr1"), codeItem("qr2"), whatsmeow.QRChannelSuccess),
		"15551234567", control.LinkPairingCode, pair)

	evt, _ := nextEvent(t, s.Events())
	if evt.Type != session.EventLinking || evt.Code != "ABCD-EFGH" {
		t.Errorf("unexpected event: %+v", evt)
	}
	if calls.Load() != 1 {
		t.Errorf("pairing code requested %d times, want 1", calls.Load())
	}
}

func TestFollowLink_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		items  []whatsmeow.QRChannelItem
		method control.LinkMethod
		pair   pairFunc
		reason string
	}{
		{
			name:   "timeout",
			items:  []whatsmeow.QRChannelItem{codeItem("qr1"), whatsmeow.QRChannelTimeout},
			method: control.LinkQRCode,
			reason: "link code expired",
		},
		{
			name:   "pair error",
			items:  []whatsmeow.QRChannelItem{codeItem("qr1")},
			method: control.LinkPairingCode,
			pair: func(context.Context, string) (string, error) {
				return "", errors.New("rate limited")
			},
			reason: "pairing code request failed",
		},
		{
			name:   "scanned without multidevice",
			items:  []whatsmeow.QRChannelItem{whatsmeow.QRChannelScannedWithoutMultidevice},
			method: control.LinkQRCode,
			reason: "linking failed: " + whatsmeow.QRChannelScannedWithoutMultidevice.Event,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newDetachedSession(t)
			go s.followLink(context.Background(), qrItems(tt.items...), "15551234567", tt.method, tt.pair)

			var last session.RemoteEvent
			for {
				evt, ok := nextEvent(t, s.Events())
				if !ok {
					break
				}
				last = evt
			}
			if last.Type != session.EventClosed || last.Reason != tt.reason {
				t.Errorf("got %+v, want closed with %q", last, tt.reason)
			}
		})
	}
}
