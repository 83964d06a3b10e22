// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"

	"go.mau.fi/whatsmeow"

	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/session"
)

// pairClientName is shown on the phone when confirming a pairing code.
const pairClientName = "Chrome (Linux)"

// pairFunc requests a pairing code for a phone number.
type pairFunc func(ctx context.Context, phone string) (string, error)

// watchLink forwards linking progress from the QR channel. With the QR
// method every code is forwarded. With the pairing-code method the first QR
// code only signals that the connection is ready; a pairing code is
// requested once and forwarded instead.
func (s *remoteSession) watchLink(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem, remote control.RemoteID, method control.LinkMethod) {
	pair := func(ctx context.Context, phone string) (string, error) {
		return s.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, pairClientName)
	}
	s.followLink(ctx, qrChan, remote, method, pair)
}

func (s *remoteSession) followLink(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem, remote control.RemoteID, method control.LinkMethod, pair pairFunc) {
	paired := false
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if method != control.LinkPairingCode {
				s.emit(session.RemoteEvent{Type: session.EventLinking, Code: item.Code})
				continue
			}
			if paired {
				continue
			}
			paired = true
			code, err := pair(ctx, string(remote))
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to request pairing code")
				s.end("pairing code request failed")
				return
			}
			s.emit(session.RemoteEvent{Type: session.EventLinking, Code: code})
		case whatsmeow.QRChannelSuccess.Event:
			s.log.Debug().Msg("Pairing succeeded")
			return
		case whatsmeow.QRChannelTimeout.Event:
			s.end("link code expired")
			return
		case whatsmeow.QRChannelEventError:
			s.log.Warn().Err(item.Error).Msg("Linking failed")
			s.end("linking failed")
			return
		default:
			s.end("linking failed: " + item.Event)
			return
		}
	}
}
