// Copyright 2024-2026 Aiku AI

// Package control defines the vocabulary shared by the bot core and the
// control-channel adapter: user and remote identities, inbound events,
// typed button actions and the outbound Channel interface.
//
// Buttons never carry raw state. Each one carries an action token signed
// by TokenSigner and bound to the user it was sent to, so a forged or
// replayed press from another account is rejected before it is decoded.
package control
