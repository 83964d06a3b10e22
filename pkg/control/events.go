// Copyright 2024-2026 Aiku AI

package control

import "context"

// Sender is the author of an inbound event.
type Sender struct {
	ID   UserID
	Name string
}

// Event is an inbound control-channel event.
type Event interface {
	From() Sender
}

// CommandEvent is a message starting with the command prefix.
type CommandEvent struct {
	Sender
	Command string
	Args    []string
}

// ActionEvent is a button press. Message is the post carrying the button.
type ActionEvent struct {
	Sender
	Action  Action
	Message MessageRef
}

// TextEvent is any other message. HasMedia is set when files were attached.
type TextEvent struct {
	Sender
	Text     string
	HasMedia bool
}

func (s Sender) From() Sender { return s }

// Handler consumes inbound events.
type Handler interface {
	HandleEvent(ctx context.Context, evt Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, evt Event) {
	f(ctx, evt)
}
