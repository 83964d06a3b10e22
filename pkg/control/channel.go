// Copyright 2024-2026 Aiku AI

package control

import "context"

// Button is an action button attached to an outgoing message.
type Button struct {
	Label  string
	Action Action
	// Style is a hint for the renderer: "primary", "danger" or empty.
	Style string
}

// File is an attachment on an outgoing message.
type File struct {
	Name string
	Data []byte
}

// OutgoingMessage is a message sent by the bot.
type OutgoingMessage struct {
	Text    string
	Buttons []Button
	Files   []File
}

// Text is a shorthand for a message with only text.
func Text(text string) OutgoingMessage {
	return OutgoingMessage{Text: text}
}

// Channel is the outbound side of the control channel.
type Channel interface {
	SendMessage(ctx context.Context, to UserID, msg OutgoingMessage) (MessageRef, error)
	// EditActions replaces the buttons on a message; nil removes them.
	EditActions(ctx context.Context, ref MessageRef, buttons []Button) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}
