package transport

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by Send when the bot lacks the right to
	// post to the destination.
	ErrPermissionDenied = errors.New("transport: permission denied")
	// ErrUnknownDestination is returned when the destination does not exist
	// or is not a text destination.
	ErrUnknownDestination = errors.New("transport: unknown destination")
)

// Message is an incoming text message.
type Message struct {
	ID            string
	DestinationID int64 // chat / channel the message was posted in
	GuildID       int64 // discord only
	FromID        int64
	FromUsername  string
	Text          string
	IsGroup       bool
}

// Sender delivers text to a destination. It is the only capability the
// dispatch path needs.
type Sender interface {
	Send(ctx context.Context, destinationID int64, text string) error
}

type Adapter interface {
	Sender

	// Name is the platform name ("discord", "telegram").
	Name() string
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	// IsAdmin reports whether the author of msg holds administrative rights
	// where the message was posted. Platforms without the notion return false.
	IsAdmin(ctx context.Context, msg Message) (bool, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
