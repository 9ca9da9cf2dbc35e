// Package transport defines the outbound delivery adapters used for reminders
// and log alerts.
package transport

import (
	"context"
	"errors"
)

// ErrPermanent marks a send failure that must not be retried (bad target,
// blocked bot, malformed text).
var ErrPermanent = errors.New("permanent delivery failure")

// Target addresses one recipient. Chat based adapters use ChatID/ThreadID,
// the others use Address.
type Target struct {
	Channel  string `json:"channel,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Address  string `json:"address,omitempty"`
}

func (t Target) IsZero() bool { return t.ChatID == 0 && t.Address == "" }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Command is an inbound chat command, e.g. "/complete rule-1".
type Command struct {
	Name   string
	Args   []string
	ChatID int64
	FromID int64
}

// CommandHandler answers an inbound command with a reply text.
type CommandHandler func(ctx context.Context, cmd Command) (string, error)

type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to Target, text string, opt *SendOptions) (MessageRef, error)
}

// CommandSource is implemented by adapters that can receive commands.
type CommandSource interface {
	HandleCommands(h CommandHandler)
}
