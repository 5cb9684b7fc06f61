package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	// ReplyToID is the id of the message this one replies to (0 if none).
	ReplyToID int
	IsGroup   bool
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	MessageID    int
	Data         string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Silent suppresses the client-side notification (used for channel posts).
	Silent bool
	// ReplyMarkup is adapter-specific markup (Telegram: *telebot.ReplyMarkup).
	ReplyMarkup any
}

// Adapter is one live bot session against the chat transport.
//
// Start opens the receive loop and pushes updates into out until ctx is
// canceled or Stop is called. Construction validates the credential, so a
// rejected token surfaces before any session state exists.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Forward(ctx context.Context, from ChatTarget, messageID int, to ChatTarget) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// AdapterFactory opens a new session for the given credential. The registry
// uses it so tests can substitute an in-memory transport.
type AdapterFactory func(token string) (Adapter, error)
