package bot

import "context"

// Sender identifies the author of an inbound message.
type Sender struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name,omitempty"`
}

// NormalizedMessage is the platform-independent shape every adapter
// delivers to the bot.
type NormalizedMessage struct {
	ID        string                 `json:"id"`
	Text      string                 `json:"text"`
	Sender    Sender                 `json:"sender"`
	Timestamp int64                  `json:"timestamp"`
	Channel   string                 `json:"channel,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Platform is the adapter capability set the bot consumes. Concrete
// chat integrations implement it elsewhere.
type Platform interface {
	// Name returns the platform identifier used in session keys.
	Name() string
	// SendMessage posts content to a channel and returns the platform
	// message id.
	SendMessage(ctx context.Context, channel, content string) (string, error)
	// EditMessage replaces the content of a previously sent message.
	EditMessage(ctx context.Context, channel, messageID, content string) error
	// StartTypingLoop keeps a typing indicator alive until stopped.
	StartTypingLoop(channel string)
	// StopTypingLoop ends the typing indicator for a channel.
	StopTypingLoop(channel string)
	// Stop shuts the adapter down.
	Stop(ctx context.Context) error
}
