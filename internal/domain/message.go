package domain

import "github.com/google/uuid"

// SourceXMTP tags every piece of content that entered or left through XMTP.
const SourceXMTP = "xmtp"

// InboundMessage is a decoded XMTP message as handed over by the transport.
type InboundMessage struct {
	ID      string         `json:"id"`
	Content MessageContent `json:"content"`
	Sender  Sender         `json:"sender"`
	Group   Group          `json:"group"`
}

type MessageContent struct {
	Text *string `json:"text,omitempty"`
}

// TextOrEmpty returns the message text, or "" when the message carried none.
func (c MessageContent) TextOrEmpty() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

type Sender struct {
	Address string `json:"address"`
}

type Group struct {
	ID string `json:"id"`
}

// SendRequest is one outbound reply on the channel the original message came from.
type SendRequest struct {
	Message         string         `json:"message"`
	OriginalMessage InboundMessage `json:"originalMessage"`
	Metadata        map[string]any `json:"metadata"`
}

// Content is the normalized payload stored in memories and exchanged with the model.
type Content struct {
	Text        string       `json:"text"`
	Source      string       `json:"source,omitempty"`
	InReplyTo   *uuid.UUID   `json:"inReplyTo,omitempty"`
	Action      string       `json:"action,omitempty"`
	User        string       `json:"user,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Source      string `json:"source,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text,omitempty"`
}

// UserMessage is the request handed to state composition. It is never persisted.
type UserMessage struct {
	Content Content
	UserID  uuid.UUID
	RoomID  uuid.UUID
	AgentID uuid.UUID
}

// Memory is one persisted message, authored either by a user or by the agent.
type Memory struct {
	ID        uuid.UUID `json:"id"`
	AgentID   uuid.UUID `json:"agentId"`
	UserID    uuid.UUID `json:"userId"`
	RoomID    uuid.UUID `json:"roomId"`
	Content   Content   `json:"content"`
	CreatedAt int64     `json:"createdAt"` // unix millis
}
