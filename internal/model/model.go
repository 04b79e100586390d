// Package model holds the records exchanged with the REST API and the
// realtime channel.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ID is a record identifier. The server emits ids as either JSON strings
// or numbers; both decode to the same string form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Notification is a server-created notification for the local user.
type Notification struct {
	ID        ID              `json:"id"`
	Type      string          `json:"type,omitempty"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IsRead    bool            `json:"is_read"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Message is a direct message exchanged with a conversation partner.
type Message struct {
	ID                    ID             `json:"id"`
	ConversationPartnerID ID             `json:"conversation_partner_id"`
	Content               string         `json:"content"`
	MessageType           string         `json:"message_type,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	IsSent                bool           `json:"is_sent"`
	IsRead                bool           `json:"is_read"`
	CreatedAt             time.Time      `json:"created_at"`
}

// Counts reports whether the message contributes to the unread counter:
// only received messages the local user has not read yet.
func (m *Message) Counts() bool {
	return !m.IsRead && !m.IsSent
}

// Conversation is the derived per-partner view of the message list.
type Conversation struct {
	PartnerID   ID        `json:"partner_id"`
	LastMessage Message   `json:"last_message"`
	Unread      int       `json:"unread"`
	Messages    []Message `json:"messages"`
}

// SendRequest is the body of POST /messages/send.
type SendRequest struct {
	RecipientID ID             `json:"recipient_id"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UserStatus is another user's last known presence.
type UserStatus struct {
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Count is the payload of the *_count_update push events.
type Count struct {
	Count int `json:"count"`
}

// TokenPayload is the payload of every outbound realtime event.
type TokenPayload struct {
	Token string `json:"token"`
}
