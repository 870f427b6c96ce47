package display

import (
	"context"
	"fmt"
	"sync"
)

// Message is one rendered message on a MemorySurface.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// MemorySurface is an in-process Surface holding per-channel message
// lists. It backs the HTTP gateway, which exposes the messages for
// clients to poll, and doubles as a capture surface in tests.
//
// MemorySurface is safe for concurrent use by multiple goroutines.
type MemorySurface struct {
	mu       sync.Mutex
	channels map[string][]*Message
	nextID   int
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{channels: make(map[string][]*Message)}
}

// Send appends a message to the channel.
func (m *MemorySurface) Send(_ context.Context, channelID, text string) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg := &Message{
		ID:        fmt.Sprintf("%d", m.nextID),
		ChannelID: channelID,
		Text:      text,
	}
	m.channels[channelID] = append(m.channels[channelID], msg)
	return MessageRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

// Edit replaces the text of an existing message. Editing an unknown ref
// is an error; retrying an identical edit is a no-op.
func (m *MemorySurface) Edit(_ context.Context, ref MessageRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.channels[ref.ChannelID] {
		if msg.ID == ref.MessageID {
			msg.Text = text
			return nil
		}
	}
	return fmt.Errorf("message %s not found in channel %s", ref.MessageID, ref.ChannelID)
}

// Messages returns a copy of the channel's messages in send order.
func (m *MemorySurface) Messages(channelID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.channels[channelID]
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, *msg)
	}
	return out
}
