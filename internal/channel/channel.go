// Package channel connects the orchestrator to a chat client.
//
// The chat client itself is external; this package defines the message
// shapes exchanged with it and a JSON-lines adapter over stdio, which is
// how the binary is driven when no client is attached.
package channel

import (
	"context"
	"sync"
	"time"
)

// Inbound is a normalized chat message.
type Inbound struct {
	SenderID  string `json:"senderId"`
	GroupID   string `json:"groupId"`
	ChatID    string `json:"chatId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// Time returns the message timestamp.
func (m Inbound) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Reply is an outbound chat message.
type Reply struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// Sender delivers replies to the chat client.
type Sender interface {
	Send(ctx context.Context, r Reply) error
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, m Inbound)

// Memory records replies. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	replies []Reply
	Err     error
}

// Send records r, or returns Err when set.
func (m *Memory) Send(ctx context.Context, r Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.replies = append(m.replies, r)
	return nil
}

// Replies returns a copy of everything sent.
func (m *Memory) Replies() []Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reply, len(m.replies))
	copy(out, m.replies)
	return out
}
