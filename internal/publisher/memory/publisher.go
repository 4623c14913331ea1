// Package memory keeps terminal-capture notifications in process. It is the
// default notifier when no Pub/Sub topic is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultRetain is the number of messages kept when New is given zero.
const DefaultRetain = 1000

// Message is one published notification in its wire form.
type Message struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"published_at"`
}

// Publisher retains the most recent messages, oldest evicted first.
type Publisher struct {
	mu       sync.RWMutex
	retain   int
	seq      int
	messages []Message
}

// New returns a Publisher retaining up to retain messages.
func New(retain int) *Publisher {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Publisher{retain: retain}
}

// Publish encodes payload as JSON, records it, and returns a sequential id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{
		ID:          fmt.Sprintf("memory-%d", p.seq),
		Topic:       topic,
		Data:        data,
		PublishedAt: time.Now().UTC(),
	}
	if len(p.messages) == p.retain {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns a copy of the retained messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
