// Package memory records run notifications in process. It is used when no
// Pub/Sub topic is configured and by tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

// Message is one recorded publish, encoded the way Pub/Sub would carry it.
type Message struct {
	Topic      string
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Publisher implements crawler.Publisher in memory.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

var _ crawler.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload as JSON and records it under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var attrs map[string]string
	if a, ok := payload.(crawler.Attributed); ok {
		attrs = maps.Clone(a.Attributes())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{Topic: topic, ID: id, Data: data, Attributes: attrs})
	return id, nil
}

// Messages returns a copy of the messages published to topic, or of every
// message when topic is empty.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
