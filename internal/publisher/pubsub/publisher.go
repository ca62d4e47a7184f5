// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

type resultGetter interface {
	Get(ctx context.Context) (string, error)
}

type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) resultGetter
	Stop()
}

type topicAdapter struct {
	t *pubsub.Topic
}

func (a topicAdapter) Publish(ctx context.Context, msg *pubsub.Message) resultGetter {
	return a.t.Publish(ctx, msg)
}

func (a topicAdapter) Stop() {
	a.t.Stop()
}

// Publisher publishes JSON events, caching one topic handle per topic name.
type Publisher struct {
	openTopic func(name string) topic
	closeFn   func() error

	mu     sync.Mutex
	topics map[string]topic
}

// New creates a Publisher on top of an existing client. Close stops the cached
// topics but leaves the client to its owner.
func New(client *pubsub.Client) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	return newPublisher(func(name string) topic {
		return topicAdapter{t: client.Topic(name)}
	}, nil), nil
}

// Dial creates a client for projectID and a Publisher that owns it.
func Dial(ctx context.Context, projectID string) (*Publisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p, _ := New(client)
	p.closeFn = client.Close
	return p, nil
}

func newPublisher(open func(name string) topic, closeFn func() error) *Publisher {
	return &Publisher{
		openTopic: open,
		closeFn:   closeFn,
		topics:    make(map[string]topic),
	}
}

// Publish marshals the payload to JSON and waits for the server-assigned ID.
func (p *Publisher) Publish(ctx context.Context, topicName string, payload any) (string, error) {
	if topicName == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	id, err := p.topic(topicName).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.openTopic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes and stops every cached topic, then closes an owned client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	if p.closeFn != nil {
		if err := p.closeFn(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
