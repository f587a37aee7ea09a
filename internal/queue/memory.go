package queue

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher records published payloads per topic. Used by tests and
// local runs.
type MemoryPublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	// Err, when set, is returned by every Publish.
	Err error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{published: make(map[string][][]byte)}
}

func (p *MemoryPublisher) Publish(_ context.Context, topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if topic == "" {
		return errors.New("publish: empty topic")
	}
	p.published[topic] = append(p.published[topic], append([]byte(nil), body...))
	return nil
}

// Published returns the payloads published to topic, oldest first.
func (p *MemoryPublisher) Published(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.published[topic]))
	copy(out, p.published[topic])
	return out
}
