package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/estatehub/portal/common/logger"
)

// ErrClosed is returned when publishing to a closed queue
var ErrClosed = errors.New("queue closed")

// Queue interface for message passing
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// MemoryQueue is an in-process queue; each topic is served by one buffered channel
type MemoryQueue struct {
	topics map[string]chan *Message
	mu     sync.RWMutex
	log    *logger.Logger
	closed bool
	wg     sync.WaitGroup
}

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]chan *Message),
		log:    log,
	}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	ch, exists := q.topics[name]
	if !exists {
		ch = make(chan *Message, 1000) // Buffered channel
		q.topics[name] = ch
	}
	return ch
}

// Publish publishes a message to a topic. A full topic drops the message.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	ch := q.topic(topic)

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full, dropping message", "topic", topic, "key", key)
		return nil
	}
}

// Subscribe subscribes to a topic and processes messages until ctx is done
// or the queue is closed
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := q.topic(topic)
	q.wg.Add(1)
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close closes every topic and waits for subscribers to drain
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for topic, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", topic)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
