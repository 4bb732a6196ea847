package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("queue closed")

// InMemoryQueue delivers to in-process subscribers with retry. It is
// used when no broker is configured and in tests.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]func(payload any) error
	closed   bool
	done     chan struct{}
	inflight sync.WaitGroup

	MaxRetries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	Log     zerolog.Logger
}

func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		done:       make(chan struct{}),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		Log:        log,
	}
}

type delivery struct {
	topic   string
	payload any
	handler func(payload any) error
}

// Publish fans payload out to every subscriber of topic, one goroutine
// per subscriber.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	handlers := q.handlers[topic]
	if len(handlers) == 0 {
		q.mu.Unlock()
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	q.inflight.Add(len(handlers))
	q.mu.Unlock()

	for _, h := range handlers {
		go q.deliver(delivery{topic: topic, payload: payload, handler: h})
	}
	return nil
}

func (q *InMemoryQueue) deliver(d delivery) {
	defer q.inflight.Done()
	log := q.Log.With().Str("topic", d.topic).Logger()

	for attempt := 1; ; attempt++ {
		err := d.handler(d.payload)
		if err == nil {
			log.Debug().Int("attempt", attempt).Msg("job processed")
			return
		}
		if attempt > q.MaxRetries {
			log.Error().Err(err).Int("attempts", attempt).Msg("job permanently failed")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max_retries", q.MaxRetries).Msg("job failed, retrying")

		select {
		case <-q.done:
			log.Warn().Msg("queue closed, abandoning retries")
			return
		case <-time.After(time.Duration(attempt) * q.Backoff):
		}
	}
}

func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished, including retries.
func (q *InMemoryQueue) Wait() {
	q.inflight.Wait()
}

// Close stops accepting jobs, cuts pending retry waits short and waits
// for running handlers to return.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.inflight.Wait()
	return nil
}
