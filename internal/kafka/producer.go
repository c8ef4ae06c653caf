package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrPublishTimeout means the broker did not confirm the write within the
// configured timeout. The message may or may not have been accepted; callers
// retry with the same key so the consumer-side dedup absorbs any duplicate.
var ErrPublishTimeout = errors.New("publish not confirmed within timeout")

type Producer struct {
	w        *kafka.Writer
	timeout  time.Duration
	attempts int
}

func NewProducer(brokers []string, topic string, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: timeout,
		},
		timeout:  timeout,
		attempts: 3,
	}
}

// Publish blocks until the broker confirms the write or the timeout elapses.
// Transient failures are retried with backoff before giving up.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	msg := kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}

	backoff := 100 * time.Millisecond
	var err error
	for i := 0; i < p.attempts; i++ {
		wctx, cancel := context.WithTimeout(ctx, p.timeout)
		err = p.w.WriteMessages(wctx, msg)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
	}
	return fmt.Errorf("publish: %w", err)
}

func (p *Producer) Close() error { return p.w.Close() }
