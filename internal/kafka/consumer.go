package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when processing succeeded and the offset may be
// committed. On a non-nil error the consumer retries the same message with
// backoff instead of advancing; handlers must be replay-safe.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	commit  func(ctx context.Context, m kafka.Message) error
	workers int
	backoff time.Duration
	log     zerolog.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:       r,
		commit:  func(ctx context.Context, m kafka.Message) error { return r.CommitMessages(ctx, m) },
		workers: workers,
		backoff: 200 * time.Millisecond,
		log:     log.With().Str("group", group).Str("topic", topic).Logger(),
	}
}

// Start routes each message to a queue by partition, so one worker handles a
// partition's messages strictly in offset order. Committing offset N in
// kafka-go covers every offset below N, so a message commits only after it and
// all earlier messages on its partition were handled.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	queues := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				c.process(ctx, h, m)
			}
		}(queues[i])
	}
	stop := func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			stop()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		select {
		case queues[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// process blocks on one message until it is handled and committed, or the
// context ends. The worker never moves past a failing message, so a later
// commit cannot cover an unprocessed offset. A commit failure re-runs the
// handler; handlers are replay-safe.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	backoff := c.backoff
	const maxBackoff = 10 * time.Second
	for {
		err := h(ctx, m)
		if err == nil {
			if err = c.commit(ctx, m); err == nil {
				return
			}
			c.log.Error().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("commit failed, retrying")
		} else {
			c.log.Warn().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("handler failed, retrying message")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
