package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commitRecorder struct {
	mu      sync.Mutex
	offsets []int64
	err     error
}

func (r *commitRecorder) commit(_ context.Context, m kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.offsets = append(r.offsets, m.Offset)
	return nil
}

func testConsumer(rec *commitRecorder) *Consumer {
	return &Consumer{
		commit:  rec.commit,
		workers: 1,
		backoff: time.Millisecond,
		log:     zerolog.Nop(),
	}
}

func TestProcessRetriesSameMessageUntilHandled(t *testing.T) {
	rec := &commitRecorder{}
	c := testConsumer(rec)

	attempts := 0
	h := func(context.Context, kafka.Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("order row not visible yet")
		}
		return nil
	}

	c.process(context.Background(), h, kafka.Message{Partition: 0, Offset: 5})

	assert.Equal(t, 3, attempts)
	require.Equal(t, []int64{5}, rec.offsets)
}

func TestProcessNeverCommitsFailedMessage(t *testing.T) {
	rec := &commitRecorder{}
	c := testConsumer(rec)
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	h := func(context.Context, kafka.Message) error {
		attempts++
		if attempts == 4 {
			cancel()
		}
		return errors.New("storage down")
	}

	c.process(ctx, h, kafka.Message{Partition: 1, Offset: 9})

	assert.GreaterOrEqual(t, attempts, 4)
	assert.Empty(t, rec.offsets)
}

func TestProcessCommitsInQueueOrder(t *testing.T) {
	rec := &commitRecorder{}
	c := testConsumer(rec)

	failedOnce := false
	h := func(_ context.Context, m kafka.Message) error {
		if m.Offset == 5 && !failedOnce {
			failedOnce = true
			return errors.New("transient")
		}
		return nil
	}

	// same partition, in offset order, as one worker sees them
	for _, off := range []int64{5, 6, 7} {
		c.process(context.Background(), h, kafka.Message{Partition: 0, Offset: off})
	}

	require.Equal(t, []int64{5, 6, 7}, rec.offsets)
}
