//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/kafka"
)

// uniqueTopic returns a topic name unique to this test run to avoid
// cross-test interference on a shared Kafka broker.
func uniqueTopic(base string) string {
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

func TestKafka_TaskMessage_RoundTrip(t *testing.T) {
	topic := uniqueTopic("test-roundtrip")
	createTopic(t, topic)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	msg := domain.TaskMessage{TaskID: "task-1", Kind: domain.MsgContinue}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, topic, msg.TaskID, payload))

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, "group-roundtrip", slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	received := make(chan kafka.Message, 1)
	consumerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	go func() {
		consumer.Subscribe(consumerCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			received <- m
			cancel() // stop after first message
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, "task-1", string(got.Key))
		var decoded domain.TaskMessage
		require.NoError(t, json.Unmarshal(got.Value, &decoded))
		assert.Equal(t, domain.MsgContinue, decoded.Kind)
	case <-consumerCtx.Done():
		t.Fatal("timed out waiting for Kafka message")
	}
}

// TestKafka_Consumer_OffsetNotCommittedOnError verifies the at-least-once
// delivery guarantee: when a handler returns an error the offset is not
// committed, and a new consumer in the same group receives the message again.
func TestKafka_Consumer_OffsetNotCommittedOnError(t *testing.T) {
	topic := uniqueTopic("test-no-commit")
	createTopic(t, topic)
	groupID := fmt.Sprintf("group-no-commit-%d", time.Now().UnixNano())

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	payload := []byte(`{"task_id":"task-1","kind":"continue"}`)
	require.NoError(t, producer.Publish(ctx, topic, "task-1", payload))

	// Consumer 1: returns error → offset NOT committed.
	consumer1 := kafka.NewConsumer(testKafkaBrokers, topic, groupID, slog.Default())
	ctx1, cancel1 := context.WithTimeout(ctx, 30*time.Second)

	seen := make(chan struct{}, 1)
	go func() {
		consumer1.Subscribe(ctx1, func(_ context.Context, _ kafka.Message) error { //nolint:errcheck
			seen <- struct{}{}
			cancel1()
			return errors.New("intentional failure, do not commit offset")
		})
	}()

	select {
	case <-seen:
	case <-ctx1.Done():
		t.Fatal("consumer1 timed out waiting for message")
	}

	// Give the consumer time to finish its error-handling path before closing.
	time.Sleep(time.Second)
	require.NoError(t, consumer1.Close())

	// Consumer 2 in the same group must see the message again.
	consumer2 := kafka.NewConsumer(testKafkaBrokers, topic, groupID, slog.Default())
	t.Cleanup(func() { consumer2.Close() }) //nolint:errcheck

	ctx2, cancel2 := context.WithTimeout(ctx, 30*time.Second)
	defer cancel2()

	redelivered := make(chan []byte, 1)
	go func() {
		consumer2.Subscribe(ctx2, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			redelivered <- m.Value
			cancel2()
			return nil
		})
	}()

	select {
	case got := <-redelivered:
		assert.Equal(t, payload, got)
	case <-ctx2.Done():
		t.Fatal("message was not redelivered after handler error")
	}
}

// TestKafka_KeyedOrdering verifies that messages sharing a key land in one
// partition in publish order, which is what serializes all processing for a
// single task.
func TestKafka_KeyedOrdering(t *testing.T) {
	topic := uniqueTopic("test-ordering")
	createTopic(t, topic)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	const n = 10
	for i := range n {
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		require.NoError(t, producer.Publish(ctx, topic, "task-1", payload))
	}

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, "group-ordering", slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	consumerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var got []string
	done := make(chan struct{})
	go func() {
		consumer.Subscribe(consumerCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			got = append(got, string(m.Value))
			if len(got) == n {
				close(done)
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-consumerCtx.Done():
		t.Fatalf("timed out, received %d of %d messages", len(got), n)
	}

	for i := range n {
		assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), got[i])
	}
}
