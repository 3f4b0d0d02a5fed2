package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"sentinel-siem/internal/kafka"
	"sentinel-siem/internal/queue"
)

// KafkaLineHandler submits every line of a message value from the raw
// auth-line topic. Unparseable lines are dropped and the offset committed;
// a full or closed queue fails the message so its offset is not committed.
func KafkaLineHandler(intake *Intake) kafka.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var backpressure int
		for _, line := range bytes.Split(msg.Value, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := intake.Submit(string(line), TransportKafka)
			if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
				backpressure++
			}
		}
		if backpressure > 0 {
			return fmt.Errorf("offset %d: %d lines not queued: %w", msg.Offset, backpressure, queue.ErrQueueFull)
		}
		return nil
	}
}
