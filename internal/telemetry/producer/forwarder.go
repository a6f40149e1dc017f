package producer

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const pushTimeout = 10 * time.Second

// messageReader is the part of *kafka.Reader the forwarder uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Sink receives raw event JSON read from Kafka.
type Sink interface {
	PushEventJSON(ctx context.Context, raw []byte) error
}

// NewReader returns a consumer-group reader for the telemetry topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
}

// Forward reads messages until ctx is done and pushes each to sink. Read and push
// failures are logged and skipped. It returns the number of messages pushed.
func Forward(ctx context.Context, r messageReader, sink Sink) int {
	pushed := 0
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return pushed
			}
			log.Printf("worker: kafka read error: %v", err)
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		if err := sink.PushEventJSON(pushCtx, msg.Value); err != nil {
			log.Printf("worker: loki push failed: %v", err)
		} else {
			pushed++
		}
		cancel()
	}
}
