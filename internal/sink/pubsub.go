package sink

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
	"github.com/JakeFAU/fetch-orchestrator/internal/telemetry"
)

// Message types carried in the "type" attribute.
const (
	MessageTypeResult = "result"
	MessageTypeReport = "report"
)

// Publisher publishes one message and waits for the server ID.
type Publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

type topicPublisher struct {
	publisher *pubsub.Publisher
}

func (p topicPublisher) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// PubSubSink streams results and the final report to a Pub/Sub topic as JSON,
// carrying the trace context in message attributes.
type PubSubSink struct {
	publisher Publisher
	closeFn   func() error
}

// NewPubSubSink wraps an arbitrary Publisher.
func NewPubSubSink(p Publisher) *PubSubSink {
	return &PubSubSink{publisher: p}
}

// DialPubSub connects to projectID and publishes to topic.
func DialPubSub(ctx context.Context, projectID, topic string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher := client.Publisher(topic)
	return &PubSubSink{
		publisher: topicPublisher{publisher: publisher},
		closeFn: func() error {
			publisher.Stop()
			return client.Close()
		},
	}, nil
}

// OnResult publishes a result message.
func (s *PubSubSink) OnResult(ctx context.Context, r fetch.Result) error {
	return s.publish(ctx, MessageTypeResult, r, map[string]string{
		"task_id": r.TaskID,
		"status":  string(r.Status),
	})
}

// OnReport publishes the report. Results are omitted; they were streamed.
func (s *PubSubSink) OnReport(ctx context.Context, rep fetch.Report) error {
	rep.Results = nil
	return s.publish(ctx, MessageTypeReport, rep, nil)
}

// Close flushes pending messages and closes the client, if this sink owns one.
func (s *PubSubSink) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *PubSubSink) publish(ctx context.Context, kind string, payload any, attrs map[string]string) error {
	if s.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["type"] = kind
	msg := &pubsub.Message{Data: data, Attributes: telemetry.InjectAttributes(ctx, attrs)}
	if _, err := s.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}
