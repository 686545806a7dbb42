package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"

	"github.com/pagelens/crawler/internal/crawl"
)

// PubSub implements the crawl queue on Google Cloud Pub/Sub so that
// accepted crawls can be picked up by a worker on any instance.
type PubSub struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger

	items chan crawl.QueueItem

	recvMu     sync.Mutex
	recvCancel context.CancelFunc
	recvDone   chan struct{}
}

// NewPubSub creates a Pub/Sub client and wires it to the configured
// topic and subscription. It authenticates using Application Default
// Credentials.
func NewPubSub(ctx context.Context, cfg PubSubConfig, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := NewPubSubWithClient(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close pubsub client after setup failure", zap.Error(closeErr))
		}
		return nil, err
	}
	return q, nil
}

// NewPubSubWithClient wires an existing client to the configured topic
// and subscription. The topic must already exist.
func NewPubSubWithClient(ctx context.Context, client *pubsub.Client, cfg PubSubConfig, logger *zap.Logger) (*PubSub, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.TopicID == "" || cfg.SubscriptionID == "" {
		return nil, errors.New("pubsub topic and subscription are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: fullTopicName(cfg.ProjectID, cfg.TopicID),
	})
	if err != nil {
		return nil, fmt.Errorf("get pubsub topic %q: %w", cfg.TopicID, err)
	}
	// The emulator leaves State unset.
	if topic.State != pubsubpb.Topic_ACTIVE && topic.State != pubsubpb.Topic_STATE_UNSPECIFIED {
		return nil, fmt.Errorf("pubsub topic %q is not active", cfg.TopicID)
	}

	return &PubSub{
		client:     client,
		publisher:  client.Publisher(cfg.TopicID),
		subscriber: client.Subscriber(cfg.SubscriptionID),
		logger:     logger,
		items:      make(chan crawl.QueueItem),
	}, nil
}

// Enqueue publishes the crawl ID to the topic and waits for the server
// acknowledgement.
func (q *PubSub) Enqueue(ctx context.Context, item crawl.QueueItem) error {
	msg := &pubsub.Message{
		Data: []byte(item.CrawlID),
		Attributes: map[string]string{
			"submitted": strconv.FormatInt(item.Submitted, 10),
		},
	}
	result := q.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish crawl %s: %w", item.CrawlID, err)
	}
	return nil
}

// Dequeue returns the next crawl from the subscription. The streaming
// receiver starts on the first call, so processes that only enqueue
// never attach to the subscription.
func (q *PubSub) Dequeue(ctx context.Context) (crawl.QueueItem, error) {
	q.startReceiver()
	select {
	case <-ctx.Done():
		return crawl.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.items:
		return item, nil
	}
}

func (q *PubSub) startReceiver() {
	q.recvMu.Lock()
	defer q.recvMu.Unlock()
	if q.recvCancel != nil {
		return
	}
	rctx, cancel := context.WithCancel(context.Background())
	q.recvCancel = cancel
	q.recvDone = make(chan struct{})
	go func() {
		defer close(q.recvDone)
		err := q.subscriber.Receive(rctx, func(cctx context.Context, msg *pubsub.Message) {
			item := crawl.QueueItem{CrawlID: string(msg.Data)}
			if raw := msg.Attributes["submitted"]; raw != "" {
				if ts, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
					item.Submitted = ts
				}
			}
			// Ack only once a worker takes the item; otherwise let
			// Pub/Sub redeliver it.
			select {
			case q.items <- item:
				msg.Ack()
			case <-cctx.Done():
				msg.Nack()
			}
		})
		if err != nil && rctx.Err() == nil {
			q.logger.Warn("pubsub receive stopped", zap.Error(err))
		}
	}()
}

// Close stops the receiver, flushes pending publishes, and closes the
// client connection.
func (q *PubSub) Close() error {
	q.recvMu.Lock()
	cancel, done := q.recvCancel, q.recvDone
	q.recvMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	q.publisher.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
