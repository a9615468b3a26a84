package modhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces the pub/sub channels a bus publishes to.
const DefaultChannelPrefix = "modhost:"

// RedisTransport carries bus events across processes over Redis pub/sub.
// Each event is published to one channel per event name (prefix + name)
// and the subscriber side pattern-subscribes to the whole prefix.
type RedisTransport struct {
	client  *redis.Client
	prefix  string
	nodeID  string
	logger  Logger
	pubsub  *redis.PubSub
	receive func(Event)
	wg      sync.WaitGroup
}

// RedisTransportOption customises a RedisTransport.
type RedisTransportOption func(*RedisTransport)

// WithChannelPrefix overrides the pub/sub channel prefix.
func WithChannelPrefix(prefix string) RedisTransportOption {
	return func(t *RedisTransport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithRedisLogger sets the transport logger.
func WithRedisLogger(logger Logger) RedisTransportOption {
	return func(t *RedisTransport) { t.logger = logger }
}

// NewRedisTransport parses the URL (redis://...) and prepares a transport
// for the given node. No connection is made until Start.
func NewRedisTransport(url, nodeID string, opts ...RedisTransportOption) (*RedisTransport, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	t := &RedisTransport{
		client: redis.NewClient(redisOpts),
		prefix: DefaultChannelPrefix,
		nodeID: nodeID,
		logger: NopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start verifies connectivity, pattern-subscribes to the channel prefix,
// and begins delivering remote events. Messages published by this node
// are dropped before delivery.
func (t *RedisTransport) Start(ctx context.Context, receive func(Event)) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	t.receive = receive
	t.pubsub = t.client.PSubscribe(ctx, t.prefix+"*")

	t.wg.Add(1)
	go t.listen()

	t.logger.Info("redis transport connected", "prefix", t.prefix, "node", t.nodeID)
	return nil
}

func (t *RedisTransport) listen() {
	defer t.wg.Done()
	for msg := range t.pubsub.Channel() {
		event, fromNode, err := decodeWireEvent([]byte(msg.Payload))
		if err != nil {
			t.logger.Warn("dropping undecodable message", "channel", msg.Channel, "error", err)
			continue
		}
		if fromNode == t.nodeID {
			continue
		}
		t.receive(event)
	}
}

// Stop closes the subscription and the client, waiting for the listener
// to drain, bounded by ctx.
func (t *RedisTransport) Stop(ctx context.Context) error {
	if t.pubsub != nil {
		if err := t.pubsub.Close(); err != nil {
			t.logger.Warn("closing redis subscription", "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("redis transport stop: %w", ctx.Err())
	}
	return t.client.Close()
}

// Forward publishes the event to its per-name channel.
func (t *RedisTransport) Forward(ctx context.Context, event Event) error {
	raw, err := encodeWireEvent(t.nodeID, event)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.prefix+event.Name, raw).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}
