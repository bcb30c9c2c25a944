package runtime

import (
	"context"
	"hash/fnv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	loggingpkg "github.com/drblury/shardflow/internal/runtime/logging"
)

// BridgeHandler consumes one bridged message on a shard thread.
type BridgeHandler func(shard int, msg *message.Message) error

// AlienBridge pumps messages from an in-process Watermill pub/sub into shard
// task submission. It is the documented entry point for collaborators living
// outside the shard world: they publish; the bridge routes each message to a
// shard (sticky by partition key when present, round-robin otherwise)
// through the alien queues.
type AlienBridge struct {
	rt     *Runtime
	pubSub *gochannel.GoChannel
	log    loggingpkg.ServiceLogger

	cancel context.CancelFunc
	next   int
}

// PartitionKeyMetadata selects the shard for a message when set: equal keys
// always land on the same shard.
const PartitionKeyMetadata = "shardflow_partition_key"

// NewAlienBridge builds a bridge over a fresh in-memory pub/sub.
func (rt *Runtime) NewAlienBridge() *AlienBridge {
	wmLogger := loggingpkg.NewWatermillAdapter(rt.Logger)
	return &AlienBridge{
		rt:     rt,
		pubSub: gochannel.NewGoChannel(gochannel.Config{}, wmLogger),
		log:    rt.Logger,
	}
}

// Publisher returns the side collaborators publish into.
func (b *AlienBridge) Publisher() message.Publisher { return b.pubSub }

// Subscribe routes every message on topic into shard tasks running handler.
// Call after the runtime signalled readiness.
func (b *AlienBridge) Subscribe(topic string, handler BridgeHandler) error {
	ctx := context.Background()
	ctx, b.cancel = context.WithCancel(ctx)
	messages, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go b.pump(topic, messages, handler)
	return nil
}

// Close stops the subscription pump and the pub/sub.
func (b *AlienBridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.pubSub.Close()
}

func (b *AlienBridge) pump(topic string, messages <-chan *message.Message, handler BridgeHandler) {
	for msg := range messages {
		shard := b.route(msg)
		future, err := b.rt.SubmitAlien(shard, func() (any, error) {
			return nil, handler(shard, msg)
		})
		if err != nil {
			b.log.Error("bridge submit failed", err, loggingpkg.LogFields{"topic": topic, "shard": shard})
			msg.Nack()
			continue
		}
		if _, err := future.Wait(); err != nil {
			b.log.Error("bridge handler failed", err, loggingpkg.LogFields{"topic": topic, "shard": shard})
			msg.Nack()
			continue
		}
		msg.Ack()
	}
}

func (b *AlienBridge) route(msg *message.Message) int {
	n := b.rt.Shards()
	if key := msg.Metadata.Get(PartitionKeyMetadata); key != "" {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		return int(h.Sum32()) % n
	}
	shard := b.next % n
	b.next++
	return shard
}
