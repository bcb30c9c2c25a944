package runtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/shardflow/internal/runtime/config"
)

func TestAlienBridgeDeliversToShards(t *testing.T) {
	rt := bootRuntime(t, &configpkg.Config{SMP: 2}, RuntimeDependencies{
		DisableMemory:     true,
		MetricsRegisterer: prometheus.NewRegistry(),
	})

	bridge := rt.NewAlienBridge()
	defer bridge.Close()

	var mu sync.Mutex
	byShard := map[int][]string{}
	require.NoError(t, bridge.Subscribe("events", func(shard int, msg *message.Message) error {
		mu.Lock()
		defer mu.Unlock()
		byShard[shard] = append(byShard[shard], string(msg.Payload))
		return nil
	}))

	pub := bridge.Publisher()
	const n = 10
	for i := 0; i < n; i++ {
		msg := message.NewMessage(watermill.NewUUID(), []byte(fmt.Sprintf("m%d", i)))
		msg.Metadata.Set(PartitionKeyMetadata, fmt.Sprintf("key-%d", i%2))
		require.NoError(t, pub.Publish("events", msg))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, msgs := range byShard {
			total += len(msgs)
		}
		return total == n
	}, 5*time.Second, 10*time.Millisecond, "all published messages must be handled")

	// Two partition keys: messages reach at most two shards.
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, len(byShard), 2)
}
