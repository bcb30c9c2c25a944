// Package shardflow is a share-nothing, shard-per-core task execution
// engine. A process hosts N shards, one per pinned OS thread; each shard
// owns a buddy+slab memory allocator over its slice of one large virtual
// reservation, a cooperative reactor scheduling weighted task queues, three
// timer wheels (steady, lowres, manual), and one inbound lock-free queue per
// peer shard. Shards communicate exclusively through those queues; no data
// structure is shared mutably between shards.
//
// A minimal setup fills Config, creates a Runtime, starts it, and submits
// work:
//
//	rt := shardflow.New(&shardflow.Config{SMP: 4}, logger, shardflow.RuntimeDependencies{})
//	go rt.Start(ctx)
//	<-rt.Ready()
//	fut := rt.SubmitTo(0, 1, func() (any, error) { return 2, nil })
//
// Cross-shard submissions are admitted against a service group's bounded
// semaphore and fail with ErrQueueTimeout when the deadline passes first;
// delivery between any ordered shard pair preserves submission order.
// Non-shard ("alien") threads enter through Runtime.SubmitAlien or the
// Watermill-backed AlienBridge.
//
// The stall detector reports shards that hold the CPU without completing
// tasks, with rate-limited backtraces; Prometheus collectors cover the
// scheduler, the queues, and the allocator.
package shardflow
