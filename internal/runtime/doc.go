// Package runtime hosts the shard-per-core execution engine: one pinned OS
// thread per shard, each running a cooperative reactor over weighted task
// queues, wired to its peers through lock-free SPSC rings and to the shard's
// buddy+slab allocator, timer wheels, and stall watchdog.
//
// The Runtime type owns boot and teardown: CPU and memory discovery, shard
// thread spawn, the queue grid barriers, and the reverse-order exit tasks.
// Reactor is the per-shard loop; Future and Promise carry results between
// tasks; SubmitTo crosses shards. Everything here is internal — the public
// surface is the root shardflow package.
package runtime
