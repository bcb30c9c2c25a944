package shardq

import "sync/atomic"

// Grid is the N×N array of SPSC rings: cell (to, from) is written by shard
// `from` and read by shard `to`. Requests travel on (dst, src); after the
// destination processed an item it pushes the same item onto (src, dst) so
// the source runs Complete. Both directions therefore inherit SPSC ordering,
// which is what gives per-pair FIFO delivery.
type Grid struct {
	n     int
	rings [][]*Ring // rings[to][from]

	sleeping []atomic.Bool
	wake     func(shard int)

	// staging[src][dst] accumulates items on the producer until a batch is
	// full or the caller flushes. Each staging fifo is only touched by its
	// source shard.
	staging [][][]*Message
}

// BatchSize is how many items the producer stages before an implicit flush.
const BatchSize = 16

// prefetchDepth extends the per-peer drain bound beyond the ring capacity so
// a burst filling the ring right behind the consumer still drains this cycle.
const prefetchDepth = 2

// NewGrid builds the ring grid for n shards. wake is invoked (from the
// producing shard) when a push lands while the destination sleeps.
func NewGrid(n, capacity int, wake func(shard int)) *Grid {
	g := &Grid{
		n:        n,
		rings:    make([][]*Ring, n),
		sleeping: make([]atomic.Bool, n),
		wake:     wake,
		staging:  make([][][]*Message, n),
	}
	for to := 0; to < n; to++ {
		g.rings[to] = make([]*Ring, n)
		for from := 0; from < n; from++ {
			g.rings[to][from] = NewRing(capacity)
		}
	}
	for src := 0; src < n; src++ {
		g.staging[src] = make([][]*Message, n)
	}
	return g
}

// Shards returns the grid dimension.
func (g *Grid) Shards() int { return g.n }

// Stage queues item from src toward dst, flushing when the batch fills.
// Runs on shard src only.
func (g *Grid) Stage(src, dst int, item WorkItem) {
	g.staging[src][dst] = append(g.staging[src][dst], &Message{Item: item})
	if len(g.staging[src][dst]) >= BatchSize {
		g.FlushTo(src, dst)
	}
}

// FlushTo pushes src's staged items for dst into the ring. Items that do not
// fit stay staged for the next flush. Reports how many were pushed.
func (g *Grid) FlushTo(src, dst int) int {
	staged := g.staging[src][dst]
	if len(staged) == 0 {
		return 0
	}
	ring := g.rings[dst][src]
	pushed := 0
	for _, m := range staged {
		if !ring.Push(m) {
			break
		}
		pushed++
	}
	g.staging[src][dst] = staged[:copy(staged, staged[pushed:])]
	if pushed > 0 {
		g.maybeWake(dst)
	}
	return pushed
}

// Flush pushes all of src's staged items. Reports how many were pushed.
func (g *Grid) Flush(src int) int {
	pushed := 0
	for dst := 0; dst < g.n; dst++ {
		pushed += g.FlushTo(src, dst)
	}
	return pushed
}

// maybeWake signals dst if it declared itself asleep. The ring push above
// and the sleeping load here are both atomics, so the push is visible to a
// consumer that observes the cleared flag; the destination re-polls after
// setting the flag to close the remaining window.
func (g *Grid) maybeWake(dst int) {
	if g.sleeping[dst].Load() && g.sleeping[dst].CompareAndSwap(true, false) {
		if g.wake != nil {
			g.wake(dst)
		}
	}
}

// EnterSleep marks shard as sleeping. The caller must re-poll its rings
// after this returns; a producer that pushed before seeing the flag will not
// signal.
func (g *Grid) EnterSleep(shard int) {
	g.sleeping[shard].Store(true)
}

// ExitSleep clears the sleeping flag.
func (g *Grid) ExitSleep(shard int) {
	g.sleeping[shard].Store(false)
}

// HasInbound reports whether any peer has items queued toward shard. Read
// only; used by pure-poll.
func (g *Grid) HasInbound(shard int) bool {
	for from := 0; from < g.n; from++ {
		if !g.rings[shard][from].Empty() {
			return true
		}
	}
	return false
}

// HasStaged reports whether src holds items not yet pushed into a ring.
// Shard src only.
func (g *Grid) HasStaged(src int) bool {
	for dst := 0; dst < g.n; dst++ {
		if len(g.staging[src][dst]) > 0 {
			return true
		}
	}
	return false
}

// PendingFor returns the queue length from src staged+queued toward dst.
func (g *Grid) PendingFor(src, dst int) int {
	return len(g.staging[src][dst]) + g.rings[dst][src].Len()
}

// Drain runs up to capacity+prefetch items per peer for shard: responses to
// its own sends run Complete, requests from peers run Process and are then
// sent back on the reverse ring. run executes each closure; the runtime's smp
// poller runs them inline on the shard thread. Reports the number of items
// handled.
func (g *Grid) Drain(shard int, run func(func())) int {
	handled := 0
	for from := 0; from < g.n; from++ {
		ring := g.rings[shard][from]
		bound := ring.Capacity() + prefetchDepth
		for i := 0; i < bound; i++ {
			m := ring.Pop()
			if m == nil {
				break
			}
			handled++
			g.dispatch(shard, from, m, run)
		}
	}
	return handled
}

func (g *Grid) dispatch(shard, from int, m *Message, run func(func())) {
	if m.Completed {
		run(m.Item.Complete)
		return
	}
	run(func() {
		m.Item.Process()
		g.sendBack(shard, from, m)
	})
}

// sendBack returns a processed message to its source ring. The reverse cell
// is this shard's outbound cell toward src, so completions share the staging
// fifo with fresh requests; a full ring defers the completion to the next
// flush instead of spinning, which would deadlock two shards completing at
// each other through full rings.
func (g *Grid) sendBack(shard, src int, m *Message) {
	m.Completed = true
	if len(g.staging[shard][src]) == 0 && g.rings[src][shard].Push(m) {
		g.maybeWake(src)
		return
	}
	g.staging[shard][src] = append(g.staging[shard][src], m)
}
