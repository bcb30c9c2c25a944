package runtime

// Poller is one source of external work serviced by the reactor loop.
//
// Poll does the work and reports whether any was found. PurePoll is the
// read-only probe used to decide whether the shard may sleep. Before
// sleeping, the reactor walks all pollers calling TryEnterInterruptMode; a
// poller that saw new work refuses, the already-entered pollers are rolled
// back with ExitInterruptMode, and the loop continues.
type Poller interface {
	Poll() bool
	PurePoll() bool
	TryEnterInterruptMode() bool
	ExitInterruptMode()
}

// pollFns builds a Poller out of plain functions; pollers with no interrupt
// setup leave the mode hooks nil.
type pollFns struct {
	poll     func() bool
	purePoll func() bool
	tryEnter func() bool
	exitMode func()
}

func (p *pollFns) Poll() bool     { return p.poll() }
func (p *pollFns) PurePoll() bool { return p.purePoll() }

func (p *pollFns) TryEnterInterruptMode() bool {
	if p.tryEnter == nil {
		return !p.purePoll()
	}
	return p.tryEnter()
}

func (p *pollFns) ExitInterruptMode() {
	if p.exitMode != nil {
		p.exitMode()
	}
}
