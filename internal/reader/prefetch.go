// ABOUTME: Prefetcher: runs the next claim+fetch round inline or ahead in a goroutine,
// ABOUTME: with at most one round in flight and the batch size capped by the limit.
package reader

import (
	"context"

	"github.com/scarson/docqueue/internal/store"
)

// batchResult is the outcome of one claim+fetch round.
type batchResult struct {
	batch store.Batch
	docs  store.DocumentStream
	err   error
}

func (r batchResult) release() {
	if r.docs != nil {
		_ = r.docs.Close()
	}
}

type job func(ctx context.Context) batchResult

// runner is the execution strategy of a claim+fetch round.
type runner interface {
	run(ctx context.Context, j job) pending
}

// pending is a round that has been handed to a runner but not collected yet.
type pending interface {
	// wait returns the round's result. A non-nil error means ctx ended before
	// the round completed; the round stays pending.
	wait(ctx context.Context) (batchResult, error)
	// done reports whether the result is available without blocking.
	done() bool
	// discard waits for the round, if it runs, and releases its result.
	discard()
}

// inlineRunner defers the round until it is collected and then runs it in the
// caller's goroutine.
type inlineRunner struct{}

func (inlineRunner) run(ctx context.Context, j job) pending {
	return &deferred{ctx: ctx, j: j}
}

type deferred struct {
	ctx context.Context
	j   job
}

func (d *deferred) wait(ctx context.Context) (batchResult, error) {
	if err := ctx.Err(); err != nil {
		return batchResult{}, err
	}
	return d.j(d.ctx), nil
}

func (d *deferred) done() bool { return false }
func (d *deferred) discard()   {}

// asyncRunner starts the round in its own goroutine right away.
type asyncRunner struct{}

func (asyncRunner) run(ctx context.Context, j job) pending {
	f := &inFlight{ch: make(chan struct{})}
	go func() {
		defer close(f.ch)
		f.res = j(ctx)
	}()
	return f
}

type inFlight struct {
	ch  chan struct{}
	res batchResult
}

func (f *inFlight) wait(ctx context.Context) (batchResult, error) {
	select {
	case <-f.ch:
		return f.res, nil
	case <-ctx.Done():
		return batchResult{}, ctx.Err()
	}
}

func (f *inFlight) done() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

func (f *inFlight) discard() {
	<-f.ch
	f.res.release()
}

// State is the state of a Prefetcher.
type State int

const (
	// StateIdle: no round is running or ready.
	StateIdle State = iota
	// StateFetching: a background round is in flight.
	StateFetching
	// StateReady: a background round completed and waits to be collected.
	StateReady
	// StateExhausted: a claim came back empty; no further rounds start until
	// Reset.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateReady:
		return "ready"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Prefetcher turns claim+fetch into a "next batch" operation that can run
// ahead of the consumer. At most one round is in flight. It is not safe for
// concurrent use: the Reader owning it is the only caller.
type Prefetcher struct {
	life      context.Context
	runner    runner
	proactive bool
	round     func(ctx context.Context, size int) batchResult

	batchSize int
	limit     *int

	slot      pending
	exhausted bool
	// fetched counts keys claimed so far. Updated only when a round is
	// collected, in the caller's goroutine.
	fetched int
}

// newPrefetcher creates a Prefetcher. round performs one claim+fetch of at
// most size keys; it runs with the life context.
func newPrefetcher(life context.Context, proactive bool, batchSize int, limit *int,
	round func(ctx context.Context, size int) batchResult,
) *Prefetcher {
	p := &Prefetcher{
		life:      life,
		runner:    inlineRunner{},
		proactive: proactive,
		round:     round,
		batchSize: batchSize,
		limit:     limit,
	}
	if proactive {
		p.runner = asyncRunner{}
	}
	return p
}

// Start begins the first round in the background when fetching proactively.
// Without proactive fetching it does nothing.
func (p *Prefetcher) Start() {
	if p.proactive && p.slot == nil && !p.exhausted {
		p.launch()
	}
}

// nextSize is the batch size of the next round: the configured size, capped
// so that the reader never claims more keys than its limit allows.
func (p *Prefetcher) nextSize() int {
	size := p.batchSize
	if p.limit != nil {
		size = min(size, *p.limit-p.fetched)
	}
	return max(size, 0)
}

func (p *Prefetcher) launch() {
	size := p.nextSize()
	p.slot = p.runner.run(p.life, func(ctx context.Context) batchResult {
		return p.round(ctx, size)
	})
}

// Batch returns the next claimed batch and its document stream. It joins the
// background round if one is running, or runs a round now. In proactive
// mode the following round is started before Batch returns.
//
// An empty batch comes with an empty, non-nil stream and moves the
// Prefetcher to StateExhausted.
func (p *Prefetcher) Batch(ctx context.Context) (store.Batch, store.DocumentStream, error) {
	if p.exhausted {
		return store.Batch{}, store.EmptyStream{}, nil
	}
	if p.slot == nil {
		p.launch()
	}
	res, err := p.slot.wait(ctx)
	if err != nil {
		return nil, nil, err
	}
	p.slot = nil
	p.fetched += len(res.batch)

	if res.err != nil {
		res.release()
		return nil, nil, res.err
	}
	if len(res.batch) == 0 {
		res.release()
		p.exhausted = true
		return store.Batch{}, store.EmptyStream{}, nil
	}
	if p.proactive {
		p.launch()
	}
	return res.batch, res.docs, nil
}

// State reports the current state.
func (p *Prefetcher) State() State {
	switch {
	case p.exhausted:
		return StateExhausted
	case p.slot == nil:
		return StateIdle
	case p.slot.done():
		return StateReady
	case p.proactive:
		return StateFetching
	}
	return StateIdle
}

// Fetched returns the number of keys claimed by collected rounds.
func (p *Prefetcher) Fetched() int { return p.fetched }

// Reset discards any pending round and clears the exhausted state and
// counters.
func (p *Prefetcher) Reset() {
	p.Close()
	p.exhausted = false
	p.fetched = 0
}

// Close waits for a running round and releases its result.
func (p *Prefetcher) Close() {
	if p.slot != nil {
		p.slot.discard()
		p.slot = nil
	}
}
