// Package worker implements the two task worker pools: a concurrent batch
// pool for network-bound remote providers, and a single-inflight pool for
// the local Ollama provider. Both share one output channel; the event loop
// tells them apart only by the Batchable flag carried on each Output.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cryptoklosh/dkn-compute-node/internal/executor"
	"github.com/cryptoklosh/dkn-compute-node/internal/payloads"
	"github.com/cryptoklosh/dkn-compute-node/internal/taskerr"
)

// Input is one unit of work submitted to a pool.
type Input struct {
	Executor  executor.Executor
	Workflow  map[string]any
	TaskID    string
	Stats     payloads.TaskStats
	Batchable bool
}

// Output is emitted exactly once per Input, preserving TaskID and Batchable.
type Output struct {
	TaskID    string
	Batchable bool
	Stats     payloads.TaskStats
	Result    *executor.Result
	Err       *taskerr.TaskError
}

// Pool runs up to Concurrency inputs at once, draining a shared input
// channel and publishing to a shared output channel. Concurrency == 1 gives
// the single-task-at-a-time semantics the local Ollama lane requires.
type Pool struct {
	concurrency int
	input       chan Input
	output      chan<- Output
	wg          sync.WaitGroup
}

// NewPool creates a pool with the given concurrency, writing every output to
// the shared output channel. The pool is not started until Start is called.
func NewPool(concurrency int, output chan<- Output) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		concurrency: concurrency,
		input:       make(chan Input, concurrency),
		output:      output,
	}
}

// Start launches the pool's worker goroutines. They run until ctx is
// cancelled or the input channel is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx)
	}
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-p.input:
			if !ok {
				return
			}
			p.execute(ctx, in)
		}
	}
}

func (p *Pool) execute(ctx context.Context, in Input) {
	stats := in.Stats
	stats.ExecutionStartedAt = time.Now().UTC()
	result, execErr := in.Executor.Run(ctx, in.Workflow)
	stats.ExecutionEndedAt = time.Now().UTC()
	if result != nil {
		stats.TokenCount = result.TokenCount
	}

	out := Output{
		TaskID:    in.TaskID,
		Batchable: in.Batchable,
		Stats:     stats,
		Result:    result,
		Err:       execErr,
	}

	select {
	case p.output <- out:
	case <-ctx.Done():
	}
}

// Submit enqueues work, blocking if the pool's input channel is full. This
// is the intentional backpressure point: a full pool blocks the event loop's
// dispatch handler rather than letting the pending map grow unbounded.
func (p *Pool) Submit(ctx context.Context, in Input) error {
	select {
	case p.input <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work and waits for in-flight executions to
// finish emitting their output.
func (p *Pool) Close() {
	close(p.input)
	p.wg.Wait()
}
