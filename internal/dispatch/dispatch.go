// Package dispatch is the task dispatch engine: it turns an authorized task
// request into worker pool input, tracks per-task metadata until the worker
// produces output, and packages that output back into a signed, encrypted
// response envelope.
package dispatch

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cryptoklosh/dkn-compute-node/internal/commander"
	"github.com/cryptoklosh/dkn-compute-node/internal/executor"
	"github.com/cryptoklosh/dkn-compute-node/internal/payloads"
	"github.com/cryptoklosh/dkn-compute-node/internal/taskerr"
	"github.com/cryptoklosh/dkn-compute-node/internal/worker"
)

// Metadata is what the engine remembers about a task between dispatch and
// response: enough to build the TaskResponsePayload and to reply on the
// right channel without holding onto the whole request.
type Metadata struct {
	FileID          string
	RowID           string
	Model           string
	RequesterKey    *ecdsa.PublicKey
	ResponseChannel *commander.ResponseChannel
	Stats           payloads.TaskStats
}

// ExecutorFactory builds the executor for a resolved model; batchable
// reports whether the model belongs to the batch lane (every provider but
// the local Ollama one).
type ExecutorFactory interface {
	Build(modelID string) (exec executor.Executor, batchable bool, taskErr *taskerr.TaskError)
}

// Engine owns the pending-task maps and the two worker pools. HandleTask and
// SendTaskOutput are both only ever called from the event loop goroutine, so
// the maps need no locking of their own; the mutex here guards only the size
// counters the heartbeat tick reads concurrently.
type Engine struct {
	factory ExecutorFactory
	batch   *worker.Pool
	single  *worker.Pool

	mu              sync.Mutex
	pendingBatch    map[string]Metadata
	pendingSingle   map[string]Metadata
	completedBatch  uint64
	completedSingle uint64
}

// NewEngine wires an engine around two worker pools sharing outputCh.
func NewEngine(factory ExecutorFactory, batchConcurrency int, outputCh chan worker.Output) *Engine {
	return &Engine{
		factory:       factory,
		batch:         worker.NewPool(batchConcurrency, outputCh),
		single:        worker.NewPool(1, outputCh),
		pendingBatch:  make(map[string]Metadata),
		pendingSingle: make(map[string]Metadata),
	}
}

// Start launches both worker pools.
func (e *Engine) Start(ctx context.Context) {
	e.batch.Start(ctx)
	e.single.Start(ctx)
}

// Close drains both pools.
func (e *Engine) Close() {
	e.batch.Close()
	e.single.Close()
}

// PendingCounts reports current lane occupancy, used to build heartbeat
// payloads.
func (e *Engine) PendingCounts() (batch, single uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.pendingBatch)), uint64(len(e.pendingSingle))
}

// CompletedCounts reports the number of responses produced per lane since
// construction, used by the diagnostic reporter's debug-only line.
func (e *Engine) CompletedCounts() (batch, single uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completedBatch, e.completedSingle
}

func decodePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	return crypto.UnmarshalPubkey(raw)
}

// HandleTask validates and dispatches a task request. A past-deadline task
// is rejected with no response and no pending-map entry. A resolution
// failure (unknown model, bad public key, or no matching pool) is dropped
// the same way: a dispatch-time failure has no recipient-safe way to report
// itself without risking a second use of the response channel later.
func (e *Engine) HandleTask(ctx context.Context, req payloads.TaskRequestPayload, ch *commander.ResponseChannel, now time.Time) error {
	if !now.Before(req.Deadline) {
		return fmt.Errorf("dispatch: task %s past deadline", req.TaskID)
	}

	pubKeyBytes, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		return fmt.Errorf("dispatch: task %s has invalid public key: %w", req.TaskID, err)
	}
	requesterKey, err := decodePublicKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("dispatch: task %s public key decode: %w", req.TaskID, err)
	}

	exec, batchable, taskErr := e.factory.Build(req.Input.Model)
	if taskErr != nil {
		return fmt.Errorf("dispatch: task %s model resolution: %s", req.TaskID, taskErr.Error())
	}

	stats := payloads.TaskStats{ReceivedAt: now}
	meta := Metadata{FileID: req.FileID, RowID: req.RowID, Model: req.Input.Model, RequesterKey: requesterKey, ResponseChannel: ch, Stats: stats}
	in := worker.Input{Executor: exec, Workflow: req.Input.Workflow, TaskID: req.TaskID, Stats: stats, Batchable: batchable}

	pool := e.single
	if batchable {
		pool = e.batch
	}

	e.mu.Lock()
	_, dupBatch := e.pendingBatch[req.TaskID]
	_, dupSingle := e.pendingSingle[req.TaskID]
	if dupBatch || dupSingle {
		e.mu.Unlock()
		return fmt.Errorf("dispatch: task %s already pending", req.TaskID)
	}
	if batchable {
		e.pendingBatch[req.TaskID] = meta
	} else {
		e.pendingSingle[req.TaskID] = meta
	}
	e.mu.Unlock()

	if err := pool.Submit(ctx, in); err != nil {
		e.mu.Lock()
		if batchable {
			delete(e.pendingBatch, req.TaskID)
		} else {
			delete(e.pendingSingle, req.TaskID)
		}
		e.mu.Unlock()
		return fmt.Errorf("dispatch: submit task %s: %w", req.TaskID, err)
	}

	return nil
}

// SendTaskOutput consumes one worker.Output, looks up and removes its
// pending-map entry, builds the response envelope payload, and returns it
// alongside the response channel to reply on. A missing metadata entry
// (output for a task this engine never dispatched, or already responded to)
// is an internal error: logged and swallowed by the caller.
func (e *Engine) SendTaskOutput(out worker.Output, now time.Time, encrypt func(pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error)) (payloads.TaskResponsePayload, *commander.ResponseChannel, error) {
	e.mu.Lock()
	var meta Metadata
	var ok bool
	if out.Batchable {
		meta, ok = e.pendingBatch[out.TaskID]
		delete(e.pendingBatch, out.TaskID)
		if ok {
			e.completedBatch++
		}
	} else {
		meta, ok = e.pendingSingle[out.TaskID]
		delete(e.pendingSingle, out.TaskID)
		if ok {
			e.completedSingle++
		}
	}
	e.mu.Unlock()

	if !ok {
		return payloads.TaskResponsePayload{}, nil, fmt.Errorf("dispatch: no pending metadata for task %s", out.TaskID)
	}

	stats := out.Stats
	stats.PublishedAt = now

	resp := payloads.TaskResponsePayload{
		FileID: meta.FileID,
		RowID:  meta.RowID,
		TaskID: out.TaskID,
		Model:  meta.Model,
		Stats:  stats,
	}

	if out.Err != nil {
		resp.Error = out.Err
		return resp, meta.ResponseChannel, nil
	}

	ciphertext, err := encrypt(meta.RequesterKey, []byte(out.Result.Output))
	if err != nil {
		resp.Error = taskerr.Other(fmt.Errorf("encrypt result: %w", err))
		return resp, meta.ResponseChannel, nil
	}
	resp.Result = hex.EncodeToString(ciphertext)

	return resp, meta.ResponseChannel, nil
}
