// Package node wires every component into the single cooperative event loop
// a compute node runs for its entire lifetime: inbound overlay traffic,
// worker output, and five periodic timers, all multiplexed over one select.
package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cryptoklosh/dkn-compute-node/internal/commander"
	"github.com/cryptoklosh/dkn-compute-node/internal/diagnostic"
	"github.com/cryptoklosh/dkn-compute-node/internal/dispatch"
	"github.com/cryptoklosh/dkn-compute-node/internal/envelope"
	"github.com/cryptoklosh/dkn-compute-node/internal/heartbeat"
	"github.com/cryptoklosh/dkn-compute-node/internal/identity"
	nodemetrics "github.com/cryptoklosh/dkn-compute-node/internal/metrics"
	"github.com/cryptoklosh/dkn-compute-node/internal/models"
	"github.com/cryptoklosh/dkn-compute-node/internal/payloads"
	"github.com/cryptoklosh/dkn-compute-node/internal/router"
	"github.com/cryptoklosh/dkn-compute-node/internal/rpcmanager"
	"github.com/cryptoklosh/dkn-compute-node/internal/specs"
	"github.com/cryptoklosh/dkn-compute-node/internal/worker"
)

const (
	diagnosticInterval = 45 * time.Second
	livenessInterval   = 120 * time.Second
	pointsInterval     = 180 * time.Second
	pointsFirstTick    = 15 * time.Second
	heartbeatInterval  = 60 * time.Second
	heartbeatFirstTick = 15 * time.Second
	specsInterval      = 300 * time.Second
	specsFirstTick     = 7500 * time.Millisecond
)

// Node is the running compute node: its identity, its view of the trusted
// RPC peer, and every collaborator the event loop drives.
type Node struct {
	Identity *identity.Identity
	Protocol commander.Protocol

	Commander commander.Commander
	Engine    *dispatch.Engine
	Heartbeat *heartbeat.Tracker
	Specs     *specs.Collector
	RPC       *rpcmanager.Manager

	Models  []string
	Version string
	Debug   bool

	Metrics *nodemetrics.Recorder

	workerOutput chan worker.Output

	log *slog.Logger
}

// New assembles a Node from its collaborators. workerOutput is shared
// between the dispatch engine's two pools; callers must pass the same
// channel the engine itself was constructed with.
func New(id *identity.Identity, protocol commander.Protocol, cmd commander.Commander, engine *dispatch.Engine, hb *heartbeat.Tracker, sc *specs.Collector, rpc *rpcmanager.Manager, workerOutput chan worker.Output, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	return &Node{
		Identity:     id,
		Protocol:     protocol,
		Commander:    cmd,
		Engine:       engine,
		Heartbeat:    hb,
		Specs:        sc,
		RPC:          rpc,
		workerOutput: workerOutput,
		log:          log,
	}
}

// Run starts the worker pools and blocks in the event loop until ctx is
// cancelled or a channel closure makes continuing unsafe. One final
// diagnostic is emitted on the way out, then every collaborator is shut down.
func (n *Node) Run(ctx context.Context) error {
	n.Engine.Start(ctx)

	diagnosticTicker := time.NewTicker(diagnosticInterval)
	livenessTicker := time.NewTicker(livenessInterval)
	pointsTimer := time.NewTimer(pointsFirstTick)
	heartbeatTimer := time.NewTimer(heartbeatFirstTick)
	specsTimer := time.NewTimer(specsFirstTick)
	defer diagnosticTicker.Stop()
	defer livenessTicker.Stop()
	defer pointsTimer.Stop()
	defer heartbeatTimer.Stop()
	defer specsTimer.Stop()

	inbound := n.Commander.Inbound()

	for {
		select {
		case <-ctx.Done():
			n.emitDiagnostic(ctx)
			return n.shutdown(ctx)

		case in, ok := <-inbound:
			if !ok {
				n.log.Error("inbound channel closed, exiting event loop")
				n.emitDiagnostic(ctx)
				return n.shutdown(ctx)
			}
			n.handleInbound(ctx, in)

		case out, ok := <-n.workerOutput:
			if !ok {
				n.log.Error("worker output channel closed, exiting event loop")
				n.emitDiagnostic(ctx)
				return n.shutdown(ctx)
			}
			n.handleWorkerOutput(ctx, out)

		case <-diagnosticTicker.C:
			n.emitDiagnostic(ctx)

		case <-livenessTicker.C:
			n.RPC.Tick(ctx)

		case <-pointsTimer.C:
			n.RPC.RefreshPoints(ctx, n.Identity.AddressHex())
			pointsTimer.Reset(pointsInterval)

		case <-heartbeatTimer.C:
			n.sendHeartbeat(ctx)
			heartbeatTimer.Reset(heartbeatInterval)

		case <-specsTimer.C:
			n.pushSpecs(ctx)
			specsTimer.Reset(specsInterval)
		}
	}
}

func (n *Node) handleInbound(ctx context.Context, in commander.Inbound) {
	decoded, err := router.Route(in, n.RPC.TrustedPeerID())
	if err != nil {
		n.log.Warn("dropping inbound message", "error", err, "peer", in.PeerID)
		return
	}

	switch decoded.Classification {
	case router.ClassifyTaskRequest:
		if err := n.Engine.HandleTask(ctx, *decoded.Task, decoded.Channel, time.Now().UTC()); err != nil {
			n.log.Warn("task dispatch rejected", "error", err, "taskId", decoded.Task.TaskID)
			break
		}
		if n.Metrics != nil {
			lane := nodemetrics.LaneBatch
			if models.IsOllama(decoded.Task.Input.Model) {
				lane = nodemetrics.LaneSingle
			}
			n.Metrics.RecordDispatch(lane)
		}

	case router.ClassifySpecsRequest:
		n.respondSpecs(ctx, *decoded.Specs, decoded.Channel)

	case router.ClassifyHeartbeatAck:
		if err := n.Heartbeat.HandleAck(*decoded.HeartbeatAck); err != nil {
			n.log.Warn("heartbeat ack", "error", err)
			break
		}
		if n.Metrics != nil {
			n.Metrics.RecordHeartbeatAcked()
		}

	default:
		n.log.Warn("unhandled inbound message", "peer", in.PeerID)
	}
}

func (n *Node) handleWorkerOutput(ctx context.Context, out worker.Output) {
	resp, ch, err := n.Engine.SendTaskOutput(out, time.Now().UTC(), dispatch.EncryptToRequester)
	if err != nil {
		n.log.Warn("task output without pending metadata", "error", err, "taskId", out.TaskID)
		return
	}

	if n.Metrics != nil {
		lane := nodemetrics.LaneSingle
		if out.Batchable {
			lane = nodemetrics.LaneBatch
		}
		outcome := nodemetrics.OutcomeSuccess
		if resp.Error != nil {
			outcome = nodemetrics.OutcomeError
		}
		n.Metrics.RecordCompletion(lane, outcome)
	}

	if ch == nil {
		return
	}

	env, err := envelope.Sign(n.Identity.SecretKey(), resp, "results", n.Protocol.Identity, "1.0")
	if err != nil {
		n.log.Error("sign task response", "error", err, "taskId", out.TaskID)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		n.log.Error("marshal task response envelope", "error", err, "taskId", out.TaskID)
		return
	}
	if err := n.Commander.Respond(raw, ch); err != nil {
		n.log.Error("respond with task output", "error", err, "taskId", out.TaskID)
	}
}

func (n *Node) respondSpecs(ctx context.Context, req payloads.SpecsRequestPayload, ch *commander.ResponseChannel) {
	if ch == nil {
		return
	}
	collected, err := n.Specs.Collect(ctx)
	if err != nil {
		n.log.Error("collect specs", "error", err)
		return
	}

	resp := payloads.SpecsResponsePayload{SpecsID: req.SpecsID, Specs: collected}
	env, err := envelope.Sign(n.Identity.SecretKey(), resp, "specs", n.Protocol.Identity, "1.0")
	if err != nil {
		n.log.Error("sign specs response", "error", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		n.log.Error("marshal specs envelope", "error", err)
		return
	}
	if err := n.Commander.Respond(raw, ch); err != nil {
		n.log.Error("respond with specs", "error", err)
	}
}

func (n *Node) sendHeartbeat(ctx context.Context) {
	batch, single := n.Engine.PendingCounts()
	if n.Metrics != nil {
		n.Metrics.SetPending(batch, single)
	}
	req := n.Heartbeat.SendHeartbeat(batch, single, uint64(cap(n.workerOutput)))

	env, err := envelope.Sign(n.Identity.SecretKey(), req, "heartbeat", n.Protocol.Identity, "1.0")
	if err != nil {
		n.log.Error("sign heartbeat", "error", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		n.log.Error("marshal heartbeat envelope", "error", err)
		return
	}
	if _, err := n.Commander.Request(ctx, n.RPC.TrustedPeerID(), raw); err != nil {
		n.log.Warn("send heartbeat", "error", err)
		return
	}
	if n.Metrics != nil {
		n.Metrics.RecordHeartbeatSent()
	}
}

func (n *Node) pushSpecs(ctx context.Context) {
	collected, err := n.Specs.Collect(ctx)
	if err != nil {
		n.log.Error("collect specs for proactive push", "error", err)
		return
	}
	specsID := uuid.NewString()
	push := payloads.SpecsPushPayload{SpecsID: specsID, Specs: collected, Address: n.Identity.AddressHex()}
	env, err := envelope.Sign(n.Identity.SecretKey(), push, "specs", n.Protocol.Identity, "1.0")
	if err != nil {
		n.log.Error("sign proactive specs push", "error", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		n.log.Error("marshal proactive specs envelope", "error", err)
		return
	}
	if _, err := n.Commander.Request(ctx, n.RPC.TrustedPeerID(), raw); err != nil {
		n.log.Warn("push specs", "error", err)
	}
}

func (n *Node) emitDiagnostic(ctx context.Context) {
	completedBatch, completedSingle := n.Engine.CompletedCounts()
	liveness := n.Heartbeat.Liveness(time.Now().UTC())
	if n.Metrics != nil {
		n.Metrics.SetLiveness(liveness)
	}
	total, earned, percentile := n.RPC.Points()
	report := diagnostic.Report{
		Version:          n.Version,
		PeerID:           n.Identity.PeerID,
		Address:          n.Identity.AddressHex(),
		Models:           n.Models,
		Liveness:         liveness,
		PointsTotal:      total,
		PointsEarned:     earned,
		PointsPercentile: percentile,
		CompletedBatch:   completedBatch,
		CompletedSingle:  completedSingle,
		Debug:            n.Debug,
	}
	summary := diagnostic.Summary(report)
	if diagnostic.IsHighSeverity(report) {
		n.log.Error(summary)
		return
	}
	n.log.Info(summary)
}

func (n *Node) shutdown(ctx context.Context) error {
	n.Engine.Close()
	return n.Commander.Shutdown(ctx)
}
