// Package diagnostic builds the periodic human-readable status summary a
// node logs: identity, liveness, model list, and points, with a high
// severity line appended whenever liveness has dropped to OFFLINE.
package diagnostic

import (
	"fmt"
	"strings"

	"github.com/cryptoklosh/dkn-compute-node/internal/heartbeat"
)

// Report is the data a diagnostic summary is built from.
type Report struct {
	Version          string
	PeerID           string
	Address          string
	Models           []string
	Liveness         heartbeat.Liveness
	PointsTotal      float64
	PointsEarned     float64
	PointsPercentile float64
	CompletedBatch   uint64
	CompletedSingle  uint64
	Debug            bool
}

// Summary renders a multi-line status report.
func Summary(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "dkn-compute-node %s\n", r.Version)
	fmt.Fprintf(&b, "peer id:   %s\n", r.PeerID)
	fmt.Fprintf(&b, "address:   %s\n", r.Address)
	fmt.Fprintf(&b, "models:    %s\n", strings.Join(r.Models, ", "))
	fmt.Fprintf(&b, "liveness:  %s\n", r.Liveness)
	fmt.Fprintf(&b, "points:    %.2f total, %.2f earned this run, p%.0f\n", r.PointsTotal, r.PointsEarned, r.PointsPercentile)
	if r.Debug {
		fmt.Fprintf(&b, "completed: %d batch, %d single\n", r.CompletedBatch, r.CompletedSingle)
	}
	if r.Liveness == heartbeat.LivenessOffline {
		fmt.Fprintf(&b, "OFFLINE from trusted RPC peer; restart the node\n")
	}
	return b.String()
}

// IsHighSeverity reports whether the report's liveness warrants an
// operator-facing high-severity log line, rather than the routine summary.
func IsHighSeverity(r Report) bool {
	return r.Liveness == heartbeat.LivenessOffline
}
