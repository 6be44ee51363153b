package failover

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/types"
)

// Tracer writes FailoverUnit update and action traces. Detailed traces that
// dump every replica are throttled to one per interval.
type Tracer struct {
	logger   zerolog.Logger
	detailed *rate.Limiter
}

// NewTracer creates a tracer allowing one detailed trace per interval.
// A zero interval traces every update in detail.
func NewTracer(interval time.Duration) *Tracer {
	return &Tracer{
		logger:   log.WithComponent("failover"),
		detailed: rate.NewLimiter(limitFor(interval), 1),
	}
}

// SetInterval changes the detailed trace interval
func (t *Tracer) SetInterval(interval time.Duration) {
	t.detailed.SetLimit(limitFor(interval))
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// TraceUpdate logs the outcome of one input
func (t *Tracer) TraceUpdate(old, current *types.FailoverUnit, input Input, result Result) {
	if result.Rejected {
		t.logger.Debug().
			Str("failover_unit_id", current.ID.String()).
			Str("input", string(input.Kind())).
			Str("reason", result.Reason).
			Msg("FTUpdateBackground dropped input")
		return
	}
	if !result.Changed {
		return
	}

	var ev *zerolog.Event
	if t.detailed.Allow() {
		ev = t.logger.Info().Array("replicas", replicaDiff(old, current))
	} else {
		ev = t.logger.Debug()
	}
	ev.Str("failover_unit_id", current.ID.String()).
		Str("input", string(input.Kind())).
		Stringer("old_epoch", old.CurrentEpoch).
		Stringer("epoch", current.CurrentEpoch).
		Str("old_state", string(old.ReconfigurationState)).
		Str("state", string(current.ReconfigurationState)).
		Int("actions", len(result.Actions)).
		Msg("FTUpdateBackground")
}

// TraceAction logs an action dispatched after commit
func (t *Tracer) TraceAction(id types.FailoverUnitID, a Action) {
	t.logger.Debug().
		Str("failover_unit_id", id.String()).
		Str("action", string(a.Kind)).
		Str("target", a.Target.String()).
		Int64("replica_id", a.ReplicaID).
		Stringer("epoch", a.Epoch).
		Msg("FTAction")
}

type replicaLines []string

func (r replicaLines) MarshalZerologArray(a *zerolog.Array) {
	for _, l := range r {
		a.Str(l)
	}
}

func replicaDiff(old, current *types.FailoverUnit) replicaLines {
	var lines replicaLines
	for _, r := range current.Replicas {
		line := r.Node.String() + " " + string(r.State)
		if prev := old.GetReplica(r.Node.NodeID); prev == nil {
			line += " (new)"
		} else if prev.State != r.State {
			line += " (was " + string(prev.State) + ")"
		}
		lines = append(lines, line)
	}
	for _, r := range old.Replicas {
		if current.GetReplica(r.Node.NodeID) == nil {
			lines = append(lines, r.Node.String()+" removed")
		}
	}
	return lines
}
