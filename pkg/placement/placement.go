package placement

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/types"
)

// ErrNoSuitableNode is returned when fewer nodes than requested can host a replica
var ErrNoSuitableNode = errors.New("no suitable node found")

// Request asks for nodes to host new replicas of Unit
type Request struct {
	Unit *types.FailoverUnit
	// Capacity of the unit's application, nil when unconstrained
	Capacity *types.ApplicationCapacityDescription
	Count    int
}

// Placer picks nodes for new replicas. It keeps no state between calls; the
// caller passes the cluster view on every call.
type Placer struct {
	logger zerolog.Logger
}

// NewPlacer creates a placer
func NewPlacer() *Placer {
	return &Placer{logger: log.WithComponent("placement")}
}

// nodeLoad is what placement knows about one candidate node
type nodeLoad struct {
	node     *types.NodeInfo
	replicas int
	// appLoad sums the reported load of the application's replicas on the node
	appLoad    map[string]int64
	hostsApp   bool
	sameDomain bool
}

// Place returns up to req.Count nodes for new replicas of req.Unit, least
// loaded first. When fewer nodes qualify it returns those it found together
// with ErrNoSuitableNode.
func (p *Placer) Place(req Request, nodes []*types.NodeInfo, units []*types.FailoverUnit) ([]*types.NodeInfo, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementLatency)

	if req.Unit == nil || req.Count <= 0 {
		return nil, nil
	}

	candidates := p.candidates(req.Unit, filterReadyNodes(nodes), units)
	appNodes, appTotal := applicationUsage(req.Unit.ApplicationID, units)
	load := expectedLoad(req.Unit)

	var selected []*types.NodeInfo
	for len(selected) < req.Count {
		sortCandidates(candidates)
		idx := -1
		for i, c := range candidates {
			if fits(req.Capacity, c, appNodes, appTotal, load) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}

		chosen := candidates[idx]
		selected = append(selected, chosen.node)
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		// account for the new replica before choosing the next node
		if !chosen.hostsApp {
			appNodes++
		}
		for name, v := range load {
			appTotal[name] += v
		}
		for _, c := range candidates {
			if c.node.FaultDomain != "" && c.node.FaultDomain == chosen.node.FaultDomain {
				c.sameDomain = true
			}
		}
	}

	metrics.ReplicasPlaced.Add(float64(len(selected)))
	if len(selected) < req.Count {
		p.logger.Warn().
			Str("failover_unit_id", req.Unit.ID.String()).
			Int("requested", req.Count).
			Int("placed", len(selected)).
			Msg("Not enough nodes to place replicas")
		return selected, errors.Wrapf(ErrNoSuitableNode, "placed %d of %d replicas for %s", len(selected), req.Count, req.Unit.ID)
	}
	return selected, nil
}

// candidates returns the nodes not already hosting a replica of fu, with their load
func (p *Placer) candidates(fu *types.FailoverUnit, nodes []*types.NodeInfo, units []*types.FailoverUnit) []*nodeLoad {
	hosting := make(map[string]bool)
	usedDomains := make(map[string]bool)
	for _, r := range fu.Replicas {
		hosting[r.Node.NodeID] = true
	}

	byID := make(map[string]*nodeLoad, len(nodes))
	var out []*nodeLoad
	for _, n := range nodes {
		if hosting[n.ID()] {
			if n.FaultDomain != "" {
				usedDomains[n.FaultDomain] = true
			}
			continue
		}
		c := &nodeLoad{node: n, appLoad: make(map[string]int64)}
		byID[n.ID()] = c
		out = append(out, c)
	}

	for _, u := range units {
		if u.Deleted {
			continue
		}
		for _, r := range u.Replicas {
			c, ok := byID[r.Node.NodeID]
			if !ok || !r.IsUp() {
				continue
			}
			c.replicas++
			if u.ApplicationID == fu.ApplicationID && fu.ApplicationID != "" {
				c.hostsApp = true
				for name, v := range r.Load {
					c.appLoad[name] += v
				}
			}
		}
	}

	for _, c := range out {
		c.sameDomain = c.node.FaultDomain != "" && usedDomains[c.node.FaultDomain]
	}
	return out
}

// sortCandidates orders by fault domain spread, then replica count, then node id
func sortCandidates(c []*nodeLoad) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].sameDomain != c[j].sameDomain {
			return !c[i].sameDomain
		}
		if c[i].replicas != c[j].replicas {
			return c[i].replicas < c[j].replicas
		}
		return c[i].node.ID() < c[j].node.ID()
	})
}

func fits(capacity *types.ApplicationCapacityDescription, c *nodeLoad, appNodes int, appTotal, load map[string]int64) bool {
	if capacity == nil {
		return true
	}
	if capacity.MaximumNodes > 0 && !c.hostsApp && appNodes >= capacity.MaximumNodes {
		return false
	}
	for _, m := range capacity.Metrics {
		add := load[m.Name]
		if m.MaximumNodeCapacity > 0 && c.appLoad[m.Name]+add > m.MaximumNodeCapacity {
			return false
		}
		if m.TotalApplicationCapacity > 0 && appTotal[m.Name]+add > m.TotalApplicationCapacity {
			return false
		}
	}
	return true
}

// applicationUsage counts the nodes hosting appID and its total load per metric
func applicationUsage(appID string, units []*types.FailoverUnit) (int, map[string]int64) {
	total := make(map[string]int64)
	if appID == "" {
		return 0, total
	}
	nodes := make(map[string]bool)
	for _, u := range units {
		if u.Deleted || u.ApplicationID != appID {
			continue
		}
		for _, r := range u.Replicas {
			if !r.IsUp() {
				continue
			}
			nodes[r.Node.NodeID] = true
			for name, v := range r.Load {
				total[name] += v
			}
		}
	}
	return len(nodes), total
}

// expectedLoad is the load a new replica of fu is assumed to bring: the
// highest load any of its replicas reported
func expectedLoad(fu *types.FailoverUnit) map[string]int64 {
	load := make(map[string]int64)
	for _, r := range fu.Replicas {
		for name, v := range r.Load {
			if v > load[name] {
				load[name] = v
			}
		}
	}
	return load
}

// filterReadyNodes returns only nodes that are up
func filterReadyNodes(nodes []*types.NodeInfo) []*types.NodeInfo {
	var ready []*types.NodeInfo
	for _, node := range nodes {
		if node.IsUp() {
			ready = append(ready, node)
		}
	}
	return ready
}
