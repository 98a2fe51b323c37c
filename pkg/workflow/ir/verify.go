package ir

import "github.com/semregistry/kernel/pkg/kernelerr"

// Verify checks the structural invariants the compiler relies on:
// exactly one Start node, every edge endpoint resolves to a known
// node, every boundary node is attached to an existing ServiceTask
// with at most one BoundaryTimer per host, and at most one matched
// GatewayInclusive fork/join pair (the v1 constraint lowering assumes).
func Verify(g *Graph) error {
	starts := g.NodesByKind(Start)
	if len(starts) == 0 {
		return kernelerr.New(kernelerr.InvalidInput, "ir graph has no Start node")
	}
	if len(starts) > 1 {
		return kernelerr.Newf(kernelerr.InvalidInput, "ir graph has %d Start nodes, want exactly 1", len(starts))
	}

	serviceTasks := make(map[string]bool)
	for _, n := range g.NodesByKind(ServiceTask) {
		serviceTasks[n.ID] = true
	}

	for _, id := range g.NodeIDs() {
		for _, e := range g.Outgoing(id) {
			if _, ok := g.Node(e.To); !ok {
				return kernelerr.Newf(kernelerr.InvalidInput, "edge %s targets unknown node %q", e.ID, e.To)
			}
		}
	}

	boundaryTimerHosts := make(map[string]int)
	for _, n := range g.NodesByKind(BoundaryTimer) {
		if !serviceTasks[n.AttachedTo] {
			return kernelerr.Newf(kernelerr.InvalidInput, "BoundaryTimer %s attached to unknown ServiceTask %q", n.ID, n.AttachedTo)
		}
		boundaryTimerHosts[n.AttachedTo]++
		if len(g.Outgoing(n.ID)) != 1 {
			return kernelerr.Newf(kernelerr.InvalidInput, "BoundaryTimer %s must have exactly one escalation successor, got %d", n.ID, len(g.Outgoing(n.ID)))
		}
	}
	for host, count := range boundaryTimerHosts {
		if count > 1 {
			return kernelerr.Newf(kernelerr.InvalidInput, "ServiceTask %q has %d BoundaryTimer nodes, want at most 1", host, count)
		}
	}

	for _, n := range g.NodesByKind(BoundaryError) {
		if !serviceTasks[n.AttachedTo] {
			return kernelerr.Newf(kernelerr.InvalidInput, "BoundaryError %s attached to unknown ServiceTask %q", n.ID, n.AttachedTo)
		}
		if len(g.Outgoing(n.ID)) != 1 {
			return kernelerr.Newf(kernelerr.InvalidInput, "BoundaryError %s must have exactly one successor, got %d", n.ID, len(g.Outgoing(n.ID)))
		}
	}

	var inclusiveForks, inclusiveJoins int
	for _, n := range g.NodesByKind(GatewayInclusive) {
		switch n.Direction {
		case Diverging:
			inclusiveForks++
		case Converging:
			inclusiveJoins++
		}
	}
	if inclusiveForks > 1 || inclusiveJoins > 1 {
		return kernelerr.New(kernelerr.InvalidInput, "at most one GatewayInclusive fork/join pair is supported per program")
	}
	if inclusiveForks != inclusiveJoins {
		return kernelerr.New(kernelerr.InvalidInput, "a diverging GatewayInclusive must be paired with a converging one")
	}

	return nil
}
