// Package ir defines the verified graph representation workflows are
// authored in before lowering to bytecode: nodes, edges, and the
// structural checks a graph must pass before the compiler will accept
// it.
package ir

// NodeKind is the closed enum of IR node kinds. Go does not check
// switches on it for exhaustiveness.
type NodeKind string

const (
	Start            NodeKind = "Start"
	End              NodeKind = "End"
	ServiceTask      NodeKind = "ServiceTask"
	GatewayXor       NodeKind = "GatewayXor"
	GatewayAnd       NodeKind = "GatewayAnd"
	GatewayInclusive NodeKind = "GatewayInclusive"
	TimerWait        NodeKind = "TimerWait"
	MessageWait      NodeKind = "MessageWait"
	HumanWait        NodeKind = "HumanWait"
	BoundaryTimer    NodeKind = "BoundaryTimer"
	BoundaryError    NodeKind = "BoundaryError"
)

// GatewayDirection distinguishes a fork from its matching join.
type GatewayDirection string

const (
	Diverging  GatewayDirection = "Diverging"
	Converging GatewayDirection = "Converging"
)

// ConditionOp is the closed set of comparisons an edge condition may
// express against a boolean flag.
type ConditionOp string

const (
	Eq  ConditionOp = "Eq"
	Neq ConditionOp = "Neq"
)

// Condition guards an outgoing edge of a GatewayXor or a branch of a
// diverging GatewayInclusive. Non-bool conditions are not modeled —
// every condition in this kernel is a flag truthiness check, matching
// the simplified comparison the lowering procedure performs.
type Condition struct {
	FlagName string
	Op       ConditionOp
	Literal  bool
}

// TimerKind is the closed enum of timer specifications.
type TimerKind string

const (
	TimerDuration TimerKind = "Duration"
	TimerDate     TimerKind = "Date"
	TimerCycle    TimerKind = "Cycle"
)

// TimerSpec describes when a TimerWait or BoundaryTimer fires.
type TimerSpec struct {
	Kind       TimerKind
	Ms         int64 // Duration, and Cycle's interval
	DeadlineMs int64 // Date
	MaxFires   int   // Cycle
}

// Node is one element of a workflow graph. Only the fields relevant to
// Kind are populated; the zero value of the rest is inert.
type Node struct {
	ID   string
	Kind NodeKind

	// End
	Terminate bool

	// ServiceTask
	TaskType string

	// GatewayAnd, GatewayInclusive
	Direction GatewayDirection

	// TimerWait, BoundaryTimer
	Timer TimerSpec

	// BoundaryTimer
	Interrupting bool

	// BoundaryTimer, BoundaryError: the ServiceTask id this node is
	// attached to.
	AttachedTo string

	// BoundaryError
	ErrorCode *string // nil is the catch-all route

	// MessageWait, HumanWait
	MessageName   string
	CorrKeySource string
}

// Edge connects two nodes, optionally guarded by a Condition.
type Edge struct {
	ID        string
	From      string
	To        string
	Condition *Condition
}

// Graph is a workflow IR graph: nodes keyed by id, plus their
// connecting edges. Node order in NodeIDs is insertion order and has no
// semantic meaning; Verify and the compiler always derive order from
// edges.
type Graph struct {
	nodes    map[string]Node
	order    []string
	outgoing map[string][]Edge
	incoming map[string][]Edge
}

// NewGraph returns an empty graph ready for AddNode/AddEdge.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]Node),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
	}
}

// AddNode inserts n, keyed by n.ID. A second AddNode with the same ID
// overwrites the first — callers build graphs once and don't mutate
// node identity after the fact.
func (g *Graph) AddNode(n Node) {
	if _, exists := g.nodes[n.ID]; !exists {
		g.order = append(g.order, n.ID)
	}
	g.nodes[n.ID] = n
}

// AddEdge connects two already-added nodes.
func (g *Graph) AddEdge(e Edge) {
	g.outgoing[e.From] = append(g.outgoing[e.From], e)
	g.incoming[e.To] = append(g.incoming[e.To], e)
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns every node id in insertion order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Outgoing returns the edges leaving id, in the order they were added.
func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// Incoming returns the edges arriving at id, in the order they were added.
func (g *Graph) Incoming(id string) []Edge {
	return g.incoming[id]
}

// Successors returns the target node ids reachable directly from id,
// in edge-insertion order.
func (g *Graph) Successors(id string) []string {
	edges := g.outgoing[id]
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = e.To
	}
	return out
}

// NodesByKind returns every node of the given kind, in insertion order.
func (g *Graph) NodesByKind(kind NodeKind) []Node {
	var out []Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
