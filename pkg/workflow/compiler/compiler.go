package compiler

import (
	"crypto/sha256"
	"sort"
	"strconv"

	"github.com/semregistry/kernel/pkg/canonicaljson"
	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/workflow/ir"
)

// Lower verifies g and lowers it into a CompiledProgram. Callers that
// already verified g may skip re-verification error handling, but
// Lower always re-checks — a compiler that trusts its input is a
// compiler that silently miscompiles when the input drifts.
func Lower(g *ir.Graph) (*CompiledProgram, error) {
	if err := ir.Verify(g); err != nil {
		return nil, err
	}

	order, err := topoOrder(g)
	if err != nil {
		return nil, err
	}

	taskIntern := map[string]uint32{}
	var taskManifest []string
	flagIntern := map[string]FlagKey{}

	nodeAddr := make(map[string]Addr, len(order))
	var addr Addr
	for _, id := range order {
		nodeAddr[id] = addr
		n, _ := g.Node(id)
		addr += estimateInstrCount(g, n)
	}

	boundaryTimerHost := map[string]ir.Node{}   // host ServiceTask id -> BoundaryTimer node
	boundaryErrorHost := map[string][]ir.Node{} // host ServiceTask id -> BoundaryError nodes
	for _, id := range order {
		n, _ := g.Node(id)
		switch n.Kind {
		case ir.BoundaryTimer:
			boundaryTimerHost[n.AttachedTo] = n
		case ir.BoundaryError:
			boundaryErrorHost[n.AttachedTo] = append(boundaryErrorHost[n.AttachedTo], n)
		}
	}

	// Pre-scan: allocate the one join_id a converging GatewayInclusive
	// gets, sorted by address so the pick is deterministic regardless
	// of map/graph traversal order.
	var inclusiveConverging []ir.Node
	for _, id := range order {
		n, _ := g.Node(id)
		if n.Kind == ir.GatewayInclusive && n.Direction == ir.Converging {
			inclusiveConverging = append(inclusiveConverging, n)
		}
	}
	sort.Slice(inclusiveConverging, func(i, j int) bool {
		return nodeAddr[inclusiveConverging[i].ID] < nodeAddr[inclusiveConverging[j].ID]
	})
	var inclusiveJoinID JoinID
	var haveInclusiveJoin bool
	var joinIDCounter JoinID
	inclusiveJoinIDs := map[string]JoinID{}
	if len(inclusiveConverging) > 0 {
		inclusiveJoinID = joinIDCounter
		joinIDCounter++
		inclusiveJoinIDs[inclusiveConverging[0].ID] = inclusiveJoinID
		haveInclusiveJoin = true
	}

	var instructions []Instr
	debugMap := map[Addr]string{}
	joinPlan := map[JoinID]JoinPlanEntry{}
	waitPlan := map[WaitID]WaitPlanEntry{}
	racePlan := map[RaceID]RacePlanEntry{}
	boundaryMap := map[Addr]RaceID{}
	var waitIDCounter WaitID
	var raceIDCounter RaceID

	for _, id := range order {
		n, _ := g.Node(id)
		base := nodeAddr[id]
		for Addr(len(instructions)) < base {
			instructions = append(instructions, Jump{Target: base})
		}
		debugMap[base] = n.ID

		switch n.Kind {
		case ir.Start:
			successors := g.Successors(id)
			if len(successors) > 0 {
				instructions = append(instructions, Jump{Target: resolveAddr(nodeAddr, successors[0], base+1)})
			} else {
				instructions = append(instructions, End{})
			}

		case ir.End:
			if n.Terminate {
				instructions = append(instructions, EndTerminate{})
			} else {
				instructions = append(instructions, End{})
			}

		case ir.ServiceTask:
			taskID := internTask(taskIntern, &taskManifest, n.TaskType)
			execAddr := Addr(len(instructions))
			instructions = append(instructions, ExecNative{TaskType: taskID})

			successors := g.Successors(id)
			var normalResume Addr
			if len(successors) > 0 {
				normalResume = resolveAddr(nodeAddr, successors[0], base+2)
				instructions = append(instructions, Jump{Target: normalResume})
			} else {
				normalResume = Addr(len(instructions))
				instructions = append(instructions, End{})
			}

			if bt, ok := boundaryTimerHost[n.ID]; ok {
				escSuccessors := g.Successors(bt.ID)
				var escAddr Addr
				if len(escSuccessors) > 0 {
					escAddr = nodeAddr[escSuccessors[0]]
				}

				timerArm, err := lowerTimerArm(bt.Timer, escAddr, bt.Interrupting)
				if err != nil {
					return nil, err
				}

				raceID := raceIDCounter
				raceIDCounter++
				racePlan[raceID] = RacePlanEntry{
					Arms: []WaitArm{
						InternalArm{Kind: 0, ResumeAt: normalResume},
						timerArm,
					},
					BoundaryElementID: bt.ID,
				}
				boundaryMap[execAddr] = raceID
			}

		case ir.GatewayXor:
			var defaultTarget *Addr
			for _, e := range g.Outgoing(id) {
				targetAddr := nodeAddr[e.To]
				if e.Condition != nil {
					key := internFlag(flagIntern, e.Condition.FlagName)
					instructions = append(instructions, LoadFlag{Key: key})
					want := e.Condition.Literal
					if e.Condition.Op == ir.Neq {
						want = !want
					}
					t := targetAddr
					if want {
						instructions = append(instructions, BrIf{Target: t})
					} else {
						instructions = append(instructions, BrIfNot{Target: t})
					}
				} else {
					t := targetAddr
					defaultTarget = &t
				}
			}
			if defaultTarget != nil {
				instructions = append(instructions, Jump{Target: *defaultTarget})
			}

		case ir.GatewayAnd:
			switch n.Direction {
			case ir.Diverging:
				successors := g.Successors(id)
				targets := make([]Addr, len(successors))
				for i, s := range successors {
					targets[i] = nodeAddr[s]
				}
				instructions = append(instructions, Fork{Targets: targets})
			case ir.Converging:
				joinID := joinIDCounter
				joinIDCounter++
				expected := uint16(len(g.Incoming(id)))
				var next Addr
				if successors := g.Successors(id); len(successors) > 0 {
					next = nodeAddr[successors[0]]
				}
				joinPlan[joinID] = JoinPlanEntry{Expected: expected, Next: next}
				instructions = append(instructions, Join{ID: joinID, Expected: expected, Next: next})
			}

		case ir.GatewayInclusive:
			switch n.Direction {
			case ir.Diverging:
				outgoing := g.Outgoing(id)
				branches := make([]InclusiveBranch, len(outgoing))
				for i, e := range outgoing {
					b := InclusiveBranch{Target: nodeAddr[e.To]}
					if e.Condition != nil {
						key := internFlag(flagIntern, e.Condition.FlagName)
						b.ConditionFlag = &key
					}
					branches[i] = b
				}
				var joinID JoinID
				if haveInclusiveJoin {
					joinID = inclusiveJoinID
				}
				instructions = append(instructions, ForkInclusive{Branches: branches, JoinID: joinID})
			case ir.Converging:
				joinID := inclusiveJoinIDs[n.ID]
				var next Addr
				if successors := g.Successors(id); len(successors) > 0 {
					next = nodeAddr[successors[0]]
				}
				instructions = append(instructions, JoinDynamic{ID: joinID, Next: next})
			}

		case ir.TimerWait:
			switch n.Timer.Kind {
			case ir.TimerDuration:
				instructions = append(instructions, WaitFor{Ms: n.Timer.Ms})
			case ir.TimerDate:
				instructions = append(instructions, WaitUntil{DeadlineMs: n.Timer.DeadlineMs})
			case ir.TimerCycle:
				// Standalone timer cycle: treated as a single wait for
				// the first interval, matching the lowering this
				// kernel generalizes from.
				instructions = append(instructions, WaitFor{Ms: n.Timer.Ms})
			}
			if successors := g.Successors(id); len(successors) > 0 {
				instructions = append(instructions, Jump{Target: nodeAddr[successors[0]]})
			}

		case ir.MessageWait, ir.HumanWait:
			waitID := waitIDCounter
			waitIDCounter++
			nameKey := internFlag(flagIntern, n.MessageName)
			corrReg, err := parseCorrReg(n.CorrKeySource)
			if err != nil {
				return nil, err
			}
			kind := WaitMsgKind
			if n.Kind == ir.HumanWait {
				kind = WaitHumanKind
			}
			waitPlan[waitID] = WaitPlanEntry{Kind: kind, Name: nameKey, CorrSource: corrReg}
			instructions = append(instructions, WaitMsg{WaitID: waitID, Name: nameKey, CorrReg: corrReg})
			if successors := g.Successors(id); len(successors) > 0 {
				instructions = append(instructions, Jump{Target: nodeAddr[successors[0]]})
			}

		case ir.BoundaryTimer, ir.BoundaryError:
			// Structural metadata only — resolved above, while lowering
			// the host ServiceTask; no bytecode is emitted here.
		}
	}

	errorRouteMap, err := buildErrorRouteMap(g, nodeAddr, boundaryErrorHost)
	if err != nil {
		return nil, err
	}

	writeSet := map[string][]FlagKey{}
	for name, key := range flagIntern {
		writeSet[name] = append(writeSet[name], key)
	}

	version, err := bytecodeVersion(instructions)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "hash bytecode", err)
	}

	return &CompiledProgram{
		Instructions:    instructions,
		DebugMap:        debugMap,
		JoinPlan:        joinPlan,
		WaitPlan:        waitPlan,
		RacePlan:        racePlan,
		BoundaryMap:     boundaryMap,
		ErrorRouteMap:   errorRouteMap,
		WriteSet:        writeSet,
		TaskManifest:    taskManifest,
		BytecodeVersion: version,
	}, nil
}

func resolveAddr(nodeAddr map[string]Addr, id string, fallback Addr) Addr {
	if a, ok := nodeAddr[id]; ok {
		return a
	}
	return fallback
}

func lowerTimerArm(spec ir.TimerSpec, resumeAt Addr, interrupting bool) (WaitArm, error) {
	switch spec.Kind {
	case ir.TimerDuration:
		return TimerArm{DurationMs: spec.Ms, ResumeAt: resumeAt, Interrupting: interrupting}, nil
	case ir.TimerDate:
		return DeadlineArm{DeadlineMs: spec.DeadlineMs, ResumeAt: resumeAt}, nil
	case ir.TimerCycle:
		return TimerArm{
			DurationMs: spec.Ms, ResumeAt: resumeAt, Interrupting: interrupting,
			Cycle: &CycleSpec{IntervalMs: spec.Ms, MaxFires: spec.MaxFires},
		}, nil
	default:
		return nil, kernelerr.Newf(kernelerr.InvalidInput, "unknown timer spec kind %q", spec.Kind)
	}
}

func buildErrorRouteMap(g *ir.Graph, nodeAddr map[string]Addr, hosts map[string][]ir.Node) (map[Addr][]ErrorRoute, error) {
	out := map[Addr][]ErrorRoute{}
	for hostID, boundaries := range hosts {
		hostAddr, ok := nodeAddr[hostID]
		if !ok {
			return nil, kernelerr.Newf(kernelerr.InvalidInput, "BoundaryError host %q has no address", hostID)
		}
		var routes []ErrorRoute
		for _, b := range boundaries {
			successors := g.Successors(b.ID)
			if len(successors) == 0 {
				return nil, kernelerr.Newf(kernelerr.InvalidInput, "BoundaryError %s has no successor", b.ID)
			}
			routes = append(routes, ErrorRoute{
				Code: b.ErrorCode, ResumeAt: nodeAddr[successors[0]], BoundaryElementID: b.ID,
			})
		}
		// Coded routes before the catch-all.
		sort.SliceStable(routes, func(i, j int) bool {
			return routes[i].Code != nil && routes[j].Code == nil
		})
		out[hostAddr] = routes
	}
	return out, nil
}

// parseCorrReg resolves a MessageWait/HumanWait's correlation register
// source. Unlike the reference this kernel generalizes from — which
// silently aliased an unparseable source to register 0 — an
// unparseable source is a lowering-time defect: aliasing an unrelated
// register would corrupt whatever wait happened to occupy it.
func parseCorrReg(source string) (uint8, error) {
	n, err := strconv.ParseUint(source, 10, 8)
	if err != nil {
		return 0, kernelerr.Wrapf(kernelerr.InvalidInput, err, "correlation register source %q is not a valid register index", source)
	}
	return uint8(n), nil
}

func internTask(intern map[string]uint32, manifest *[]string, name string) uint32 {
	if id, ok := intern[name]; ok {
		return id
	}
	id := uint32(len(*manifest))
	*manifest = append(*manifest, name)
	intern[name] = id
	return id
}

func internFlag(intern map[string]FlagKey, name string) FlagKey {
	if id, ok := intern[name]; ok {
		return id
	}
	id := FlagKey(len(intern))
	intern[name] = id
	return id
}

// estimateInstrCount is the per-node address reservation from the
// lowering procedure: how many instruction slots a node's emission
// will occupy, so every node can be assigned a base address before
// any instruction is actually emitted.
func estimateInstrCount(g *ir.Graph, n ir.Node) Addr {
	switch n.Kind {
	case ir.Start, ir.End:
		return 1
	case ir.ServiceTask:
		return 2 // ExecNative + Jump
	case ir.GatewayXor:
		out := len(g.Outgoing(n.ID))
		count := Addr(out) * 2
		if count < 1 {
			count = 1
		}
		return count + 1
	case ir.GatewayAnd, ir.GatewayInclusive:
		return 1 // Fork/Join, or ForkInclusive/JoinDynamic
	case ir.TimerWait, ir.MessageWait, ir.HumanWait:
		return 2
	case ir.BoundaryTimer, ir.BoundaryError:
		return 0
	default:
		return 1
	}
}

// topoOrder performs a BFS from the graph's unique Start node, then
// sweeps any unvisited nodes (escalation paths reachable only from
// boundary events) in a second pass. The resulting order determines
// bytecode layout.
func topoOrder(g *ir.Graph) ([]string, error) {
	starts := make([]string, 0, 1)
	for _, id := range g.NodeIDs() {
		n, _ := g.Node(id)
		if n.Kind == ir.Start {
			starts = append(starts, id)
		}
	}
	if len(starts) != 1 {
		return nil, kernelerr.Newf(kernelerr.InvalidInput, "expected exactly one Start node, found %d", len(starts))
	}

	visited := map[string]bool{}
	var order []string
	var bfs func(root string)
	bfs = func(root string) {
		queue := []string{root}
		visited[root] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			order = append(order, cur)
			for _, s := range g.Successors(cur) {
				if !visited[s] {
					visited[s] = true
					queue = append(queue, s)
				}
			}
		}
	}

	bfs(starts[0])
	for _, id := range g.NodeIDs() {
		if !visited[id] {
			bfs(id)
		}
	}
	return order, nil
}

// bytecodeVersion hashes a serializable projection of the instruction
// array, so two programs with identical semantics hash identically
// regardless of Go's in-memory interface representation.
func bytecodeVersion(instructions []Instr) ([32]byte, error) {
	serializable := make([]map[string]interface{}, len(instructions))
	for i, instr := range instructions {
		serializable[i] = instrToMap(instr)
	}
	canon, err := canonicaljson.Marshal(serializable)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

func instrToMap(instr Instr) map[string]interface{} {
	switch v := instr.(type) {
	case Jump:
		return map[string]interface{}{"op": "Jump", "target": v.Target}
	case End:
		return map[string]interface{}{"op": "End"}
	case EndTerminate:
		return map[string]interface{}{"op": "EndTerminate"}
	case ExecNative:
		return map[string]interface{}{"op": "ExecNative", "task_type": v.TaskType, "argc": v.Argc, "retc": v.Retc}
	case BrIf:
		return map[string]interface{}{"op": "BrIf", "target": v.Target}
	case BrIfNot:
		return map[string]interface{}{"op": "BrIfNot", "target": v.Target}
	case LoadFlag:
		return map[string]interface{}{"op": "LoadFlag", "key": v.Key}
	case Fork:
		return map[string]interface{}{"op": "Fork", "targets": v.Targets}
	case Join:
		return map[string]interface{}{"op": "Join", "id": v.ID, "expected": v.Expected, "next": v.Next}
	case ForkInclusive:
		branches := make([]map[string]interface{}, len(v.Branches))
		for i, b := range v.Branches {
			bm := map[string]interface{}{"target": b.Target}
			if b.ConditionFlag != nil {
				bm["condition_flag"] = *b.ConditionFlag
			}
			branches[i] = bm
		}
		return map[string]interface{}{"op": "ForkInclusive", "branches": branches, "join_id": v.JoinID}
	case JoinDynamic:
		return map[string]interface{}{"op": "JoinDynamic", "id": v.ID, "next": v.Next}
	case WaitFor:
		return map[string]interface{}{"op": "WaitFor", "ms": v.Ms}
	case WaitUntil:
		return map[string]interface{}{"op": "WaitUntil", "deadline_ms": v.DeadlineMs}
	case WaitMsg:
		return map[string]interface{}{"op": "WaitMsg", "wait_id": v.WaitID, "name": v.Name, "corr_reg": v.CorrReg}
	default:
		return map[string]interface{}{"op": "unknown"}
	}
}
