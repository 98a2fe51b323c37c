package ir

import (
	"testing"

	"github.com/semregistry/kernel/pkg/kernelerr"
)

func linearGraph() *Graph {
	g := NewGraph()
	g.AddNode(Node{ID: "start", Kind: Start})
	g.AddNode(Node{ID: "task1", Kind: ServiceTask, TaskType: "create_case"})
	g.AddNode(Node{ID: "end", Kind: End})
	g.AddEdge(Edge{ID: "f1", From: "start", To: "task1"})
	g.AddEdge(Edge{ID: "f2", From: "task1", To: "end"})
	return g
}

func TestVerifyAcceptsLinearGraph(t *testing.T) {
	if err := Verify(linearGraph()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyRejectsMissingStart(t *testing.T) {
	g := NewGraph()
	g.AddNode(Node{ID: "end", Kind: End})
	err := Verify(g)
	if kernelerr.KindOf(err) != kernelerr.InvalidInput {
		t.Fatalf("Verify() error = %v, want InvalidInput", err)
	}
}

func TestVerifyRejectsMultipleStart(t *testing.T) {
	g := linearGraph()
	g.AddNode(Node{ID: "start2", Kind: Start})
	err := Verify(g)
	if kernelerr.KindOf(err) != kernelerr.InvalidInput {
		t.Fatalf("Verify() error = %v, want InvalidInput", err)
	}
}

func TestVerifyRejectsDanglingEdge(t *testing.T) {
	g := NewGraph()
	g.AddNode(Node{ID: "start", Kind: Start})
	g.AddEdge(Edge{ID: "f1", From: "start", To: "ghost"})
	err := Verify(g)
	if kernelerr.KindOf(err) != kernelerr.InvalidInput {
		t.Fatalf("Verify() error = %v, want InvalidInput", err)
	}
}

func TestVerifyRejectsTwoBoundaryTimersOnSameHost(t *testing.T) {
	g := linearGraph()
	g.AddNode(Node{ID: "esc", Kind: ServiceTask, TaskType: "escalate"})
	g.AddEdge(Edge{ID: "f3", From: "bt1", To: "esc"})
	g.AddEdge(Edge{ID: "f4", From: "bt2", To: "esc"})
	g.AddNode(Node{ID: "bt1", Kind: BoundaryTimer, AttachedTo: "task1", Timer: TimerSpec{Kind: TimerDuration, Ms: 1000}})
	g.AddNode(Node{ID: "bt2", Kind: BoundaryTimer, AttachedTo: "task1", Timer: TimerSpec{Kind: TimerDuration, Ms: 2000}})

	err := Verify(g)
	if kernelerr.KindOf(err) != kernelerr.InvalidInput {
		t.Fatalf("Verify() error = %v, want InvalidInput", err)
	}
}

func TestVerifyRejectsUnpairedInclusiveGateway(t *testing.T) {
	g := linearGraph()
	g.AddNode(Node{ID: "incl_fork", Kind: GatewayInclusive, Direction: Diverging})
	err := Verify(g)
	if kernelerr.KindOf(err) != kernelerr.InvalidInput {
		t.Fatalf("Verify() error = %v, want InvalidInput", err)
	}
}
