package authoring

import (
	"context"
	"testing"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/reasoning"
)

type fakeReasoningBackend struct {
	response string
	err      error
}

func (f fakeReasoningBackend) Advise(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

func TestDryRunCollectsAdviceWhenAReasoningBackendIsConfigured(t *testing.T) {
	p, _ := newTestPipeline()
	p.Reasoning = reasoning.NewAdvisor(fakeReasoningBackend{response: "consider renaming this attribute"})

	bundle := Bundle{Title: "add risk score", Entries: []ChangeSetEntry{addEntry("kyc.risk_score")}}
	id, err := p.Propose(context.Background(), bundle, "alice")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if err := p.Validate(context.Background(), id); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := p.DryRun(context.Background(), id); err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}

	cs, _ := p.Get(id)
	if len(cs.Advice) != 1 || cs.Advice[0] != "consider renaming this attribute" {
		t.Fatalf("Advice = %v, want one entry with the backend's response", cs.Advice)
	}
}

func TestDryRunSucceedsWhenTheReasoningBackendFails(t *testing.T) {
	p, _ := newTestPipeline()
	p.Reasoning = reasoning.NewAdvisor(fakeReasoningBackend{err: kernelerr.New(kernelerr.Internal, "upstream unavailable")})

	bundle := Bundle{Title: "add risk score", Entries: []ChangeSetEntry{addEntry("kyc.risk_score")}}
	id, err := p.Propose(context.Background(), bundle, "alice")
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if err := p.Validate(context.Background(), id); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := p.DryRun(context.Background(), id); err != nil {
		t.Fatalf("DryRun() error = %v, want nil — a reasoning-backend failure must never fail a dry run", err)
	}

	cs, _ := p.Get(id)
	if cs.Status != DryRunPassed {
		t.Fatalf("status = %s, want DryRunPassed", cs.Status)
	}
	if cs.Advice[0] != "" {
		t.Fatalf("Advice[0] = %q, want empty on a failed advisory call", cs.Advice[0])
	}
}
