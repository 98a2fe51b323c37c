package reasoning

import (
	"context"
	"encoding/json"

	"github.com/tmc/langchaingo/prompts"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/ports"
)

const entryAdviceTemplate = `You are a non-binding advisory reviewer for a semantic registry
change. You never approve or reject; you only point out things a
human reviewer might want to double check.

Object: {{.fqn}}
Action: {{.action}}
Change type: {{.changeType}}
Governance tier: {{.governanceTier}}
Draft payload (JSON):
{{.payload}}

In two or three sentences, note anything in this draft that looks
inconsistent, underspecified, or worth a second look.`

// Advisor renders a structured ChangeSetEntry into a prompt and
// forwards it to a ports.ReasoningService backend. It is the one
// caller in this module that uses langchaingo: everywhere else talks
// to a ports.ReasoningService directly with an already-built prompt.
type Advisor struct {
	Backend  ports.ReasoningService
	template prompts.PromptTemplate
}

// NewAdvisor wires an Advisor over backend. backend may be nil, in
// which case AdviseChangeSetEntry always returns an error — callers
// that want advice to be optional should hold a nil *Advisor instead.
func NewAdvisor(backend ports.ReasoningService) *Advisor {
	return &Advisor{
		Backend: backend,
		template: prompts.NewPromptTemplate(
			entryAdviceTemplate,
			[]string{"fqn", "action", "changeType", "governanceTier", "payload"},
		),
	}
}

// AdviseChangeSetEntry renders entryAdviceTemplate against the given
// fields and asks the backend for advice.
func (a *Advisor) AdviseChangeSetEntry(ctx context.Context, fqn, action, changeType, governanceTier string, draftPayload map[string]interface{}) (string, error) {
	if a == nil || a.Backend == nil {
		return "", kernelerr.New(kernelerr.Internal, "no reasoning backend configured")
	}

	payloadJSON, err := json.Marshal(draftPayload)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Internal, "marshal draft payload", err)
	}

	prompt, err := a.template.Format(map[string]any{
		"fqn":            fqn,
		"action":         action,
		"changeType":     changeType,
		"governanceTier": governanceTier,
		"payload":        string(payloadJSON),
	})
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.Internal, "render advisory prompt", err)
	}

	return a.Backend.Advise(ctx, prompt)
}
