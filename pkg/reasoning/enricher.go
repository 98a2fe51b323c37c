package reasoning

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/ports"
)

var _ ports.Enricher = (*BreakerEnricher)(nil)

// BreakerEnricher wraps any ports.Enricher with its own circuit
// breaker, same treatment as AnthropicBackend/BedrockBackend: a
// flaky external data provider trips the breaker instead of stalling
// every concurrent resolution call.
type BreakerEnricher struct {
	inner   ports.Enricher
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerEnricher wraps inner, named for its own breaker metrics.
func NewBreakerEnricher(name string, inner ports.Enricher) *BreakerEnricher {
	return &BreakerEnricher{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(breakerSettings("enricher." + name)),
	}
}

// Enrich implements ports.Enricher.
func (b *BreakerEnricher) Enrich(ctx context.Context, subjectKind string, known map[string]interface{}) (map[string]interface{}, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Enrich(ctx, subjectKind, known)
	})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "enrich", err)
	}
	return result.(map[string]interface{}), nil
}
