package reasoning

import (
	"context"
	"errors"
	"testing"
)

type fakeInnerEnricher struct {
	calls int
	err   error
}

func (f *fakeInnerEnricher) Enrich(ctx context.Context, subjectKind string, known map[string]interface{}) (map[string]interface{}, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return map[string]interface{}{"subject_kind": subjectKind}, nil
}

func TestBreakerEnricherPassesThroughOnSuccess(t *testing.T) {
	inner := &fakeInnerEnricher{}
	e := NewBreakerEnricher("test", inner)

	got, err := e.Enrich(context.Background(), "kyc.case", nil)
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	if got["subject_kind"] != "kyc.case" {
		t.Fatalf("got = %v, want subject_kind kyc.case", got)
	}
}

func TestBreakerEnricherTripsAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeInnerEnricher{err: errors.New("lookup unavailable")}
	e := NewBreakerEnricher("test-trip", inner)

	for i := 0; i < 3; i++ {
		if _, err := e.Enrich(context.Background(), "kyc.case", nil); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	callsBeforeTrip := inner.calls
	if _, err := e.Enrich(context.Background(), "kyc.case", nil); err == nil {
		t.Fatalf("expected breaker-open error on the call after tripping")
	}
	if inner.calls != callsBeforeTrip {
		t.Fatalf("inner.calls = %d, want unchanged (%d) once the breaker is open", inner.calls, callsBeforeTrip)
	}
}
