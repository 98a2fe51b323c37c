package canonicaljson

import (
	"encoding/json"
	"testing"
)

func unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func TestMarshalSortsKeys(t *testing.T) {
	in := map[string]interface{}{"b": 1.0, "a": 2.0}
	got, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"a":2,"b":1}`
	if string(got) != want {
		t.Fatalf("Marshal() = %s, want %s", got, want)
	}
}

func TestMarshalNestedObjectsAndArrays(t *testing.T) {
	in := map[string]interface{}{
		"tags": []interface{}{"pii", "restricted"},
		"meta": map[string]interface{}{"z": true, "a": nil},
	}
	got, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"meta":{"a":null,"z":true},"tags":["pii","restricted"]}`
	if string(got) != want {
		t.Fatalf("Marshal() = %s, want %s", got, want)
	}
}

func TestMarshalRoundTripsIdempotently(t *testing.T) {
	in := map[string]interface{}{"x": 1.5, "y": []interface{}{1.0, 2.0, 3.0}}
	first, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var parsed interface{}
	if err := unmarshal(first, &parsed); err != nil {
		t.Fatalf("unmarshal() error = %v", err)
	}
	second, err := Marshal(parsed)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("canonical(parse(canonical(x))) != canonical(x): %s vs %s", first, second)
	}
}

func TestMarshalDeterministicAcrossCalls(t *testing.T) {
	in := map[string]interface{}{"c": 3.0, "a": 1.0, "b": 2.0}
	first, _ := Marshal(in)
	second, _ := Marshal(in)
	if string(first) != string(second) {
		t.Fatalf("Marshal() not deterministic: %s vs %s", first, second)
	}
}
