package types

import "testing"

func TestObjectIdIsDeterministic(t *testing.T) {
	a := NewObjectId(AttributeDef, "kyc.risk_score")
	b := NewObjectId(AttributeDef, "kyc.risk_score")
	if a != b {
		t.Fatalf("NewObjectId() not deterministic: %s vs %s", a, b)
	}

	c := NewObjectId(VerbContract, "kyc.risk_score")
	if a == c {
		t.Fatalf("NewObjectId() collided across ObjectType: %s", a)
	}
}

func TestSnapshotIdIsRandom(t *testing.T) {
	a := NewSnapshotId()
	b := NewSnapshotId()
	if a == b {
		t.Fatalf("NewSnapshotId() produced a collision: %s", a)
	}
}

func TestFQNValid(t *testing.T) {
	cases := map[string]bool{
		"kyc.risk_score":        true,
		"kyc.sub.risk_score_v2": true,
		"KYC.risk_score":        false,
		"kyc":                   false,
		"kyc..risk":             false,
		"1kyc.risk":             false,
	}
	for fqn, want := range cases {
		if got := FQN(fqn).Valid(); got != want {
			t.Errorf("FQN(%q).Valid() = %v, want %v", fqn, got, want)
		}
	}
}

func TestVersionGreaterThan(t *testing.T) {
	if !(Version{Major: 2, Minor: 0}).GreaterThan(Version{Major: 1, Minor: 9}) {
		t.Fatal("2.0 should be greater than 1.9")
	}
	if !(Version{Major: 1, Minor: 2}).GreaterThan(Version{Major: 1, Minor: 1}) {
		t.Fatal("1.2 should be greater than 1.1")
	}
	if (Version{Major: 1, Minor: 0}).GreaterThan(Version{Major: 1, Minor: 0}) {
		t.Fatal("1.0 should not be greater than itself")
	}
}

func TestHashDefinitionDeterministic(t *testing.T) {
	def := map[string]interface{}{"b": 1.0, "a": "x"}
	h1, err := HashDefinition(def)
	if err != nil {
		t.Fatalf("HashDefinition() error = %v", err)
	}
	h2, err := HashDefinition(def)
	if err != nil {
		t.Fatalf("HashDefinition() error = %v", err)
	}
	if h1 != h2 {
		t.Fatalf("HashDefinition() not deterministic: %s vs %s", h1, h2)
	}
}
