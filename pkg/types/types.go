// Package types defines the identities and value types shared by every
// component of the registry: the closed ObjectType enum, FQN grammar,
// content-addressed ids, versions, and governance labels.
package types

import (
	"crypto/sha256"
	"database/sql/driver"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/semregistry/kernel/pkg/canonicaljson"
)

// ObjectType is the closed enum of objects the registry can hold;
// ValidObjectTypes lists every member. Go does not check switches on it
// for exhaustiveness.
type ObjectType string

const (
	AttributeDef        ObjectType = "AttributeDef"
	EntityTypeDef       ObjectType = "EntityTypeDef"
	VerbContract        ObjectType = "VerbContract"
	TaxonomyDef         ObjectType = "TaxonomyDef"
	TaxonomyNode        ObjectType = "TaxonomyNode"
	MembershipRule      ObjectType = "MembershipRule"
	ViewDef             ObjectType = "ViewDef"
	PolicyRule          ObjectType = "PolicyRule"
	EvidenceRequirement ObjectType = "EvidenceRequirement"
	DocumentTypeDef     ObjectType = "DocumentTypeDef"
	ObservationDef      ObjectType = "ObservationDef"
	DerivationSpec      ObjectType = "DerivationSpec"
)

// ValidObjectTypes lists every closed-enum member, for validation and
// for iterating "every ObjectType" style gate/report logic.
var ValidObjectTypes = []ObjectType{
	AttributeDef, EntityTypeDef, VerbContract, TaxonomyDef, TaxonomyNode,
	MembershipRule, ViewDef, PolicyRule, EvidenceRequirement,
	DocumentTypeDef, ObservationDef, DerivationSpec,
}

// Valid reports whether ot is one of the closed enum's members.
func (ot ObjectType) Valid() bool {
	for _, v := range ValidObjectTypes {
		if v == ot {
			return true
		}
	}
	return false
}

// FQN is a hierarchical dotted identifier, unique per ObjectType within
// the active set.
type FQN string

var fqnPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Valid reports whether the FQN matches the registry's naming convention:
// lowercase dot-segments, each starting with a letter.
func (f FQN) Valid() bool {
	return fqnPattern.MatchString(string(f))
}

func (f FQN) String() string { return string(f) }

// ObjectId is the 128-bit identifier stable across an object's
// versions, deterministically derived from (ObjectType, FQN).
type ObjectId uuid.UUID

// NewObjectId derives the deterministic id hash(ObjectType ∥ FQN),
// truncated to 128 bits and rendered as a UUID so it composes with
// everything else that expects a uuid.UUID.
func NewObjectId(objectType ObjectType, fqn FQN) ObjectId {
	sum := sha256.Sum256([]byte(string(objectType) + "\x00" + string(fqn)))
	var id uuid.UUID
	copy(id[:], sum[:16])
	// Mark as a name-based (v5-like) id so it's visually distinct from
	// the random SnapshotId in logs, without claiming real v5 semantics.
	id[6] = (id[6] & 0x0f) | 0x50
	id[8] = (id[8] & 0x3f) | 0x80
	return ObjectId(id)
}

func (o ObjectId) String() string { return uuid.UUID(o).String() }

// Value implements driver.Valuer so a storage adapter can pass an
// ObjectId directly as a query argument.
func (o ObjectId) Value() (driver.Value, error) { return uuid.UUID(o).String(), nil }

// Scan implements sql.Scanner, the Value counterpart.
func (o *ObjectId) Scan(src interface{}) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return err
	}
	*o = ObjectId(u)
	return nil
}

// SnapshotId is a freshly minted 128-bit identifier per published version.
type SnapshotId uuid.UUID

// NewSnapshotId mints a fresh random SnapshotId.
func NewSnapshotId() SnapshotId {
	return SnapshotId(uuid.New())
}

func (s SnapshotId) String() string { return uuid.UUID(s).String() }

// Value implements driver.Valuer.
func (s SnapshotId) Value() (driver.Value, error) { return uuid.UUID(s).String(), nil }

// Scan implements sql.Scanner.
func (s *SnapshotId) Scan(src interface{}) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return err
	}
	*s = SnapshotId(u)
	return nil
}

// SnapshotSetId identifies a batch of snapshots published atomically
// by one publish_set call.
type SnapshotSetId uuid.UUID

func NewSnapshotSetId() SnapshotSetId {
	return SnapshotSetId(uuid.New())
}

func (s SnapshotSetId) String() string { return uuid.UUID(s).String() }

// Value implements driver.Valuer.
func (s SnapshotSetId) Value() (driver.Value, error) { return uuid.UUID(s).String(), nil }

// Scan implements sql.Scanner.
func (s *SnapshotSetId) Scan(src interface{}) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return err
	}
	*s = SnapshotSetId(u)
	return nil
}

// Version is the (major, minor) tuple monotonic within an ObjectId.
type Version struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// GreaterThan reports whether v is strictly greater than other in
// (major, minor) lexicographic order.
func (v Version) GreaterThan(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor > other.Minor
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// ContentHash is the SHA-256 over canonical JSON of a definition body.
type ContentHash [32]byte

// HashDefinition computes the ContentHash of a definition body by
// canonicalizing it to JSON and taking its SHA-256.
func HashDefinition(definition map[string]interface{}) (ContentHash, error) {
	canon, err := canonicaljson.MarshalMap(definition)
	if err != nil {
		return ContentHash{}, err
	}
	return sha256.Sum256(canon), nil
}

func (c ContentHash) String() string { return fmt.Sprintf("%x", [32]byte(c)) }

// Classification is the closed enum of security classification levels,
// ordered least to most sensitive so clearance comparisons can use `<`.
type Classification int

const (
	ClassificationPublic Classification = iota
	ClassificationInternal
	ClassificationConfidential
	ClassificationRestricted
)

func (c Classification) String() string {
	switch c {
	case ClassificationPublic:
		return "public"
	case ClassificationInternal:
		return "internal"
	case ClassificationConfidential:
		return "confidential"
	case ClassificationRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// SecurityLabel carries the ABAC-relevant governance metadata attached
// to every snapshot.
type SecurityLabel struct {
	Classification Classification `json:"classification"`
	PII            bool           `json:"pii"`
	Jurisdictions  []string       `json:"jurisdictions,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
}

// GovernanceTier is the closed enum distinguishing fully-governed
// objects from ones an author can change without review.
type GovernanceTier string

const (
	Governed    GovernanceTier = "governed"
	Operational GovernanceTier = "operational"
)

// TrustClass is the closed enum describing how an object's definition
// was derived.
type TrustClass string

const (
	Authoritative TrustClass = "authoritative"
	Derived       TrustClass = "derived"
	Convenience   TrustClass = "convenience"
)

// SnapshotStatus is the closed enum of a snapshot row's lifecycle state.
type SnapshotStatus string

const (
	StatusDraft      SnapshotStatus = "draft"
	StatusActive     SnapshotStatus = "active"
	StatusRetired    SnapshotStatus = "retired"
	StatusSuperseded SnapshotStatus = "superseded"
)

// ChangeType is the closed enum describing how a snapshot relates to
// its predecessor, used by the proof-chain-compatibility gate and by
// authoring's version bump.
type ChangeType string

const (
	ChangeCreated     ChangeType = "created"
	ChangeNonBreaking ChangeType = "non_breaking"
	ChangeBreaking    ChangeType = "breaking"
	ChangeRetirement  ChangeType = "retirement"
)
