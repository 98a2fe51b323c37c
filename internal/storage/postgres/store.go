// Package postgres is the concrete Storage port adapter: snapshot
// append, active-index upsert, outbox row, and scratch-schema dry-run
// isolation, all against a real Postgres database. Store satisfies
// snapshot.Store the same way InMemoryStore does, so any caller wired
// against the port (resolution, authoring, projector) works unchanged
// against either backend.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/shared/telemetry"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

var _ snapshot.Store = (*Store)(nil)

// Store implements snapshot.Store against Postgres tables: snapshots
// (append-only history), active_index (current (object_type,
// object_id) -> snapshot_id), snapshot_set_entries (publish-batch
// manifest entries), snapshot_refs (extracted "_ref"/"_fqn" edges, for
// FindDependents), and outbox_events (the durable post-commit log).
type Store struct {
	db *sqlx.DB
}

// New wraps db (as returned by sql.Open, or by sqlmock.New in tests)
// for pgx's database/sql driver.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

// PublishSet implements snapshot.Store. The whole batch commits in one
// transaction: every row append, active-index upsert, and the single
// outbox event all succeed together or not at all.
func (s *Store) PublishSet(ctx context.Context, items []snapshot.PublishItem, publisher, correlationID string) (types.SnapshotSetId, error) {
	ctx, span := telemetry.StartSpan(ctx, "postgres.PublishSet")
	defer span.End()
	start := time.Now()
	defer func() { telemetry.PublishLatency.Observe(time.Since(start).Seconds()) }()

	if len(items) == 0 {
		return types.SnapshotSetId{}, kernelerr.New(kernelerr.InvalidInput, "publish_set requires at least one item")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return types.SnapshotSetId{}, mapError("begin publish_set transaction", "", err)
	}
	defer tx.Rollback()

	setID := types.NewSnapshotSetId()
	now := time.Now().UTC()

	outboxItems := []snapshot.OutboxSnapshotItem{}

	for _, item := range items {
		hash, err := types.HashDefinition(item.Definition)
		if err != nil {
			return types.SnapshotSetId{}, kernelerr.Wrap(kernelerr.InvalidInput, "hash definition", err)
		}

		predecessorArg := predecessorArgOf(item.Meta.PredecessorID)

		var existingID types.SnapshotId
		err = tx.GetContext(ctx, &existingID, `
			SELECT snapshot_id FROM snapshots
			WHERE object_id = $1 AND content_hash = $2 AND predecessor_id IS NOT DISTINCT FROM $3
			LIMIT 1`, item.Meta.ObjectID, hash[:], predecessorArg)
		switch {
		case err == nil:
			entry := snapshot.ManifestEntry{
				SnapshotID: existingID, ObjectType: item.Meta.ObjectType,
				FQN: fqnOf(item.Definition), ContentHash: hash,
			}
			if err := insertManifestEntry(ctx, tx, setID, entry); err != nil {
				return types.SnapshotSetId{}, err
			}
			continue
		case err == sql.ErrNoRows:
			// No identical republish on record; fall through and append.
		default:
			return types.SnapshotSetId{}, mapError("check idempotent republish", "snapshots", err)
		}

		snapID := types.NewSnapshotId()
		definitionJSON, err := json.Marshal(item.Definition)
		if err != nil {
			return types.SnapshotSetId{}, kernelerr.Wrap(kernelerr.InvalidInput, "marshal definition", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE snapshots SET effective_until = $1,
				status = CASE WHEN status = 'active' THEN 'superseded' ELSE status END
			WHERE object_type = $2 AND object_id = $3 AND effective_until IS NULL`,
			now, item.Meta.ObjectType, item.Meta.ObjectID); err != nil {
			return types.SnapshotSetId{}, mapError("close predecessor row", "snapshots", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (
				snapshot_id, object_type, object_id, version_major, version_minor,
				content_hash, definition, status, governance_tier, trust_class,
				security_label, change_type, change_rationale, created_by, approved_by,
				predecessor_id, snapshot_set_id, effective_from, effective_until
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NULL)`,
			snapID, item.Meta.ObjectType, item.Meta.ObjectID, item.Meta.Version.Major, item.Meta.Version.Minor,
			hash[:], definitionJSON, item.Meta.Status, item.Meta.GovernanceTier, item.Meta.TrustClass,
			securityLabelJSON(item.Meta.SecurityLabel), item.Meta.ChangeType, item.Meta.ChangeRationale,
			item.Meta.CreatedBy, item.Meta.ApprovedBy, predecessorArg, setID, now,
		); err != nil {
			return types.SnapshotSetId{}, mapError("insert snapshot", "snapshots", err)
		}

		fqn := fqnOf(item.Definition)
		if item.Meta.Status == types.StatusActive {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO active_index (object_type, object_id, snapshot_id, fqn)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (object_type, object_id) DO UPDATE SET snapshot_id = EXCLUDED.snapshot_id, fqn = EXCLUDED.fqn`,
				item.Meta.ObjectType, item.Meta.ObjectID, snapID, fqn); err != nil {
				return types.SnapshotSetId{}, mapError("upsert active index", "active_index", err)
			}
		} else if item.Meta.Status == types.StatusRetired {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM active_index WHERE object_type = $1 AND object_id = $2`,
				item.Meta.ObjectType, item.Meta.ObjectID); err != nil {
				return types.SnapshotSetId{}, mapError("retire active index", "active_index", err)
			}
		}

		if err := replaceRefs(ctx, tx, snapID, item.Definition); err != nil {
			return types.SnapshotSetId{}, err
		}

		entry := snapshot.ManifestEntry{SnapshotID: snapID, ObjectType: item.Meta.ObjectType, FQN: fqn, ContentHash: hash}
		if err := insertManifestEntry(ctx, tx, setID, entry); err != nil {
			return types.SnapshotSetId{}, err
		}

		outboxItems = append(outboxItems, snapshot.OutboxSnapshotItem{
			ObjectType: item.Meta.ObjectType, ObjectID: item.Meta.ObjectID, FQN: fqn,
			SnapshotID: snapID, Version: item.Meta.Version, ContentHash: hash, ChangeType: item.Meta.ChangeType,
		})
	}

	itemsJSON, err := json.Marshal(outboxItems)
	if err != nil {
		return types.SnapshotSetId{}, kernelerr.Wrap(kernelerr.Internal, "marshal outbox items", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, snapshot_set_id, correlation_id, event_type, items, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		types.NewSnapshotId(), setID, correlationID, snapshot.SnapshotsPublished, itemsJSON, now); err != nil {
		return types.SnapshotSetId{}, mapError("insert outbox event", "outbox_events", err)
	}

	if err := tx.Commit(); err != nil {
		return types.SnapshotSetId{}, mapError("commit publish_set", "", err)
	}
	return setID, nil
}

func insertManifestEntry(ctx context.Context, tx *sqlx.Tx, setID types.SnapshotSetId, entry snapshot.ManifestEntry) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_set_entries (snapshot_set_id, snapshot_id, object_type, fqn, content_hash)
		VALUES ($1,$2,$3,$4,$5)`,
		setID, entry.SnapshotID, entry.ObjectType, entry.FQN, entry.ContentHash[:]); err != nil {
		return mapError("insert manifest entry", "snapshot_set_entries", err)
	}
	return nil
}

// predecessorArgOf turns a possibly-nil *types.SnapshotId into a query
// argument: a nil interface{} (binds SQL NULL) or the id's string form.
// Passing the pointer straight through would hand database/sql a
// driver.Valuer whose Value() method derefs a nil receiver and panics.
func predecessorArgOf(id *types.SnapshotId) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func fqnOf(definition map[string]interface{}) types.FQN {
	if v, ok := definition["fqn"].(string); ok {
		return types.FQN(v)
	}
	return ""
}

func securityLabelJSON(label types.SecurityLabel) []byte {
	raw, _ := json.Marshal(label)
	return raw
}

// snapshotRow mirrors the snapshots table's columns for sqlx scanning.
type snapshotRow struct {
	SnapshotID      types.SnapshotId     `db:"snapshot_id"`
	ObjectType      types.ObjectType     `db:"object_type"`
	ObjectID        types.ObjectId       `db:"object_id"`
	VersionMajor    uint32               `db:"version_major"`
	VersionMinor    uint32               `db:"version_minor"`
	ContentHash     []byte               `db:"content_hash"`
	Definition      []byte               `db:"definition"`
	Status          types.SnapshotStatus `db:"status"`
	GovernanceTier  types.GovernanceTier `db:"governance_tier"`
	TrustClass      types.TrustClass     `db:"trust_class"`
	SecurityLabel   []byte               `db:"security_label"`
	ChangeType      types.ChangeType     `db:"change_type"`
	ChangeRationale string               `db:"change_rationale"`
	CreatedBy       string               `db:"created_by"`
	ApprovedBy      string               `db:"approved_by"`
	PredecessorID   *types.SnapshotId    `db:"predecessor_id"`
	SnapshotSetID   types.SnapshotSetId  `db:"snapshot_set_id"`
	EffectiveFrom   time.Time            `db:"effective_from"`
	EffectiveUntil  *time.Time           `db:"effective_until"`
}

func (r snapshotRow) toSnapshot() (snapshot.Snapshot, error) {
	var definition map[string]interface{}
	if err := json.Unmarshal(r.Definition, &definition); err != nil {
		return snapshot.Snapshot{}, kernelerr.Wrap(kernelerr.Internal, "decode definition", err)
	}
	var label types.SecurityLabel
	if len(r.SecurityLabel) > 0 {
		if err := json.Unmarshal(r.SecurityLabel, &label); err != nil {
			return snapshot.Snapshot{}, kernelerr.Wrap(kernelerr.Internal, "decode security label", err)
		}
	}
	var hash types.ContentHash
	copy(hash[:], r.ContentHash)

	return snapshot.Snapshot{
		SnapshotID:      r.SnapshotID,
		ObjectType:      r.ObjectType,
		ObjectID:        r.ObjectID,
		Version:         types.Version{Major: r.VersionMajor, Minor: r.VersionMinor},
		ContentHash:     hash,
		Definition:      definition,
		Status:          r.Status,
		GovernanceTier:  r.GovernanceTier,
		TrustClass:      r.TrustClass,
		SecurityLabel:   label,
		ChangeType:      r.ChangeType,
		ChangeRationale: r.ChangeRationale,
		CreatedBy:       r.CreatedBy,
		ApprovedBy:      r.ApprovedBy,
		PredecessorID:   r.PredecessorID,
		SnapshotSetID:   r.SnapshotSetID,
		EffectiveFrom:   r.EffectiveFrom,
		EffectiveUntil:  r.EffectiveUntil,
	}, nil
}

// Resolve implements snapshot.Store.
func (s *Store) Resolve(ctx context.Context, objectType types.ObjectType, fqn types.FQN, asOf *time.Time) (snapshot.Snapshot, error) {
	var row snapshotRow
	var err error
	if asOf == nil {
		err = s.db.GetContext(ctx, &row, `
			SELECT s.* FROM snapshots s
			JOIN active_index a ON a.snapshot_id = s.snapshot_id
			WHERE a.object_type = $1 AND a.fqn = $2`, objectType, fqn)
	} else {
		err = s.db.GetContext(ctx, &row, `
			SELECT * FROM snapshots
			WHERE object_type = $1 AND definition->>'fqn' = $2
			AND effective_from <= $3
			AND (effective_until IS NULL OR effective_until > $3)`, objectType, fqn, *asOf)
	}
	if err == sql.ErrNoRows {
		if asOf == nil {
			return snapshot.Snapshot{}, kernelerr.Newf(kernelerr.NotFound, "no active snapshot for %s %s", objectType, fqn)
		}
		return snapshot.Snapshot{}, kernelerr.Newf(kernelerr.NotFound, "no snapshot for %s %s as of %s", objectType, fqn, asOf)
	}
	if err != nil {
		return snapshot.Snapshot{}, mapError("resolve snapshot", "snapshots", err)
	}
	return row.toSnapshot()
}

// History implements snapshot.Store.
func (s *Store) History(ctx context.Context, objectType types.ObjectType, objectID types.ObjectId) ([]snapshot.Snapshot, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM snapshots WHERE object_type = $1 AND object_id = $2
		ORDER BY version_major, version_minor`, objectType, objectID); err != nil {
		return nil, mapError("list snapshot history", "snapshots", err)
	}
	return toSnapshots(rows)
}

// ListActive implements snapshot.Store.
func (s *Store) ListActive(ctx context.Context, objectType types.ObjectType, limit, offset int) ([]snapshot.Snapshot, error) {
	query := `
		SELECT s.* FROM snapshots s
		JOIN active_index a ON a.snapshot_id = s.snapshot_id
		WHERE a.object_type = $1
		ORDER BY a.fqn`
	args := []interface{}{objectType}
	if limit > 0 {
		query += " LIMIT $2 OFFSET $3"
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += " OFFSET $2"
		args = append(args, offset)
	}

	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapError("list active snapshots", "active_index", err)
	}
	return toSnapshots(rows)
}

// FindDependents implements snapshot.Store, via the snapshot_refs join
// table populated by replaceRefs at publish time.
func (s *Store) FindDependents(ctx context.Context, source types.FQN, limit int) ([]types.FQN, error) {
	query := `
		SELECT DISTINCT a.fqn FROM snapshot_refs r
		JOIN active_index a ON a.snapshot_id = r.snapshot_id
		WHERE r.ref_fqn = $1
		ORDER BY a.fqn`
	args := []interface{}{source}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	var fqns []types.FQN
	if err := s.db.SelectContext(ctx, &fqns, query, args...); err != nil {
		return nil, mapError("find dependents", "snapshot_refs", err)
	}
	return fqns, nil
}

// Manifest implements snapshot.Store.
func (s *Store) Manifest(ctx context.Context, setID types.SnapshotSetId) (snapshot.Manifest, error) {
	type entryRow struct {
		SnapshotID  types.SnapshotId `db:"snapshot_id"`
		ObjectType  types.ObjectType `db:"object_type"`
		FQN         types.FQN        `db:"fqn"`
		ContentHash []byte           `db:"content_hash"`
	}
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT snapshot_id, object_type, fqn, content_hash FROM snapshot_set_entries
		WHERE snapshot_set_id = $1`, setID); err != nil {
		return snapshot.Manifest{}, mapError("load manifest entries", "snapshot_set_entries", err)
	}
	if len(rows) == 0 {
		return snapshot.Manifest{}, kernelerr.Newf(kernelerr.NotFound, "no manifest for snapshot set %s", setID)
	}

	var publishedAt time.Time
	if err := s.db.GetContext(ctx, &publishedAt, `
		SELECT created_at FROM outbox_events WHERE snapshot_set_id = $1 LIMIT 1`, setID); err != nil && err != sql.ErrNoRows {
		return snapshot.Manifest{}, mapError("load manifest timestamp", "outbox_events", err)
	}

	manifest := snapshot.Manifest{SnapshotSetID: setID, PublishedAt: publishedAt}
	for _, r := range rows {
		var hash types.ContentHash
		copy(hash[:], r.ContentHash)
		manifest.Entries = append(manifest.Entries, snapshot.ManifestEntry{
			SnapshotID: r.SnapshotID, ObjectType: r.ObjectType, FQN: r.FQN, ContentHash: hash,
		})
	}
	return manifest, nil
}

// ExportSet implements snapshot.Store.
func (s *Store) ExportSet(ctx context.Context, setID types.SnapshotSetId) ([]snapshot.Snapshot, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM snapshots WHERE snapshot_set_id = $1 ORDER BY (definition->>'fqn')`, setID); err != nil {
		return nil, mapError("export snapshot set", "snapshots", err)
	}
	return toSnapshots(rows)
}

func toSnapshots(rows []snapshotRow) ([]snapshot.Snapshot, error) {
	out := make([]snapshot.Snapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := r.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
