package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func samplePublishItem(fqn string) snapshot.PublishItem {
	return snapshot.PublishItem{
		Meta: snapshot.SnapshotMeta{
			ObjectType: types.AttributeDef,
			ObjectID:   types.NewObjectId(types.AttributeDef, types.FQN(fqn)),
			Version:    types.Version{Major: 1, Minor: 0},
			Status:     types.StatusActive,
			ChangeType: types.ChangeCreated,
			CreatedBy:  "alice",
		},
		Definition: map[string]interface{}{"fqn": fqn, "data_type": "string"},
	}
}

func TestPublishSetInsertsNewSnapshotAndEmitsOutboxEvent(t *testing.T) {
	store, mock := newMockStore(t)
	item := samplePublishItem("kyc.risk_score")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT snapshot_id FROM snapshots`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE snapshots SET effective_until`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO snapshots`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO active_index`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM snapshot_refs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO snapshot_set_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	setID, err := store.PublishSet(context.Background(), []snapshot.PublishItem{item}, "alice", "corr-1")
	if err != nil {
		t.Fatalf("PublishSet() error = %v", err)
	}
	if setID == (types.SnapshotSetId{}) {
		t.Fatalf("PublishSet() returned zero-value SnapshotSetId")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPublishSetMapsUniqueViolationToConflict(t *testing.T) {
	store, mock := newMockStore(t)
	item := samplePublishItem("kyc.risk_score")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT snapshot_id FROM snapshots`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE snapshots SET effective_until`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO snapshots`).WillReturnError(&pgconn.PgError{Code: sqlStateUniqueViolation})
	mock.ExpectRollback()

	_, err := store.PublishSet(context.Background(), []snapshot.PublishItem{item}, "alice", "corr-1")
	if err == nil {
		t.Fatalf("PublishSet() error = nil, want Conflict")
	}
	if !kernelerr.Is(err, kernelerr.Conflict) {
		t.Fatalf("PublishSet() kind = %v, want Conflict", kernelerr.KindOf(err))
	}
}

func TestPublishSetRejectsEmptyBatch(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.PublishSet(context.Background(), nil, "alice", "corr-1")
	if !kernelerr.Is(err, kernelerr.InvalidInput) {
		t.Fatalf("PublishSet() kind = %v, want InvalidInput", kernelerr.KindOf(err))
	}
}

func snapshotColumns() []string {
	return []string{
		"snapshot_id", "object_type", "object_id", "version_major", "version_minor",
		"content_hash", "definition", "status", "governance_tier", "trust_class",
		"security_label", "change_type", "change_rationale", "created_by", "approved_by",
		"predecessor_id", "snapshot_set_id", "effective_from", "effective_until",
	}
}

func sampleSnapshotRowValues(t *testing.T, fqn string) []driverValue {
	t.Helper()
	objectID := types.NewObjectId(types.AttributeDef, types.FQN(fqn))
	snapID := types.NewSnapshotId()
	setID := types.NewSnapshotSetId()
	definition, err := json.Marshal(map[string]interface{}{"fqn": fqn, "data_type": "string"})
	if err != nil {
		t.Fatalf("marshal definition: %v", err)
	}
	label, err := json.Marshal(types.SecurityLabel{})
	if err != nil {
		t.Fatalf("marshal label: %v", err)
	}
	return []driverValue{
		snapID.String(), string(types.AttributeDef), objectID.String(), 1, 0,
		[]byte("hash-bytes"), definition, string(types.StatusActive), string(types.Operational), string(types.Authoritative),
		label, string(types.ChangeCreated), "", "alice", "",
		nil, setID.String(), time.Now().UTC(), nil,
	}
}

// driverValue is a thin alias so sqlmock row literals read clearly
// without importing driver.Value at every call site.
type driverValue = interface{}

func TestResolveReturnsTheActiveSnapshot(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows(snapshotColumns()).AddRow(sampleSnapshotRowValues(t, "kyc.risk_score")...)
	mock.ExpectQuery(`SELECT s\.\* FROM snapshots s`).
		WithArgs(string(types.AttributeDef), "kyc.risk_score").
		WillReturnRows(rows)

	got, err := store.Resolve(context.Background(), types.AttributeDef, "kyc.risk_score", nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.FQN() != "kyc.risk_score" {
		t.Fatalf("FQN() = %q, want kyc.risk_score", got.FQN())
	}
}

func TestResolveReturnsNotFoundWhenNoActiveSnapshot(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT s\.\* FROM snapshots s`).WillReturnError(sql.ErrNoRows)

	_, err := store.Resolve(context.Background(), types.AttributeDef, "kyc.missing", nil)
	if !kernelerr.Is(err, kernelerr.NotFound) {
		t.Fatalf("Resolve() kind = %v, want NotFound", kernelerr.KindOf(err))
	}
}

func TestFindDependentsQueriesTheRefsJoin(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT DISTINCT a\.fqn FROM snapshot_refs`).
		WithArgs("kyc.case").
		WillReturnRows(sqlmock.NewRows([]string{"fqn"}).AddRow("kyc.view.standard"))

	got, err := store.FindDependents(context.Background(), "kyc.case", 0)
	if err != nil {
		t.Fatalf("FindDependents() error = %v", err)
	}
	if len(got) != 1 || got[0] != "kyc.view.standard" {
		t.Fatalf("FindDependents() = %v, want [kyc.view.standard]", got)
	}
}

func TestManifestReturnsNotFoundWhenSetUnknown(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT snapshot_id, object_type, fqn, content_hash FROM snapshot_set_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_id", "object_type", "fqn", "content_hash"}))

	_, err := store.Manifest(context.Background(), types.NewSnapshotSetId())
	if !kernelerr.Is(err, kernelerr.NotFound) {
		t.Fatalf("Manifest() kind = %v, want NotFound", kernelerr.KindOf(err))
	}
}
