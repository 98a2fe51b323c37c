package postgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/semregistry/kernel/pkg/authoring"
	"github.com/semregistry/kernel/pkg/gates"
	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var _ authoring.DryRunner = (*ScratchDryRunner)(nil)

// ScratchDryRunner is the Postgres-backed authoring.DryRunner: instead
// of cloning the active set into an in-process map
// (authoring.ScratchDryRunner), it provisions a fresh Postgres schema,
// replays this package's own goose migrations against it to stand up
// real snapshots/active_index/outbox_events tables, seeds it from the
// live store, and runs the same gate pipeline against that isolated
// schema. The schema is dropped when Run returns, so concurrent dry
// runs never see each other's trial state.
type ScratchDryRunner struct {
	// DB is the administrative connection used to create/drop scratch
	// schemas and to run the seeded dry-run queries (lib/pq-registered,
	// since goose drives migrations through plain database/sql). search_path
	// is a per-connection setting, so DB should be configured with
	// SetMaxOpenConns(1) whenever dry runs can overlap, or callers must
	// serialize Run calls themselves.
	DB *sql.DB
	// Source is the live store a dry run's candidate entries are
	// evaluated against.
	Source snapshot.Store
}

// Run implements authoring.DryRunner.
func (d ScratchDryRunner) Run(ctx context.Context, cs *authoring.ChangeSet, stdGates []gates.Gate, guardrails []gates.Guardrail) (gates.Report, error) {
	schemaName, err := randomSchemaName()
	if err != nil {
		return gates.Report{}, kernelerr.Wrap(kernelerr.Internal, "generate scratch schema name", err)
	}

	if _, err := d.DB.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schemaName)); err != nil {
		return gates.Report{}, mapError("create scratch schema", schemaName, err)
	}
	defer d.DB.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA %q CASCADE`, schemaName))

	if _, err := d.DB.ExecContext(ctx, fmt.Sprintf(`SET search_path TO %q`, schemaName)); err != nil {
		return gates.Report{}, mapError("set scratch search_path", schemaName, err)
	}
	defer d.DB.ExecContext(context.Background(), `SET search_path TO public`)

	migrationsRoot, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return gates.Report{}, kernelerr.Wrap(kernelerr.Internal, "open embedded migrations", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, d.DB, migrationsRoot)
	if err != nil {
		return gates.Report{}, kernelerr.Wrap(kernelerr.Internal, "build goose provider", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return gates.Report{}, kernelerr.Wrap(kernelerr.DryRunFailed, "replay scratch schema migrations", err)
	}

	scratch := New(d.DB)
	if err := seedScratchFromSource(ctx, d.Source, scratch); err != nil {
		return gates.Report{}, err
	}

	return authoring.RunDryRunCandidates(ctx, scratch, cs, stdGates, guardrails)
}

func randomSchemaName() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dryrun_" + hex.EncodeToString(buf), nil
}

// seedScratchFromSource clones every active snapshot from source into
// scratch, the Postgres analogue of
// authoring.ScratchDryRunner's in-memory seeding loop.
func seedScratchFromSource(ctx context.Context, source snapshot.Store, scratch snapshot.Store) error {
	for _, objectType := range types.ValidObjectTypes {
		active, err := source.ListActive(ctx, objectType, 0, 0)
		if err != nil {
			return err
		}
		for _, row := range active {
			meta := snapshot.SnapshotMeta{
				ObjectType: row.ObjectType, ObjectID: row.ObjectID, Version: row.Version,
				Status: row.Status, GovernanceTier: row.GovernanceTier, TrustClass: row.TrustClass,
				SecurityLabel: row.SecurityLabel, ChangeType: types.ChangeCreated, CreatedBy: "dry-run-seed",
			}
			if _, err := scratch.PublishSet(ctx, []snapshot.PublishItem{{Meta: meta, Definition: row.Definition}}, "dry-run-seed", "dry-run-seed"); err != nil {
				return err
			}
		}
	}
	return nil
}
