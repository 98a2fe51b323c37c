package postgres

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/jmoiron/sqlx"

	"github.com/semregistry/kernel/pkg/types"
)

// refKeyQuery mirrors snapshot.InMemoryStore's structural walker: every
// value found under a key ending in "_ref" or "_fqn", scalar or array,
// kept only where the member is a string.
var refKeyQuery = mustParseJQ(
	`[.. | objects | to_entries[] | select(.key | test("_ref$|_fqn$")) | .value] | flatten | map(select(type == "string"))`,
)

func mustParseJQ(src string) *gojq.Query {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(fmt.Sprintf("postgres: invalid built-in jq query %q: %v", src, err))
	}
	return q
}

// extractRefs walks definition and returns every "_ref"/"_fqn"-keyed
// string value, deduplicated.
func extractRefs(definition map[string]interface{}) []types.FQN {
	seen := make(map[types.FQN]struct{})
	var out []types.FQN

	iter := refKeyQuery.Run(definition)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if _, ok := v.(error); ok {
			continue
		}
		values, ok := v.([]interface{})
		if !ok {
			continue
		}
		for _, r := range values {
			s, ok := r.(string)
			if !ok {
				continue
			}
			fqn := types.FQN(s)
			if _, dup := seen[fqn]; dup {
				continue
			}
			seen[fqn] = struct{}{}
			out = append(out, fqn)
		}
	}
	return out
}

// replaceRefs recomputes snapshotID's outbound reference edges and
// writes them to snapshot_refs, so FindDependents stays current as of
// this publish_set call without needing to re-walk every active
// definition at query time.
func replaceRefs(ctx context.Context, tx *sqlx.Tx, snapshotID types.SnapshotId, definition map[string]interface{}) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_refs WHERE snapshot_id = $1`, snapshotID); err != nil {
		return mapError("clear snapshot refs", "snapshot_refs", err)
	}
	for _, ref := range extractRefs(definition) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_refs (snapshot_id, ref_fqn) VALUES ($1, $2)`,
			snapshotID, ref); err != nil {
			return mapError("insert snapshot ref", "snapshot_refs", err)
		}
	}
	return nil
}
