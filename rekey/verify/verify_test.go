package verify_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/rekey/internal/testdb"
	"github.com/satishbabariya/rekey/rekey/graph"
	"github.com/satishbabariya/rekey/rekey/planner"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
	"github.com/satishbabariya/rekey/rekey/store"
	"github.com/satishbabariya/rekey/rekey/verify"
)

// swap plans 1:A <-> 2:B over a catalog without foreign keys, so tests can
// put the store in any state
func swap(t *testing.T) (*sql.DB, *store.Store, *planner.Plan) {
	t.Helper()
	db := testdb.Open(t, testdb.Options{NoForeignKey: true})
	testdb.SeedCareers(t, db, map[string]string{"1": "A", "2": "B"})
	testdb.SeedPaths(t, db, "A", 2)
	testdb.SeedPaths(t, db, "B", 1)

	plan := &planner.Plan{
		Model:             testdb.Model(),
		PlaceholderPrefix: planner.DefaultPlaceholderPrefix,
		Nonce:             "n0nce",
		Steps: []planner.Step{
			{Index: 1, Kind: planner.ApplyPlaceholder, RecordID: "1", FromKey: "A", ToKey: "__rekey_tmp_n0nce_1", Group: 1, Class: graph.Cycle},
			{Index: 2, Kind: planner.ApplyKey, RecordID: "2", FromKey: "B", ToKey: "A", Group: 1, Class: graph.Cycle},
			{Index: 3, Kind: planner.ApplyKey, RecordID: "1", FromKey: "__rekey_tmp_n0nce_1", ToKey: "B", Group: 1, Class: graph.Cycle},
		},
		Intended: map[string]string{"1": "B", "2": "A"},
	}
	st := store.New(store.SQLite, testdb.Model())
	baseline, err := verify.Baseline(context.Background(), db, st, plan)
	require.NoError(t, err)
	plan.Baseline = baseline
	return db, st, plan
}

func exec(t *testing.T, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
}

func applySwap(t *testing.T, db *sql.DB) {
	t.Helper()
	exec(t, db,
		"UPDATE careers SET career_code = 'T' WHERE id = '1'",
		"UPDATE career_paths SET career_code = 'T' WHERE career_code = 'A'",
		"UPDATE careers SET career_code = 'A' WHERE id = '2'",
		"UPDATE career_paths SET career_code = 'A' WHERE career_code = 'B'",
		"UPDATE careers SET career_code = 'B' WHERE id = '1'",
		"UPDATE career_paths SET career_code = 'B' WHERE career_code = 'T'",
	)
}

func TestBaseline(t *testing.T) {
	_, _, plan := swap(t)
	assert.ElementsMatch(t, []planner.RefCount{
		{Dependent: "career_paths.career_code", RecordID: "1", Count: 2},
		{Dependent: "career_paths.career_code", RecordID: "2", Count: 1},
	}, plan.Baseline)
}

func TestVerifyPasses(t *testing.T) {
	ctx := context.Background()
	db, st, plan := swap(t)
	applySwap(t, db)

	res, err := verify.Verify(ctx, db, st, plan)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, verify.Checks, res.Passed)
	assert.NoError(t, res.Err())
}

func TestVerifyViolations(t *testing.T) {
	ctx := context.Background()

	t.Run("not at target", func(t *testing.T) {
		db, st, plan := swap(t)
		res, err := verify.Verify(ctx, db, st, plan)
		require.NoError(t, err)
		require.False(t, res.OK())
		assert.Equal(t, verify.Targets, res.Violations[0].Check)
		assert.Equal(t, []string{"1", "2"}, res.Violations[0].IDs)

		err = res.Err()
		assert.True(t, rekeyerr.Is(err, rekeyerr.PostConditionViolation))
	})

	t.Run("orphans and counts", func(t *testing.T) {
		db, st, plan := swap(t)
		applySwap(t, db)
		exec(t, db, "UPDATE career_paths SET career_code = 'GONE' WHERE id = (SELECT MIN(id) FROM career_paths WHERE career_code = 'B')")

		res, err := verify.Verify(ctx, db, st, plan)
		require.NoError(t, err)
		checks := map[verify.Check]bool{}
		for _, v := range res.Violations {
			checks[v.Check] = true
		}
		assert.Equal(t, map[verify.Check]bool{verify.Orphans: true, verify.ReferenceCounts: true}, checks)
	})

	t.Run("placeholder left behind", func(t *testing.T) {
		db, st, plan := swap(t)
		exec(t, db,
			"UPDATE careers SET career_code = '__rekey_tmp_n0nce_1' WHERE id = '1'",
			"UPDATE career_paths SET career_code = '__rekey_tmp_n0nce_1' WHERE career_code = 'A'",
		)
		res, err := verify.Verify(ctx, db, st, plan)
		require.NoError(t, err)

		placeholders := 0
		for _, v := range res.Violations {
			if v.Check == verify.Placeholders {
				placeholders++
			}
		}
		assert.Equal(t, 2, placeholders)
	})

	t.Run("counts swapped between records", func(t *testing.T) {
		db, st, plan := swap(t)
		// Parent keys swapped, dependents left where they were.
		exec(t, db,
			"UPDATE careers SET career_code = 'T' WHERE id = '1'",
			"UPDATE careers SET career_code = 'A' WHERE id = '2'",
			"UPDATE careers SET career_code = 'B' WHERE id = '1'",
		)
		res, err := verify.Verify(ctx, db, st, plan)
		require.NoError(t, err)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, verify.ReferenceCounts, res.Violations[0].Check)
		assert.ElementsMatch(t, []string{"1", "2"}, res.Violations[0].IDs)
	})
}
