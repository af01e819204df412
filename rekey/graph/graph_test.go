package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/rekey/rekey/mapping"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
)

func recs(triples ...string) []mapping.Record {
	var out []mapping.Record
	for i := 0; i+1 < len(triples); i += 2 {
		out = append(out, mapping.Record{ID: triples[i], TargetKey: triples[i+1]})
	}
	return out
}

func TestChain(t *testing.T) {
	g, err := Build(recs("id1", "B", "id2", "C"), map[string]string{"id1": "A", "id2": "B"}, Options{})
	require.NoError(t, err)

	require.Len(t, g.Components, 1)
	assert.Equal(t, Chain, g.Components[0].Class)
	assert.Equal(t, []Move{
		{ID: "id2", From: "B", To: "C"},
		{ID: "id1", From: "A", To: "B"},
	}, g.Components[0].Moves)
}

func TestChainFoundFromTail(t *testing.T) {
	// The record listed first sits at the free end of the chain.
	g, err := Build(recs("id2", "C", "id1", "B"), map[string]string{"id1": "A", "id2": "B"}, Options{})
	require.NoError(t, err)
	require.Len(t, g.Components, 1)
	assert.Equal(t, "id2", g.Components[0].Moves[0].ID)
	assert.Equal(t, "id1", g.Components[0].Moves[1].ID)
}

func TestThreeCycle(t *testing.T) {
	g, err := Build(recs("id1", "B", "id2", "C", "id3", "A"),
		map[string]string{"id1": "A", "id2": "B", "id3": "C"}, Options{})
	require.NoError(t, err)

	require.Len(t, g.Components, 1)
	c := g.Components[0]
	assert.Equal(t, Cycle, c.Class)
	assert.Equal(t, []Move{
		{ID: "id1", From: "A", To: "B"},
		{ID: "id3", From: "C", To: "A"},
		{ID: "id2", From: "B", To: "C"},
	}, c.Moves)
}

func TestSwap(t *testing.T) {
	g, err := Build(recs("x", "K2", "y", "K1"), map[string]string{"x": "K1", "y": "K2"}, Options{})
	require.NoError(t, err)
	require.Len(t, g.Components, 1)
	assert.Equal(t, Cycle, g.Components[0].Class)
	assert.Len(t, g.Components[0].Moves, 2)
}

func TestTrueCollision(t *testing.T) {
	_, err := Build(recs("id1", "Z", "id2", "Z"), map[string]string{"id1": "X", "id2": "Y"}, Options{})
	require.Error(t, err)
	assert.True(t, rekeyerr.Is(err, rekeyerr.UnresolvableCollision))

	var rkErr *rekeyerr.Error
	require.ErrorAs(t, err, &rkErr)
	assert.ElementsMatch(t, []string{"id1", "id2"}, rkErr.IDs)
}

func TestTargetHeldByStationaryRow(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "other": "B"}
	_, err := Build(recs("id1", "B"), snapshot, Options{})
	require.Error(t, err)
	assert.True(t, rekeyerr.Is(err, rekeyerr.UnresolvableCollision))

	var rkErr *rekeyerr.Error
	require.ErrorAs(t, err, &rkErr)
	assert.Equal(t, []string{"id1", "other"}, rkErr.IDs)
}

func TestTargetHeldByNoOpRecord(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "id2": "B"}
	_, err := Build(recs("id1", "B", "id2", "B"), snapshot, Options{})
	assert.True(t, rekeyerr.Is(err, rekeyerr.UnresolvableCollision))
}

func TestNoOpsAndFreeMoves(t *testing.T) {
	snapshot := map[string]string{"a": "A", "b": "B", "c": "C", "d": "D"}
	g, err := Build(recs("a", "A", "b", "B2", "c", "C2", "d", "D"), snapshot, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "d"}, g.NoOps)
	assert.Equal(t, 2, g.Count(FreeMove))
	assert.Equal(t, 2, g.Moving())
	assert.Equal(t, map[string]string{"a": "A", "b": "B2", "c": "C2", "d": "D"}, g.Intended)
	assert.Equal(t, []string{"a", "b", "c", "d"}, g.IntendedIDs())
}

func TestFreeMovesComeLast(t *testing.T) {
	snapshot := map[string]string{"f": "F", "x": "X", "y": "Y"}
	g, err := Build(recs("f", "F2", "x", "Y", "y", "X"), snapshot, Options{})
	require.NoError(t, err)
	require.Len(t, g.Components, 2)
	assert.Equal(t, Cycle, g.Components[0].Class)
	assert.Equal(t, FreeMove, g.Components[1].Class)
	assert.Equal(t, "3 moving (1 free, 0 chains, 1 cycles), 0 unchanged", g.Summary())
}

func TestUnknownID(t *testing.T) {
	_, err := Build(recs("ghost", "B"), map[string]string{"id1": "A"}, Options{})
	require.Error(t, err)
	assert.True(t, rekeyerr.Is(err, rekeyerr.MalformedMapping))
}

func TestUnkeyedRowIsNotPlaced(t *testing.T) {
	// id2 exists with a NULL key, which the snapshot does not carry.
	_, err := Build(recs("id1", "B", "id2", "C"), map[string]string{"id1": "A"}, Options{})
	require.Error(t, err)
	assert.True(t, rekeyerr.Is(err, rekeyerr.MalformedMapping))
	assert.Contains(t, err.Error(), "have no current key")
	assert.NotContains(t, err.Error(), "do not exist")
	var rerr *rekeyerr.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []string{"id2"}, rerr.IDs)
}

func TestStaleCurrentKey(t *testing.T) {
	records := []mapping.Record{{ID: "id1", CurrentKey: "OLD", TargetKey: "B"}}
	_, err := Build(records, map[string]string{"id1": "A"}, Options{})
	assert.True(t, rekeyerr.Is(err, rekeyerr.MalformedMapping))
}

func TestAlreadyAppliedIsNoOp(t *testing.T) {
	// The mapping still names the old key, but the store already holds the target.
	records := []mapping.Record{{ID: "id1", CurrentKey: "A", TargetKey: "B"}}
	g, err := Build(records, map[string]string{"id1": "B"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, g.Moving())
	assert.Equal(t, []string{"id1"}, g.NoOps)
}

func TestReservedPrefixTarget(t *testing.T) {
	_, err := Build(recs("id1", "__rekey_tmp_x"), map[string]string{"id1": "A"}, Options{ReservedPrefix: "__rekey_tmp_"})
	assert.True(t, rekeyerr.Is(err, rekeyerr.MalformedMapping))
}

func TestStoreDuplicateKeys(t *testing.T) {
	_, err := Build(nil, map[string]string{"a": "K", "b": "K"}, Options{})
	assert.Error(t, err)
}

func TestLongChainIsLinear(t *testing.T) {
	const n = 500
	snapshot := make(map[string]string, n)
	var records []mapping.Record
	for i := 0; i < n; i++ {
		id := keyName("r", i)
		snapshot[id] = keyName("k", i)
		records = append(records, mapping.Record{ID: id, TargetKey: keyName("k", i+1)})
	}
	g, err := Build(records, snapshot, Options{})
	require.NoError(t, err)
	require.Len(t, g.Components, 1)
	assert.Equal(t, Chain, g.Components[0].Class)
	assert.Equal(t, keyName("r", n-1), g.Components[0].Moves[0].ID)
	assert.Equal(t, keyName("r", 0), g.Components[0].Moves[n-1].ID)
}

func keyName(prefix string, i int) string {
	return prefix + string(rune('a'+i/26/26%26)) + string(rune('a'+i/26%26)) + string(rune('a'+i%26))
}
