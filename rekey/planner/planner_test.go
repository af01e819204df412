package planner

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/graph"
	"github.com/satishbabariya/rekey/rekey/mapping"
)

var careers = constraint.Model{
	Table:      "careers",
	IDColumn:   "id",
	KeyColumn:  "career_code",
	Dependents: []constraint.Dependent{{Table: "career_paths", Column: "career_code"}},
}

func build(t *testing.T, snapshot map[string]string, pairs ...string) *graph.Graph {
	t.Helper()
	var records []mapping.Record
	for i := 0; i+1 < len(pairs); i += 2 {
		records = append(records, mapping.Record{ID: pairs[i], TargetKey: pairs[i+1]})
	}
	g, err := graph.Build(records, snapshot, graph.Options{ReservedPrefix: DefaultPlaceholderPrefix})
	require.NoError(t, err)
	return g
}

func keys(snapshot map[string]string) []string {
	out := make([]string, 0, len(snapshot))
	for _, k := range snapshot {
		out = append(out, k)
	}
	return out
}

func copyState(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestScenarioAChain(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "id2": "B"}
	p, err := Resolve(build(t, snapshot, "id1", "B", "id2", "C"), careers, keys(snapshot), Options{Nonce: "t0"})
	require.NoError(t, err)

	require.Len(t, p.Steps, 2)
	assert.Equal(t, Step{Index: 1, Kind: ApplyKey, RecordID: "id2", FromKey: "B", ToKey: "C", Group: 1, Class: graph.Chain}, p.Steps[0])
	assert.Equal(t, Step{Index: 2, Kind: ApplyKey, RecordID: "id1", FromKey: "A", ToKey: "B", Group: 1, Class: graph.Chain}, p.Steps[1])

	state := copyState(snapshot)
	require.NoError(t, p.Simulate(state, 0))
	assert.Equal(t, map[string]string{"id1": "B", "id2": "C"}, state)
}

func TestScenarioBCycle(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "id2": "B", "id3": "C"}
	p, err := Resolve(build(t, snapshot, "id1", "B", "id2", "C", "id3", "A"), careers, keys(snapshot), Options{Nonce: "t0"})
	require.NoError(t, err)

	tmp := "__rekey_tmp_t0_1"
	require.Len(t, p.Steps, 4)
	assert.Equal(t, []Step{
		{Index: 1, Kind: ApplyPlaceholder, RecordID: "id1", FromKey: "A", ToKey: tmp, Group: 1, Class: graph.Cycle},
		{Index: 2, Kind: ApplyKey, RecordID: "id3", FromKey: "C", ToKey: "A", Group: 1, Class: graph.Cycle},
		{Index: 3, Kind: ApplyKey, RecordID: "id2", FromKey: "B", ToKey: "C", Group: 1, Class: graph.Cycle},
		{Index: 4, Kind: ApplyKey, RecordID: "id1", FromKey: tmp, ToKey: "B", Group: 1, Class: graph.Cycle},
	}, p.Steps)

	state := copyState(snapshot)
	require.NoError(t, p.Simulate(state, 0))
	assert.Equal(t, map[string]string{"id1": "B", "id2": "C", "id3": "A"}, state)
	for _, k := range state {
		assert.False(t, p.IsPlaceholder(k))
	}
}

func TestCycleOfLengthNHasOnePlaceholder(t *testing.T) {
	for _, n := range []int{2, 3, 7, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			snapshot := make(map[string]string, n)
			var pairs []string
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("r%02d", i)
				snapshot[id] = fmt.Sprintf("K%02d", i)
				pairs = append(pairs, id, fmt.Sprintf("K%02d", (i+1)%n))
			}
			p, err := Resolve(build(t, snapshot, pairs...), careers, keys(snapshot), Options{})
			require.NoError(t, err)

			assert.Len(t, p.Steps, n+1)
			assert.Equal(t, 1, p.Placeholders())
			require.NoError(t, p.Simulate(copyState(snapshot), 0))
		})
	}
}

func TestEveryPrefixIsUnique(t *testing.T) {
	// Two cycles, a chain and free moves; Simulate checks uniqueness after every step.
	snapshot := map[string]string{
		"a": "A", "b": "B",
		"c": "C", "d": "D", "e": "E",
		"f": "F", "g": "G",
		"h": "H", "i": "I",
	}
	g := build(t, snapshot,
		"a", "B", "b", "A",
		"c", "D", "d", "E", "e", "C",
		"f", "G", "g", "Z",
		"h", "H2", "i", "I2",
	)
	p, err := Resolve(g, careers, keys(snapshot), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, p.Placeholders())
	require.NoError(t, p.Simulate(copyState(snapshot), 0))

	var parallel int
	for _, s := range p.Steps {
		if s.Parallel {
			parallel++
			assert.Equal(t, graph.FreeMove, s.Class)
		}
	}
	assert.Equal(t, 2, parallel)
	assert.True(t, p.Steps[len(p.Steps)-1].Parallel, "free moves are appended last")
}

func TestSimulateCatchesBadOrder(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Index: 1, Kind: ApplyKey, RecordID: "id1", FromKey: "A", ToKey: "B"},
		{Index: 2, Kind: ApplyKey, RecordID: "id2", FromKey: "B", ToKey: "C"},
	}}
	err := p.Simulate(map[string]string{"id1": "A", "id2": "B"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still held by id2")
}

func TestSimulateFromMiddle(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "id2": "B"}
	p, err := Resolve(build(t, snapshot, "id1", "B", "id2", "C"), careers, keys(snapshot), Options{})
	require.NoError(t, err)

	// After step 1 the store holds id2 at C.
	require.NoError(t, p.Simulate(map[string]string{"id1": "A", "id2": "C"}, 1))
}

func TestPlaceholderNamespaceCollision(t *testing.T) {
	snapshot := map[string]string{"x": "K1", "y": "K2", "z": "__rekey_tmp_t0_1"}
	g := build(t, snapshot, "x", "K2", "y", "K1")
	_, err := Resolve(g, careers, keys(snapshot), Options{Nonce: "t0"})
	require.Error(t, err)

	p, err := Resolve(g, careers, keys(snapshot), Options{})
	require.NoError(t, err)
	assert.NotEqual(t, "t0", p.Nonce)
}

func TestHashStableAndSensitive(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "id2": "B", "id3": "C"}
	g := build(t, snapshot, "id1", "B", "id2", "C", "id3", "A")

	p1, err := Resolve(g, careers, keys(snapshot), Options{Nonce: "n1"})
	require.NoError(t, err)
	p2, err := Resolve(g, careers, keys(snapshot), Options{Nonce: "n1"})
	require.NoError(t, err)
	p3, err := Resolve(g, careers, keys(snapshot), Options{Nonce: "n2"})
	require.NoError(t, err)

	assert.Equal(t, p1.Hash(), p2.Hash())
	assert.NotEqual(t, p1.Hash(), p3.Hash())
	assert.Len(t, p1.Hash(), 64)

	p2.Baseline = []RefCount{{Dependent: "career_paths.career_code", RecordID: "id1", Count: 3}}
	assert.Equal(t, p1.Hash(), p2.Hash(), "baseline is not part of the identity")
}

func TestMarshalRoundTripChecksHash(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "id2": "B"}
	p, err := Resolve(build(t, snapshot, "id1", "B", "id2", "C"), careers, keys(snapshot), Options{Nonce: "n"})
	require.NoError(t, err)

	data, err := p.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(data, p.Hash())
	require.NoError(t, err)
	assert.Equal(t, p.Steps, restored.Steps)

	tampered := strings.Replace(data, `"to_key":"C"`, `"to_key":"D"`, 1)
	_, err = Unmarshal(tampered, p.Hash())
	assert.Error(t, err)
}

func TestMovedKeys(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "id2": "B", "id3": "C"}
	p, err := Resolve(build(t, snapshot, "id1", "B", "id2", "C", "id3", "A"), careers, keys(snapshot), Options{Nonce: "t0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B"}, p.MovedKeys())
}

func TestEmptyGraph(t *testing.T) {
	snapshot := map[string]string{"id1": "A"}
	p, err := Resolve(build(t, snapshot, "id1", "A"), careers, keys(snapshot), Options{})
	require.NoError(t, err)
	assert.Empty(t, p.Steps)
}

func TestGoldenMixedPlan(t *testing.T) {
	snapshot := map[string]string{"id1": "A", "id2": "B", "id3": "C", "id4": "D", "id5": "E", "id6": "G"}
	g := build(t, snapshot, "id1", "B", "id2", "C", "id3", "A", "id4", "E", "id5", "F", "id6", "H")
	p, err := Resolve(g, careers, keys(snapshot), Options{Nonce: "t0"})
	require.NoError(t, err)

	gold := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	gold.Assert(t, "mixed_plan", []byte(p.String()))
}
