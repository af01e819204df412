// Package graph builds the key-transition graph of a mapping and classifies it
// into free moves, chains and cycles.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/satishbabariya/rekey/rekey/mapping"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
)

// Class is the shape of a connected component of the rename graph
type Class string

const (
	FreeMove Class = "free"
	Chain    Class = "chain"
	Cycle    Class = "cycle"
)

// Move is one record whose key changes
type Move struct {
	ID   string `json:"id" yaml:"id"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func (m Move) String() string {
	return fmt.Sprintf("%s: %s→%s", m.ID, m.From, m.To)
}

// Component is a set of moves that share keys.
//
// Chain moves are ordered destination-most first: Moves[0] targets a free key and
// every later move targets the key vacated by the one before it. Cycle moves start
// at the record that will be parked on a placeholder and walk the loop backwards,
// so Moves[i+1].To == Moves[i].From and the last move targets Moves[0].From.
type Component struct {
	Class Class  `json:"class" yaml:"class"`
	Moves []Move `json:"moves" yaml:"moves"`
}

// Graph is the classified rename graph
type Graph struct {
	// Components lists chains and cycles in order of first appearance, then free moves
	Components []Component
	// NoOps are ids whose store key already equals the target
	NoOps []string
	// Intended maps every mapped id to its target key, no-ops included
	Intended map[string]string
}

// Options tunes validation
type Options struct {
	// ReservedPrefix marks placeholder keys; targets may not use it
	ReservedPrefix string
}

// Moving returns the number of records whose key changes
func (g *Graph) Moving() int {
	n := 0
	for _, c := range g.Components {
		n += len(c.Moves)
	}
	return n
}

// Count returns how many components have class c
func (g *Graph) Count(c Class) int {
	n := 0
	for _, comp := range g.Components {
		if comp.Class == c {
			n++
		}
	}
	return n
}

// Build classifies records against snapshot, the id → key state read from the store.
//
// A record's CurrentKey, when present, must agree with the store unless the store
// already holds the target. Identical targets, and targets owned by rows that do not
// move, are collisions and are never resolved by picking a winner.
//
// snapshot leaves out rows with a NULL key, so a record naming such a row is
// rejected with the ids it cannot place. Assigning a first key is out of scope.
func Build(records []mapping.Record, snapshot map[string]string, opts Options) (*Graph, error) {
	owner := make(map[string]string, len(snapshot))
	for id, key := range snapshot {
		if other, ok := owner[key]; ok {
			return nil, fmt.Errorf("store already holds key %q on ids %s and %s", key, other, id)
		}
		owner[key] = id
	}

	g := &Graph{Intended: make(map[string]string, len(records))}
	var (
		moves   []Move
		unknown []string
	)
	for _, rec := range records {
		stored, ok := snapshot[rec.ID]
		if !ok {
			unknown = append(unknown, rec.ID)
			continue
		}
		if opts.ReservedPrefix != "" && strings.HasPrefix(rec.TargetKey, opts.ReservedPrefix) {
			return nil, rekeyerr.New(rekeyerr.MalformedMapping,
				"target %q uses the reserved placeholder prefix %q", rec.TargetKey, opts.ReservedPrefix).WithIDs(rec.ID)
		}
		g.Intended[rec.ID] = rec.TargetKey
		if stored == rec.TargetKey {
			g.NoOps = append(g.NoOps, rec.ID)
			continue
		}
		if rec.CurrentKey != "" && rec.CurrentKey != stored {
			return nil, rekeyerr.New(rekeyerr.MalformedMapping,
				"mapping says current key %q but the store holds %q", rec.CurrentKey, stored).WithIDs(rec.ID)
		}
		moves = append(moves, Move{ID: rec.ID, From: stored, To: rec.TargetKey})
	}
	if len(unknown) > 0 {
		return nil, rekeyerr.New(rekeyerr.MalformedMapping, "%d mapped id(s) are missing from the store or have no current key", len(unknown)).WithIDs(unknown...)
	}

	// claimant: target key -> index of the move that wants it
	claimant := make(map[string]int, len(moves))
	moverIndex := make(map[string]int, len(moves))
	for i, m := range moves {
		moverIndex[m.ID] = i
	}
	for i, m := range moves {
		if j, ok := claimant[m.To]; ok {
			return nil, rekeyerr.New(rekeyerr.UnresolvableCollision,
				"records %s and %s both target %q", moves[j].ID, m.ID, m.To).WithIDs(moves[j].ID, m.ID)
		}
		claimant[m.To] = i
	}

	// next[i]: the move currently holding moves[i].To, or -1 when the key is free.
	// prev[i]: the move that wants moves[i].From, or -1.
	next := make([]int, len(moves))
	prev := make([]int, len(moves))
	for i, m := range moves {
		next[i] = -1
		if holder, ok := owner[m.To]; ok {
			j, moving := moverIndex[holder]
			if !moving {
				return nil, rekeyerr.New(rekeyerr.UnresolvableCollision,
					"record %s targets %q, which %s holds and is not moving", m.ID, m.To, holder).WithIDs(m.ID, holder)
			}
			next[i] = j
		}
		prev[i] = -1
		if j, ok := claimant[m.From]; ok {
			prev[i] = j
		}
	}

	// Out-degree and in-degree are both at most one, so walking next from any
	// node either ends at a free key or returns to the start.
	visited := make([]bool, len(moves))
	var free []Component
	for i := range moves {
		if visited[i] {
			continue
		}
		end, cyclic := i, false
		for next[end] != -1 {
			end = next[end]
			if end == i {
				cyclic = true
				break
			}
		}

		comp := Component{Class: Chain}
		if cyclic {
			comp.Class = Cycle
		}
		for n := end; n != -1 && !visited[n]; n = prev[n] {
			visited[n] = true
			comp.Moves = append(comp.Moves, moves[n])
		}

		if comp.Class == Chain && len(comp.Moves) == 1 {
			comp.Class = FreeMove
			free = append(free, comp)
			continue
		}
		g.Components = append(g.Components, comp)
	}
	g.Components = append(g.Components, free...)
	return g, nil
}

// Summary is a one-line description used in logs and reports
func (g *Graph) Summary() string {
	return fmt.Sprintf("%d moving (%d free, %d chains, %d cycles), %d unchanged",
		g.Moving(), g.Count(FreeMove), g.Count(Chain), g.Count(Cycle), len(g.NoOps))
}

// IntendedIDs returns the mapped ids in sorted order
func (g *Graph) IntendedIDs() []string {
	ids := make([]string, 0, len(g.Intended))
	for id := range g.Intended {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
