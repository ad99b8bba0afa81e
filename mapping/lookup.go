package mapping

import (
	"strings"

	lev "github.com/agnivade/levenshtein"

	"fightlink/telemetry"
)

// Match is the result of a name lookup. Distance is 0 for an exact
// (case-insensitive) hit.
type Match struct {
	Name     string
	Distance int
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Purpose: Pick the closest candidate name to a user query.
// Key aspects: Case-insensitive and empty names never match; ties resolve to
// the lowest ID since callers feed candidates in ascending ID order.
// Upstream: ClosestFighter, ClosestStage.
// Downstream: lev.ComputeDistance.
func closest(query string, names []string) (int, Match, bool) {
	q := normalizeName(query)
	if q == "" || len(names) == 0 {
		return -1, Match{}, false
	}
	best := -1
	bestDist := 0
	for i, name := range names {
		if name == "" {
			continue
		}
		d := lev.ComputeDistance(q, normalizeName(name))
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
		if d == 0 {
			break
		}
	}
	if best < 0 {
		return -1, Match{}, false
	}
	return best, Match{Name: names[best], Distance: bestDist}, true
}

// ClosestFighter resolves a fighter by name, falling back to the nearest name
// by edit distance.
func (t *Table) ClosestFighter(query string) (telemetry.FighterID, Match, bool) {
	if t == nil {
		return 0, Match{}, false
	}
	ids := t.FighterIDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = t.fighters[id]
	}
	idx, m, ok := closest(query, names)
	if !ok {
		return 0, Match{}, false
	}
	return ids[idx], m, true
}

// ClosestStage resolves a stage by name, falling back to the nearest name by
// edit distance.
func (t *Table) ClosestStage(query string) (telemetry.StageID, Match, bool) {
	if t == nil {
		return 0, Match{}, false
	}
	ids := t.StageIDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = t.stages[id]
	}
	idx, m, ok := closest(query, names)
	if !ok {
		return 0, Match{}, false
	}
	return ids[idx], m, true
}
