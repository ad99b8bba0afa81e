package mapping

import (
	"sort"

	"fightlink/telemetry"
)

// EntryKind names the category of a table entry.
type EntryKind uint8

const (
	EntryFighter EntryKind = iota + 1
	EntryBaseStatus
	EntrySpecificStatus
	EntryStage
	EntryHitStatus
)

// Entry is one ID→name pair. Fighter is only set for fighter-specific
// statuses; ID holds the fighter, status, stage or hit status number.
type Entry struct {
	Kind    EntryKind
	Fighter telemetry.FighterID
	ID      uint16
	Name    string
}

// Entries calls fn for every entry in a stable order: fighters, base
// statuses, fighter-specific statuses, stages, hit statuses, each ascending
// by ID. This is also the order the console streams them in.
func (t *Table) Entries(fn func(Entry)) {
	if t == nil {
		return
	}
	for _, id := range t.FighterIDs() {
		fn(Entry{Kind: EntryFighter, ID: uint16(id), Name: t.fighters[id]})
	}
	for _, id := range sortedStatus(t.baseStatus) {
		fn(Entry{Kind: EntryBaseStatus, ID: uint16(id), Name: t.baseStatus[id]})
	}
	fighters := make([]telemetry.FighterID, 0, len(t.specificStatus))
	for f := range t.specificStatus {
		fighters = append(fighters, f)
	}
	sort.Slice(fighters, func(i, j int) bool { return fighters[i] < fighters[j] })
	for _, f := range fighters {
		m := t.specificStatus[f]
		for _, id := range sortedStatus(m) {
			fn(Entry{Kind: EntrySpecificStatus, Fighter: f, ID: uint16(id), Name: m[id]})
		}
	}
	for _, id := range t.StageIDs() {
		fn(Entry{Kind: EntryStage, ID: uint16(id), Name: t.stages[id]})
	}
	hit := make([]telemetry.HitStatusID, 0, len(t.hitStatus))
	for id := range t.hitStatus {
		hit = append(hit, id)
	}
	sort.Slice(hit, func(i, j int) bool { return hit[i] < hit[j] })
	for _, id := range hit {
		fn(Entry{Kind: EntryHitStatus, ID: uint16(id), Name: t.hitStatus[id]})
	}
}

func sortedStatus(m map[telemetry.StatusID]string) []telemetry.StatusID {
	ids := make([]telemetry.StatusID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Add records e under its kind. Unknown kinds are ignored.
func (t *Table) Add(e Entry) {
	switch e.Kind {
	case EntryFighter:
		t.AddFighter(telemetry.FighterID(e.ID), e.Name)
	case EntryBaseStatus:
		t.AddBaseStatus(telemetry.StatusID(e.ID), e.Name)
	case EntrySpecificStatus:
		t.AddSpecificStatus(e.Fighter, telemetry.StatusID(e.ID), e.Name)
	case EntryStage:
		t.AddStage(telemetry.StageID(e.ID), e.Name)
	case EntryHitStatus:
		t.AddHitStatus(telemetry.HitStatusID(e.ID), e.Name)
	}
}

// WithChecksum returns a copy of t tagged with sum.
func (t *Table) WithChecksum(sum uint32) *Table {
	out := New(sum)
	t.Entries(out.Add)
	return out
}
