// Package mapping holds the console-provided dictionary that translates small
// integer IDs (fighters, statuses, stages, hit statuses) into display names.
//
// A Table is built once per console pairing, cached to disk as JSON, and
// refreshed only when the console reports a different checksum. Tables are
// append-only while being filled and treated as read-only once handed to the
// rest of the program; replacing the table means swapping the pointer.
package mapping

import (
	"sort"

	"fightlink/telemetry"
)

// Table maps IDs to names. The zero value is not usable; use New.
type Table struct {
	checksum       uint32
	fighters       map[telemetry.FighterID]string
	baseStatus     map[telemetry.StatusID]string
	specificStatus map[telemetry.FighterID]map[telemetry.StatusID]string
	stages         map[telemetry.StageID]string
	hitStatus      map[telemetry.HitStatusID]string
}

// New returns an empty table tagged with the console's checksum.
func New(checksum uint32) *Table {
	return &Table{
		checksum:       checksum,
		fighters:       make(map[telemetry.FighterID]string),
		baseStatus:     make(map[telemetry.StatusID]string),
		specificStatus: make(map[telemetry.FighterID]map[telemetry.StatusID]string),
		stages:         make(map[telemetry.StageID]string),
		hitStatus:      make(map[telemetry.HitStatusID]string),
	}
}

// Checksum returns the console checksum this table was built from.
func (t *Table) Checksum() uint32 {
	if t == nil {
		return 0
	}
	return t.checksum
}

// AddFighter records a fighter name. Existing entries are never overwritten;
// an empty name is kept as sent so the entry still counts as known.
func (t *Table) AddFighter(id telemetry.FighterID, name string) {
	if _, ok := t.fighters[id]; !ok {
		t.fighters[id] = name
	}
}

// AddBaseStatus records a status name shared by all fighters.
func (t *Table) AddBaseStatus(id telemetry.StatusID, name string) {
	if _, ok := t.baseStatus[id]; !ok {
		t.baseStatus[id] = name
	}
}

// AddSpecificStatus records a status name that only applies to one fighter.
func (t *Table) AddSpecificStatus(fighter telemetry.FighterID, id telemetry.StatusID, name string) {
	m := t.specificStatus[fighter]
	if m == nil {
		m = make(map[telemetry.StatusID]string)
		t.specificStatus[fighter] = m
	}
	if _, ok := m[id]; !ok {
		m[id] = name
	}
}

// AddStage records a stage name.
func (t *Table) AddStage(id telemetry.StageID, name string) {
	if _, ok := t.stages[id]; !ok {
		t.stages[id] = name
	}
}

// AddHitStatus records a hit status name.
func (t *Table) AddHitStatus(id telemetry.HitStatusID, name string) {
	if _, ok := t.hitStatus[id]; !ok {
		t.hitStatus[id] = name
	}
}

// FighterName returns the name of a fighter, or ok=false when unknown.
func (t *Table) FighterName(id telemetry.FighterID) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.fighters[id]
	return name, ok
}

// StatusName resolves a status for a fighter. Fighter-specific names win over
// base names.
func (t *Table) StatusName(fighter telemetry.FighterID, id telemetry.StatusID) (string, bool) {
	if t == nil {
		return "", false
	}
	if name, ok := t.specificStatus[fighter][id]; ok {
		return name, true
	}
	name, ok := t.baseStatus[id]
	return name, ok
}

// StageName returns the name of a stage.
func (t *Table) StageName(id telemetry.StageID) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.stages[id]
	return name, ok
}

// HitStatusName returns the name of a hit status.
func (t *Table) HitStatusName(id telemetry.HitStatusID) (string, bool) {
	if t == nil {
		return "", false
	}
	name, ok := t.hitStatus[id]
	return name, ok
}

// Counts summarizes the table size per category.
type Counts struct {
	Fighters       int
	BaseStatus     int
	SpecificStatus int
	Stages         int
	HitStatus      int
}

// Counts returns the number of entries per category.
func (t *Table) Counts() Counts {
	if t == nil {
		return Counts{}
	}
	c := Counts{
		Fighters:   len(t.fighters),
		BaseStatus: len(t.baseStatus),
		Stages:     len(t.stages),
		HitStatus:  len(t.hitStatus),
	}
	for _, m := range t.specificStatus {
		c.SpecificStatus += len(m)
	}
	return c
}

// FighterIDs returns all known fighter IDs in ascending order.
func (t *Table) FighterIDs() []telemetry.FighterID {
	ids := make([]telemetry.FighterID, 0, len(t.fighters))
	for id := range t.fighters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StageIDs returns all known stage IDs in ascending order.
func (t *Table) StageIDs() []telemetry.StageID {
	ids := make([]telemetry.StageID, 0, len(t.stages))
	for id := range t.stages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy that can be filled or handed to another goroutine.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := New(t.checksum)
	for k, v := range t.fighters {
		c.fighters[k] = v
	}
	for k, v := range t.baseStatus {
		c.baseStatus[k] = v
	}
	for f, m := range t.specificStatus {
		cm := make(map[telemetry.StatusID]string, len(m))
		for k, v := range m {
			cm[k] = v
		}
		c.specificStatus[f] = cm
	}
	for k, v := range t.stages {
		c.stages[k] = v
	}
	for k, v := range t.hitStatus {
		c.hitStatus[k] = v
	}
	return c
}
