package emulator

import (
	"fightlink/mapping"
	"fightlink/telemetry"
	"fightlink/wire"
)

// DefaultMapping returns a small table covering the fighters and stages the
// synthetic scripts use, tagged with its own content checksum.
func DefaultMapping() *mapping.Table {
	t := mapping.New(0)
	for id, name := range map[telemetry.FighterID]string{
		0x01: "MARIO",
		0x02: "DONKEY",
		0x03: "LINK",
		0x14: "FOX",
		0x15: "FALCO",
		0x1a: "MARTH",
	} {
		t.AddFighter(id, name)
	}
	for id, name := range map[telemetry.StatusID]string{
		0x00: "WAIT",
		0x01: "WALK",
		0x03: "DASH",
		0x0b: "JUMP",
		0x4b: "DAMAGE",
		0x4c: "DAMAGE_AIR",
	} {
		t.AddBaseStatus(id, name)
	}
	t.AddSpecificStatus(0x14, 0x1e1, "SPECIAL_N_LOOP")
	t.AddSpecificStatus(0x14, 0x1e6, "SPECIAL_LW_HIT")
	for id, name := range map[telemetry.StageID]string{
		0x20: "TRAINING",
		0x5b: "BATTLEFIELD",
		0x5c: "FINAL_DESTINATION",
	} {
		t.AddStage(id, name)
	}
	for id, name := range map[telemetry.HitStatusID]string{
		0: "NORMAL",
		1: "XLU",
		2: "XLU_GLOBAL",
		3: "INVINCIBLE",
	} {
		t.AddHitStatus(id, name)
	}
	return t.WithChecksum(mapping.ComputeChecksum(t))
}

// appendMapping encodes t as the console's reply to MappingInfoRequest.
func appendMapping(dst []byte, t *mapping.Table) []byte {
	dst = wire.AppendChecksum(dst, wire.MappingInfoRequest, t.Checksum())
	t.Entries(func(e mapping.Entry) {
		switch e.Kind {
		case mapping.EntryFighter:
			dst = wire.AppendFighterKind(dst, wire.FighterKindRecord{ID: telemetry.FighterID(e.ID), Name: e.Name})
		case mapping.EntryBaseStatus:
			dst = wire.AppendStatusKind(dst, wire.StatusKindRecord{Fighter: wire.BaseStatusFighter, Status: telemetry.StatusID(e.ID), Name: e.Name})
		case mapping.EntrySpecificStatus:
			dst = wire.AppendStatusKind(dst, wire.StatusKindRecord{Fighter: uint8(e.Fighter), Status: telemetry.StatusID(e.ID), Name: e.Name})
		case mapping.EntryStage:
			dst = wire.AppendStageKind(dst, wire.StageKindRecord{ID: telemetry.StageID(e.ID), Name: e.Name})
		case mapping.EntryHitStatus:
			dst = wire.AppendHitStatusKind(dst, wire.HitStatusKindRecord{ID: telemetry.HitStatusID(e.ID), Name: e.Name})
		}
	})
	return wire.AppendTag(dst, wire.MappingInfoRequestComplete)
}
