package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"fightlink/telemetry"
)

var errShortPayload = errors.New("short payload")

// FighterKindRecord names a fighter ID.
type FighterKindRecord struct {
	ID   telemetry.FighterID
	Name string
}

// StatusKindRecord names a status ID. Fighter is BaseStatusFighter for base
// statuses shared by every fighter.
type StatusKindRecord struct {
	Fighter uint8
	Status  telemetry.StatusID
	Name    string
}

// IsBase reports whether the record applies to every fighter.
func (r StatusKindRecord) IsBase() bool {
	return r.Fighter == BaseStatusFighter
}

// StageKindRecord names a stage ID.
type StageKindRecord struct {
	ID   telemetry.StageID
	Name string
}

// HitStatusKindRecord names a hit status ID.
type HitStatusKindRecord struct {
	ID   telemetry.HitStatusID
	Name string
}

// GameInfo is the payload of GameStart and GameResume.
type GameInfo struct {
	Stage    telemetry.StageID
	Slots    []uint8
	Fighters []telemetry.FighterID
	Tags     []string
}

// TrainingInfo is the payload of TrainingStart and TrainingResume.
type TrainingInfo struct {
	Stage telemetry.StageID
	Human telemetry.FighterID
	CPU   telemetry.FighterID
}

// FighterStateMsg is a decoded FighterState message before slot remapping.
type FighterStateMsg struct {
	Slot  uint8
	State telemetry.FighterState
}

func short(tag MessageType, field string, want, got int) error {
	return &DecodeError{Tag: tag, Field: field, Want: want, Got: got, Err: errShortPayload}
}

// DecodeVersion parses a ProtocolVersion reply.
func DecodeVersion(p []byte) (major, minor uint8, err error) {
	if len(p) < 2 {
		return 0, 0, short(ProtocolVersion, "version", 2, len(p))
	}
	return p[0], p[1], nil
}

// DecodeChecksum parses the 4-byte big-endian checksum carried by
// MappingInfoChecksum and MappingInfoRequest replies.
func DecodeChecksum(tag MessageType, p []byte) (uint32, error) {
	if len(p) < 4 {
		return 0, short(tag, "checksum", 4, len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}

func decodeName(tag MessageType, p []byte) (string, error) {
	if len(p) < 1 {
		return "", short(tag, "name length", 1, 0)
	}
	n := int(p[0])
	if len(p)-1 < n {
		return "", short(tag, "name", n, len(p)-1)
	}
	return string(p[1 : 1+n]), nil
}

// DecodeFighterKind parses a MappingInfoFighterKinds record.
func DecodeFighterKind(p []byte) (FighterKindRecord, error) {
	if len(p) < 1 {
		return FighterKindRecord{}, short(MappingInfoFighterKinds, "fighter id", 1, 0)
	}
	name, err := decodeName(MappingInfoFighterKinds, p[1:])
	if err != nil {
		return FighterKindRecord{}, err
	}
	return FighterKindRecord{ID: telemetry.FighterID(p[0]), Name: name}, nil
}

// DecodeStatusKind parses a MappingInfoFighterStatusKinds record.
func DecodeStatusKind(p []byte) (StatusKindRecord, error) {
	if len(p) < 3 {
		return StatusKindRecord{}, short(MappingInfoFighterStatusKinds, "fighter/status id", 3, len(p))
	}
	name, err := decodeName(MappingInfoFighterStatusKinds, p[3:])
	if err != nil {
		return StatusKindRecord{}, err
	}
	return StatusKindRecord{
		Fighter: p[0],
		Status:  telemetry.StatusID(binary.BigEndian.Uint16(p[1:3])),
		Name:    name,
	}, nil
}

// DecodeStageKind parses a MappingInfoStageKinds record.
func DecodeStageKind(p []byte) (StageKindRecord, error) {
	if len(p) < 2 {
		return StageKindRecord{}, short(MappingInfoStageKinds, "stage id", 2, len(p))
	}
	name, err := decodeName(MappingInfoStageKinds, p[2:])
	if err != nil {
		return StageKindRecord{}, err
	}
	return StageKindRecord{ID: telemetry.StageID(binary.BigEndian.Uint16(p)), Name: name}, nil
}

// DecodeHitStatusKind parses a MappingInfoHitStatusKinds record.
func DecodeHitStatusKind(p []byte) (HitStatusKindRecord, error) {
	if len(p) < 1 {
		return HitStatusKindRecord{}, short(MappingInfoHitStatusKinds, "hit status id", 1, 0)
	}
	name, err := decodeName(MappingInfoHitStatusKinds, p[1:])
	if err != nil {
		return HitStatusKindRecord{}, err
	}
	return HitStatusKindRecord{ID: telemetry.HitStatusID(p[0]), Name: name}, nil
}

// DecodeGameInfo parses a GameStart/GameResume payload.
func DecodeGameInfo(tag MessageType, p []byte) (GameInfo, error) {
	if len(p) < 3 {
		return GameInfo{}, short(tag, "stage/count", 3, len(p))
	}
	count := int(p[2])
	rest := p[3:]
	if len(rest) < 2*count {
		return GameInfo{}, short(tag, "slots/fighter ids", 2*count, len(rest))
	}
	info := GameInfo{
		Stage:    telemetry.StageID(binary.BigEndian.Uint16(p)),
		Slots:    append([]uint8(nil), rest[:count]...),
		Fighters: make([]telemetry.FighterID, count),
		Tags:     make([]string, 0, count),
	}
	for i := 0; i < count; i++ {
		info.Fighters[i] = telemetry.FighterID(rest[count+i])
	}
	rest = rest[2*count:]
	for i := 0; i < count; i++ {
		tagName, err := decodeName(tag, rest)
		if err != nil {
			return GameInfo{}, err
		}
		info.Tags = append(info.Tags, tagName)
		rest = rest[1+len(tagName):]
	}
	return info, nil
}

// DecodeTrainingInfo parses a TrainingStart/TrainingResume payload.
func DecodeTrainingInfo(tag MessageType, p []byte) (TrainingInfo, error) {
	if len(p) < 4 {
		return TrainingInfo{}, short(tag, "stage/fighters", 4, len(p))
	}
	return TrainingInfo{
		Stage: telemetry.StageID(binary.BigEndian.Uint16(p)),
		Human: telemetry.FighterID(p[2]),
		CPU:   telemetry.FighterID(p[3]),
	}, nil
}

// DecodeFighterState parses the 29-byte FighterState payload. ts is the
// receive time of the tag byte.
func DecodeFighterState(p []byte, ts time.Time) (FighterStateMsg, error) {
	if len(p) < FighterStateSize {
		return FighterStateMsg{}, short(FighterState, "state", FighterStateSize, len(p))
	}
	motion := uint64(p[21])<<32 | uint64(p[22])<<24 | uint64(p[23])<<16 | uint64(p[24])<<8 | uint64(p[25])
	return FighterStateMsg{
		Slot: p[4],
		State: telemetry.FighterState{
			TimeStamp:  ts,
			FramesLeft: binary.BigEndian.Uint32(p[0:4]),
			PosX:       math.Float32frombits(binary.BigEndian.Uint32(p[5:9])),
			PosY:       math.Float32frombits(binary.BigEndian.Uint32(p[9:13])),
			Damage:     float32(binary.BigEndian.Uint16(p[13:15])) / 50,
			Hitstun:    float32(binary.BigEndian.Uint16(p[15:17])) / 100,
			Shield:     float32(binary.BigEndian.Uint16(p[17:19])) / 200,
			Status:     telemetry.StatusID(binary.BigEndian.Uint16(p[19:21])),
			Motion:     telemetry.MotionID(motion),
			HitStatus:  telemetry.HitStatusID(p[26]),
			Stocks:     p[27],
			Flags:      telemetry.Flags(p[28] & 0x07),
		},
	}, nil
}

// AppendTag appends a bare tag, as used by every client request.
func AppendTag(dst []byte, tags ...MessageType) []byte {
	for _, t := range tags {
		dst = append(dst, byte(t))
	}
	return dst
}

// AppendVersion appends a ProtocolVersion reply.
func AppendVersion(dst []byte, major, minor uint8) []byte {
	return append(dst, byte(ProtocolVersion), major, minor)
}

// AppendChecksum appends a checksum-carrying message (MappingInfoChecksum or
// MappingInfoRequest reply).
func AppendChecksum(dst []byte, tag MessageType, sum uint32) []byte {
	dst = append(dst, byte(tag))
	return binary.BigEndian.AppendUint32(dst, sum)
}

func appendName(dst []byte, name string) []byte {
	if len(name) > math.MaxUint8 {
		name = name[:math.MaxUint8]
	}
	dst = append(dst, byte(len(name)))
	return append(dst, name...)
}

// AppendFighterKind appends a MappingInfoFighterKinds record.
func AppendFighterKind(dst []byte, r FighterKindRecord) []byte {
	dst = append(dst, byte(MappingInfoFighterKinds), byte(r.ID))
	return appendName(dst, r.Name)
}

// AppendStatusKind appends a MappingInfoFighterStatusKinds record.
func AppendStatusKind(dst []byte, r StatusKindRecord) []byte {
	dst = append(dst, byte(MappingInfoFighterStatusKinds), r.Fighter)
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.Status))
	return appendName(dst, r.Name)
}

// AppendStageKind appends a MappingInfoStageKinds record.
func AppendStageKind(dst []byte, r StageKindRecord) []byte {
	dst = append(dst, byte(MappingInfoStageKinds))
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.ID))
	return appendName(dst, r.Name)
}

// AppendHitStatusKind appends a MappingInfoHitStatusKinds record.
func AppendHitStatusKind(dst []byte, r HitStatusKindRecord) []byte {
	dst = append(dst, byte(MappingInfoHitStatusKinds), byte(r.ID))
	return appendName(dst, r.Name)
}

// AppendGameInfo appends a GameStart or GameResume message.
func AppendGameInfo(dst []byte, tag MessageType, info GameInfo) ([]byte, error) {
	n := len(info.Slots)
	if n > math.MaxUint8 || len(info.Fighters) != n || len(info.Tags) != n {
		return dst, fmt.Errorf("game info: %d slots, %d fighters, %d tags", n, len(info.Fighters), len(info.Tags))
	}
	dst = append(dst, byte(tag))
	dst = binary.BigEndian.AppendUint16(dst, uint16(info.Stage))
	dst = append(dst, byte(n))
	dst = append(dst, info.Slots...)
	for _, f := range info.Fighters {
		dst = append(dst, byte(f))
	}
	for _, t := range info.Tags {
		dst = appendName(dst, t)
	}
	return dst, nil
}

// AppendTrainingInfo appends a TrainingStart or TrainingResume message.
func AppendTrainingInfo(dst []byte, tag MessageType, info TrainingInfo) []byte {
	dst = append(dst, byte(tag))
	dst = binary.BigEndian.AppendUint16(dst, uint16(info.Stage))
	return append(dst, byte(info.Human), byte(info.CPU))
}

// AppendFighterState appends a FighterState message. Damage, hitstun and
// shield are quantized to the wire's fixed-point steps (1/50, 1/100, 1/200).
func AppendFighterState(dst []byte, slot uint8, s telemetry.FighterState) []byte {
	dst = append(dst, byte(FighterState))
	dst = binary.BigEndian.AppendUint32(dst, s.FramesLeft)
	dst = append(dst, slot)
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(s.PosX))
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(s.PosY))
	dst = binary.BigEndian.AppendUint16(dst, fixedPoint(s.Damage, 50))
	dst = binary.BigEndian.AppendUint16(dst, fixedPoint(s.Hitstun, 100))
	dst = binary.BigEndian.AppendUint16(dst, fixedPoint(s.Shield, 200))
	dst = binary.BigEndian.AppendUint16(dst, uint16(s.Status))
	m := uint64(s.Motion & telemetry.MotionMask)
	dst = append(dst, byte(m>>32), byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
	return append(dst, byte(s.HitStatus), s.Stocks, byte(s.Flags&0x07))
}

func fixedPoint(v float32, scale float64) uint16 {
	f := math.Round(float64(v) * scale)
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	if f >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(f)
}
