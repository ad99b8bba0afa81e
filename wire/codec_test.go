package wire

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"fightlink/telemetry"
)

func sampleState() telemetry.FighterState {
	return telemetry.FighterState{
		FramesLeft: 28799,
		PosX:       -53.125,
		PosY:       float32(math.Pi),
		Damage:     37.5,
		Hitstun:    12.25,
		Shield:     50.5,
		Status:     0x01a3,
		Motion:     0xfe_1234_5678,
		HitStatus:  2,
		Stocks:     3,
		Flags:      telemetry.MakeFlags(true, false, true),
	}
}

func TestFighterStateRoundTrip(t *testing.T) {
	in := sampleState()
	buf := AppendFighterState(nil, 4, in)
	if len(buf) != 1+FighterStateSize {
		t.Fatalf("expected %d bytes, got %d", 1+FighterStateSize, len(buf))
	}

	when := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	dec := NewDecoder(bytes.NewReader(buf))
	dec.SetClock(func() time.Time { return when })
	msg, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if msg.Tag != FighterState {
		t.Fatalf("expected FighterState tag, got %s", msg.Tag)
	}
	out, err := DecodeFighterState(msg.Payload, msg.TimeStamp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Slot != 4 {
		t.Fatalf("expected slot 4, got %d", out.Slot)
	}
	in.TimeStamp = when
	if out.State != in {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out.State)
	}
	if math.Float32bits(out.State.PosY) != math.Float32bits(in.PosY) {
		t.Fatalf("expected bit-exact float")
	}
}

func TestFighterStateQuantization(t *testing.T) {
	in := telemetry.FighterState{Damage: 12.345, Hitstun: 3.333, Shield: 49.9991}
	buf := AppendFighterState(nil, 0, in)
	out, err := DecodeFighterState(buf[1:], time.Time{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	checks := []struct {
		name      string
		got, want float32
		step      float32
	}{
		{"damage", out.State.Damage, in.Damage, 1.0 / 50},
		{"hitstun", out.State.Hitstun, in.Hitstun, 1.0 / 100},
		{"shield", out.State.Shield, in.Shield, 1.0 / 200},
	}
	for _, c := range checks {
		if diff := math.Abs(float64(c.got - c.want)); diff > float64(c.step)/2+1e-6 {
			t.Fatalf("%s: got %v want %v (step %v)", c.name, c.got, c.want, c.step)
		}
	}
}

func TestMotionIsFortyBits(t *testing.T) {
	in := telemetry.FighterState{Motion: 0xffff_ffff_ffff}
	buf := AppendFighterState(nil, 0, in)
	out, err := DecodeFighterState(buf[1:], time.Time{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State.Motion != telemetry.MotionMask {
		t.Fatalf("expected motion truncated to 40 bits, got %#x", out.State.Motion)
	}
}

func TestShortReadIsDecodeError(t *testing.T) {
	buf := AppendFighterState(nil, 1, sampleState())
	dec := NewDecoder(bytes.NewReader(buf[:10]))
	_, err := dec.ReadMessage()
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.Tag != FighterState || de.Want != FighterStateSize || de.Got != 9 {
		t.Fatalf("unexpected decode error: %+v", de)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestEOFOnTag(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	_, err := dec.ReadMessage()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestUnknownTag(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte{0x7f, 0, 0}))
	_, err := dec.ReadMessage()
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestGameInfoRoundTrip(t *testing.T) {
	in := GameInfo{
		Stage:    0x0123,
		Slots:    []uint8{0, 3},
		Fighters: []telemetry.FighterID{9, 44},
		Tags:     []string{"TheCOOP", ""},
	}
	buf, err := AppendGameInfo(nil, GameStart, in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	// Followed by a FighterState to prove framing consumed exactly the payload.
	buf = AppendFighterState(buf, 3, sampleState())
	dec := NewDecoder(bytes.NewReader(buf))
	msg, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out, err := DecodeGameInfo(msg.Tag, msg.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Stage != in.Stage || len(out.Slots) != 2 || out.Slots[1] != 3 || out.Fighters[1] != 44 || out.Tags[0] != "TheCOOP" || out.Tags[1] != "" {
		t.Fatalf("unexpected game info: %+v", out)
	}
	next, err := dec.ReadMessage()
	if err != nil || next.Tag != FighterState {
		t.Fatalf("expected trailing FighterState, got %v %v", next.Tag, err)
	}
}

func TestGameInfoRejectsMismatchedLengths(t *testing.T) {
	_, err := AppendGameInfo(nil, GameStart, GameInfo{Slots: []uint8{0, 1}, Fighters: []telemetry.FighterID{1}})
	if err == nil {
		t.Fatalf("expected error for mismatched slot/fighter counts")
	}
}

func TestMappingRecordsRoundTrip(t *testing.T) {
	var buf []byte
	buf = AppendChecksum(buf, MappingInfoRequest, 0xdeadbeef)
	buf = AppendFighterKind(buf, FighterKindRecord{ID: 2, Name: "FOX"})
	buf = AppendStatusKind(buf, StatusKindRecord{Fighter: BaseStatusFighter, Status: 0x10, Name: "WAIT"})
	buf = AppendStatusKind(buf, StatusKindRecord{Fighter: 2, Status: 0x1f0, Name: "SPECIAL_N"})
	buf = AppendStageKind(buf, StageKindRecord{ID: 0x5a, Name: "Battlefield"})
	buf = AppendHitStatusKind(buf, HitStatusKindRecord{ID: 1, Name: "XLU"})
	buf = AppendTag(buf, MappingInfoRequestComplete)

	dec := NewDecoder(bytes.NewReader(buf))
	var tags []MessageType
	for {
		msg, err := dec.ReadMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		tags = append(tags, msg.Tag)
		switch msg.Tag {
		case MappingInfoRequest:
			sum, err := DecodeChecksum(msg.Tag, msg.Payload)
			if err != nil || sum != 0xdeadbeef {
				t.Fatalf("checksum: %x %v", sum, err)
			}
		case MappingInfoFighterStatusKinds:
			r, err := DecodeStatusKind(msg.Payload)
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if r.Status == 0x10 && !r.IsBase() {
				t.Fatalf("expected base status record")
			}
			if r.Status == 0x1f0 && (r.IsBase() || r.Name != "SPECIAL_N") {
				t.Fatalf("unexpected specific status: %+v", r)
			}
		case MappingInfoStageKinds:
			r, err := DecodeStageKind(msg.Payload)
			if err != nil || r.ID != 0x5a || r.Name != "Battlefield" {
				t.Fatalf("stage: %+v %v", r, err)
			}
		}
	}
	if len(tags) != 7 || tags[6] != MappingInfoRequestComplete {
		t.Fatalf("unexpected tag sequence: %v", tags)
	}
}

func TestTrainingInfoRoundTrip(t *testing.T) {
	buf := AppendTrainingInfo(nil, TrainingResume, TrainingInfo{Stage: 300, Human: 1, CPU: 7})
	dec := NewDecoder(bytes.NewReader(buf))
	msg, err := dec.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	info, err := DecodeTrainingInfo(msg.Tag, msg.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Stage != 300 || info.Human != 1 || info.CPU != 7 {
		t.Fatalf("unexpected training info: %+v", info)
	}
}
