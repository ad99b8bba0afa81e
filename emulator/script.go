package emulator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"fightlink/recorder"
	"fightlink/telemetry"
	"fightlink/wire"
)

// Step is one chunk of bytes played after Delay.
type Step struct {
	Delay time.Duration
	Data  []byte
}

// Script is the steady-state traffic played to a client after its handshake.
type Script []Step

// Duration is the total playback time at normal speed.
func (s Script) Duration() time.Duration {
	var d time.Duration
	for _, step := range s {
		d += step.Delay
	}
	return d
}

// Bytes returns the number of bytes the script writes.
func (s Script) Bytes() int {
	n := 0
	for _, step := range s {
		n += len(step.Data)
	}
	return n
}

// FrameInterval is one game tick at 60 frames per second.
const FrameInterval = time.Second / 60

// MatchOptions shapes a synthetic versus match.
type MatchOptions struct {
	Stage    telemetry.StageID
	Slots    []uint8
	Fighters []telemetry.FighterID
	Tags     []string
	Frames   int
	// FramesLeft is the match clock at the first frame (8 minutes by default).
	FramesLeft uint32
	// FlipEvery swaps the per-fighter send order every N frames, the way the
	// console occasionally does mid-match. Zero keeps slot order.
	FlipEvery int
	// Resume sends GameResume instead of GameStart.
	Resume bool
	Seed   int64
}

func (o *MatchOptions) applyDefaults() {
	if len(o.Slots) == 0 {
		o.Slots = []uint8{0, 1}
	}
	if len(o.Fighters) == 0 {
		o.Fighters = []telemetry.FighterID{0x14, 0x02}
	}
	if len(o.Tags) == 0 {
		o.Tags = make([]string, len(o.Slots))
		for i := range o.Tags {
			o.Tags[i] = fmt.Sprintf("P%d", i+1)
		}
	}
	if o.Stage == 0 {
		o.Stage = 0x5b
	}
	if o.Frames <= 0 {
		o.Frames = 600
	}
	if o.FramesLeft == 0 {
		o.FramesLeft = 8 * 60 * 60
	}
}

// SyntheticMatch builds a complete match: start, one state per fighter per
// frame with a decreasing match clock, and GameEnd.
func SyntheticMatch(o MatchOptions) (Script, error) {
	o.applyDefaults()
	n := len(o.Slots)
	if len(o.Fighters) != n || len(o.Tags) != n {
		return nil, fmt.Errorf("emulator: %d slots, %d fighters, %d tags", n, len(o.Fighters), len(o.Tags))
	}
	if uint32(o.Frames) > o.FramesLeft {
		return nil, fmt.Errorf("emulator: %d frames do not fit a %d frame clock", o.Frames, o.FramesLeft)
	}
	tag := wire.GameStart
	if o.Resume {
		tag = wire.GameResume
	}
	start, err := wire.AppendGameInfo(nil, tag, wire.GameInfo{
		Stage:    o.Stage,
		Slots:    o.Slots,
		Fighters: o.Fighters,
		Tags:     o.Tags,
	})
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(o.Seed))
	fighters := newFighters(rng, n)
	script := Script{{Data: start}}
	flipped := false
	for f := 0; f < o.Frames; f++ {
		if o.FlipEvery > 0 && f > 0 && f%o.FlipEvery == 0 {
			flipped = !flipped
		}
		clock := o.FramesLeft - uint32(f)
		var data []byte
		for k := 0; k < n; k++ {
			i := k
			if flipped {
				i = n - 1 - k
			}
			data = wire.AppendFighterState(data, o.Slots[i], fighters[i].next(rng, clock))
		}
		script = append(script, Step{Delay: FrameInterval, Data: data})
	}
	script = append(script, Step{Delay: FrameInterval, Data: wire.AppendTag(nil, wire.GameEnd)})
	return script, nil
}

// TrainingOptions shapes a synthetic training room.
type TrainingOptions struct {
	Stage telemetry.StageID
	Human telemetry.FighterID
	CPU   telemetry.FighterID
	// Frames per room; ResetAt, when positive, restarts the room after that
	// many frames with a back-to-back TrainingEnd/TrainingStart pair.
	Frames  int
	ResetAt int
	Seed    int64
}

// SyntheticTraining builds a training room with an untimed clock.
func SyntheticTraining(o TrainingOptions) Script {
	if o.Frames <= 0 {
		o.Frames = 300
	}
	if o.Stage == 0 {
		o.Stage = 0x20
	}
	if o.Human == 0 && o.CPU == 0 {
		o.Human, o.CPU = 0x14, 0x02
	}
	info := wire.TrainingInfo{Stage: o.Stage, Human: o.Human, CPU: o.CPU}
	rng := rand.New(rand.NewSource(o.Seed))
	fighters := newFighters(rng, 2)
	script := Script{{Data: wire.AppendTrainingInfo(nil, wire.TrainingStart, info)}}
	for f := 0; f < o.Frames; f++ {
		if o.ResetAt > 0 && f == o.ResetAt {
			reset := wire.AppendTag(nil, wire.TrainingEnd)
			reset = wire.AppendTrainingInfo(reset, wire.TrainingStart, info)
			script = append(script, Step{Delay: FrameInterval, Data: reset})
			fighters = newFighters(rng, 2)
		}
		var data []byte
		for slot := 0; slot < 2; slot++ {
			data = wire.AppendFighterState(data, uint8(slot), fighters[slot].next(rng, 0))
		}
		script = append(script, Step{Delay: FrameInterval, Data: data})
	}
	script = append(script, Step{Delay: FrameInterval, Data: wire.AppendTag(nil, wire.TrainingEnd)})
	return script
}

// FromCapture replays recorded messages with their original spacing.
func FromCapture(msgs []recorder.Message) Script {
	script := make(Script, 0, len(msgs))
	var prev time.Duration
	for _, m := range msgs {
		delay := m.Offset - prev
		if delay < 0 {
			delay = 0
		}
		prev = m.Offset
		data := make([]byte, 0, 1+len(m.Payload))
		data = append(data, byte(m.Tag))
		data = append(data, m.Payload...)
		script = append(script, Step{Delay: delay, Data: data})
	}
	return script
}

// fighter is a crude motion model so synthetic states are not constant.
type fighter struct {
	x, y    float64
	vx      float64
	damage  float64
	stocks  uint8
	shield  float64
	facing  bool
	status  telemetry.StatusID
	motion  telemetry.MotionID
	hitstun float64
}

func newFighters(rng *rand.Rand, n int) []*fighter {
	out := make([]*fighter, n)
	for i := range out {
		out[i] = &fighter{
			x:      -40 + 80*float64(i)/math.Max(1, float64(n-1)),
			stocks: 4,
			shield: 50,
			facing: i == 0,
			motion: telemetry.MotionID(rng.Int63()) & telemetry.MotionMask,
		}
	}
	return out
}

func (f *fighter) next(rng *rand.Rand, clock uint32) telemetry.FighterState {
	f.vx += (rng.Float64() - 0.5) * 0.4
	f.vx = math.Max(-2, math.Min(2, f.vx))
	f.x = math.Max(-80, math.Min(80, f.x+f.vx))
	if f.vx != 0 {
		f.facing = f.vx > 0
	}
	hit := rng.Intn(90) == 0
	if hit {
		f.damage += 4 + rng.Float64()*10
		f.hitstun = 10 + rng.Float64()*20
		f.status = telemetry.StatusID(0x4b)
		f.motion = telemetry.MotionID(rng.Int63()) & telemetry.MotionMask
	} else if f.hitstun > 0 {
		f.hitstun = math.Max(0, f.hitstun-1)
	} else {
		f.status = 0
	}
	return telemetry.FighterState{
		FramesLeft: clock,
		PosX:       float32(f.x),
		PosY:       float32(f.y),
		Damage:     float32(f.damage),
		Hitstun:    float32(f.hitstun),
		Shield:     float32(f.shield),
		Status:     f.status,
		Motion:     f.motion,
		Stocks:     f.stocks,
		Flags:      telemetry.MakeFlags(hit, f.facing, false),
	}
}
