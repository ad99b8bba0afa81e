package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fightlink/config"
	"fightlink/emulator"
	"fightlink/mapping"
	"fightlink/recorder"
	"fightlink/telemetry"
)

type emulateFlags struct {
	listen    string
	mode      string
	frames    int
	resetAt   int
	stage     string
	fighters  []string
	captureID int64
	speed     float64
	loop      bool
	major     uint8
	minor     uint8
	seed      int64
}

func emulateCmd(load func() (*config.Config, error)) *cobra.Command {
	var flags emulateFlags

	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Serve an emulated console for testing clients",
		Long: `Listen like a console would and play a script to every client that
connects: a synthetic match, a synthetic training room (optionally with a
reset), or a capture recorded by "run" with capture enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			applyEmulatorConfig(cmd, cfg.Emulator, &flags)

			table := emulator.DefaultMapping()
			script, err := buildScript(cmd.Context(), cfg, table, flags)
			if err != nil {
				return err
			}
			log.Printf("Emulator: script of %d steps (%s, %s)", len(script),
				script.Duration().Truncate(time.Millisecond), humanize.Bytes(uint64(script.Bytes())))

			srv, err := emulator.Listen(flags.listen, emulator.Options{
				Major:   flags.major,
				Minor:   flags.minor,
				Mapping: table,
				Script:  script,
				Speed:   flags.speed,
				Loop:    flags.loop,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			log.Println("Shutting down gracefully...")
			err = srv.Close()
			log.Printf("Emulator: served %d clients", srv.Served())
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.listen, "listen", "", "listen address (default emulator.listen)")
	f.StringVar(&flags.mode, "mode", "match", "script to play: match, training or capture")
	f.IntVar(&flags.frames, "frames", 600, "frames to play in synthetic scripts")
	f.IntVar(&flags.resetAt, "reset-at", 0, "training: restart the room after this many frames")
	f.StringVar(&flags.stage, "stage", "", "stage name (closest match in the built-in mapping)")
	f.StringSliceVar(&flags.fighters, "fighters", nil, "fighter names in slot order")
	f.Int64Var(&flags.captureID, "capture-id", 0, "capture: id to replay from capture.path")
	f.Float64Var(&flags.speed, "speed", 0, "playback speed factor (default emulator.speed)")
	f.BoolVar(&flags.loop, "loop", false, "restart the script when it ends")
	f.Uint8Var(&flags.major, "major", 0, "advertised protocol major version")
	f.Uint8Var(&flags.minor, "minor", 0, "advertised protocol minor version")
	f.Int64Var(&flags.seed, "seed", 1, "random seed for synthetic motion")

	return cmd
}

// applyEmulatorConfig fills flags the user did not set from the config file.
func applyEmulatorConfig(cmd *cobra.Command, ec config.EmulatorConfig, flags *emulateFlags) {
	changed := cmd.Flags().Changed
	if !changed("listen") {
		flags.listen = ec.Listen
	}
	if !changed("speed") {
		flags.speed = ec.Speed
	}
	if !changed("loop") {
		flags.loop = ec.Loop
	}
	if !changed("major") && !changed("minor") && ec.VersionMajor != 0 {
		flags.major, flags.minor = ec.VersionMajor, ec.VersionMinor
	}
}

// Purpose: Build the playback script selected by --mode.
// Key aspects: Stage and fighter names go through the mapping's fuzzy
// lookup so "falco" or "battlefeild" both resolve.
// Upstream: emulateCmd.
// Downstream: emulator.SyntheticMatch, emulator.SyntheticTraining, emulator.FromCapture.
func buildScript(ctx context.Context, cfg *config.Config, table *mapping.Table, flags emulateFlags) (emulator.Script, error) {
	switch strings.ToLower(flags.mode) {
	case "match":
		o := emulator.MatchOptions{Frames: flags.frames, FlipEvery: 90, Seed: flags.seed}
		stage, err := resolveStage(table, flags.stage)
		if err != nil {
			return nil, err
		}
		o.Stage = stage
		for i, name := range flags.fighters {
			id, err := resolveFighter(table, name)
			if err != nil {
				return nil, err
			}
			o.Fighters = append(o.Fighters, id)
			o.Slots = append(o.Slots, uint8(i))
		}
		return emulator.SyntheticMatch(o)
	case "training":
		o := emulator.TrainingOptions{Frames: flags.frames, ResetAt: flags.resetAt, Seed: flags.seed}
		stage, err := resolveStage(table, flags.stage)
		if err != nil {
			return nil, err
		}
		o.Stage = stage
		switch len(flags.fighters) {
		case 0:
		case 2:
			if o.Human, err = resolveFighter(table, flags.fighters[0]); err != nil {
				return nil, err
			}
			if o.CPU, err = resolveFighter(table, flags.fighters[1]); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("training needs exactly two fighters (human, cpu), got %d", len(flags.fighters))
		}
		return emulator.SyntheticTraining(o), nil
	case "capture":
		if flags.captureID <= 0 {
			return nil, fmt.Errorf("--capture-id is required with --mode capture")
		}
		rec, err := recorder.Open(cfg.Capture.Path)
		if err != nil {
			return nil, err
		}
		defer rec.Close()
		c, msgs, err := rec.Load(ctx, flags.captureID)
		if err != nil {
			return nil, err
		}
		log.Printf("Emulator: replaying capture %d from %s:%d (%s messages)", c.ID, c.Host, c.Port, humanize.Comma(c.Messages))
		return emulator.FromCapture(msgs), nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want match, training or capture)", flags.mode)
	}
}

func resolveStage(table *mapping.Table, name string) (telemetry.StageID, error) {
	if name == "" {
		return 0, nil
	}
	id, m, ok := table.ClosestStage(name)
	if !ok {
		return 0, fmt.Errorf("no stage matches %q", name)
	}
	if m.Distance > 0 {
		log.Printf("Emulator: stage %q resolved to %s", name, m.Name)
	}
	return id, nil
}

func resolveFighter(table *mapping.Table, name string) (telemetry.FighterID, error) {
	id, m, ok := table.ClosestFighter(name)
	if !ok {
		return 0, fmt.Errorf("no fighter matches %q", name)
	}
	if m.Distance > 0 {
		log.Printf("Emulator: fighter %q resolved to %s", name, m.Name)
	}
	return id, nil
}
