package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fightlink/config"
	"fightlink/emulator"
	"fightlink/mapping"
	"fightlink/recorder"
)

func mappingCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		builtin bool
		fighter string
		stage   string
		dump    bool
		export  string
	)

	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspect the cached name mapping",
		Long: `Show the mapping cache written after the last negotiation: its checksum,
entry counts and, optionally, every entry. --fighter and --stage resolve a
name to its ID, tolerating typos.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			source := cfg.Mapping.CachePath
			var table *mapping.Table
			if builtin {
				source = "built-in emulator mapping"
				table = emulator.DefaultMapping()
			} else if table, err = mapping.Load(cfg.Mapping.CachePath); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printMapping(out, source, table)
			if fighter != "" {
				if id, m, ok := table.ClosestFighter(fighter); ok {
					fmt.Fprintf(out, "Fighter %q: %d %s (distance %d)\n", fighter, id, m.Name, m.Distance)
				} else {
					fmt.Fprintf(out, "Fighter %q: no fighters known\n", fighter)
				}
			}
			if stage != "" {
				if id, m, ok := table.ClosestStage(stage); ok {
					fmt.Fprintf(out, "Stage %q: %d %s (distance %d)\n", stage, id, m.Name, m.Distance)
				} else {
					fmt.Fprintf(out, "Stage %q: no stages known\n", stage)
				}
			}
			if dump {
				dumpMapping(out, table)
			}
			if export != "" {
				if err := mapping.Save(export, table); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote %s\n", export)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&builtin, "builtin", false, "inspect the emulator's built-in mapping instead of the cache")
	f.StringVar(&fighter, "fighter", "", "resolve a fighter name")
	f.StringVar(&stage, "stage", "", "resolve a stage name")
	f.BoolVar(&dump, "dump", false, "print every entry")
	f.StringVar(&export, "export", "", "write the table as a cache file to this path")

	return cmd
}

func printMapping(w io.Writer, source string, t *mapping.Table) {
	c := t.Counts()
	fmt.Fprintf(w, "Mapping %08x from %s\n", t.Checksum(), source)
	if sum := mapping.ComputeChecksum(t); sum != t.Checksum() {
		fmt.Fprintf(w, "  content hash %08x differs from the advertised checksum\n", sum)
	}
	fmt.Fprintf(w, "  %d fighters, %d base + %d specific statuses, %d stages, %d hit statuses\n",
		c.Fighters, c.BaseStatus, c.SpecificStatus, c.Stages, c.HitStatus)
}

var entryKindNames = map[mapping.EntryKind]string{
	mapping.EntryFighter:        "fighter",
	mapping.EntryBaseStatus:     "status",
	mapping.EntrySpecificStatus: "status",
	mapping.EntryStage:          "stage",
	mapping.EntryHitStatus:      "hit",
}

func dumpMapping(w io.Writer, t *mapping.Table) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tFIGHTER\tID\tNAME")
	t.Entries(func(e mapping.Entry) {
		owner := "-"
		if e.Kind == mapping.EntrySpecificStatus {
			owner = strconv.Itoa(int(e.Fighter))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", entryKindNames[e.Kind], owner, e.ID, e.Name)
	})
	_ = tw.Flush()
}

func captureCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "List and inspect recorded connections",
	}

	openStore := func() (*recorder.Recorder, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		return recorder.Open(cfg.Capture.Path)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List captures, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := openStore()
			if err != nil {
				return err
			}
			defer rec.Close()
			captures, err := rec.List(cmd.Context())
			if err != nil {
				return err
			}
			printCaptures(cmd.OutOrStdout(), captures, time.Now())
			return nil
		},
	}

	var messages int
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Summarize one capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid capture id %q", args[0])
			}
			rec, err := openStore()
			if err != nil {
				return err
			}
			defer rec.Close()
			c, msgs, err := rec.Load(cmd.Context(), id)
			if err != nil {
				return err
			}
			printCaptureDetail(cmd.OutOrStdout(), c, msgs, messages)
			return nil
		},
	}
	show.Flags().IntVarP(&messages, "messages", "n", 0, "also print the first N messages")

	cmd.AddCommand(list, show)
	return cmd
}

func printCaptures(w io.Writer, captures []recorder.Capture, now time.Time) {
	if len(captures) == 0 {
		fmt.Fprintln(w, "No captures recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONSOLE\tSTARTED\tLENGTH\tMESSAGES\tSIZE\tEND")
	for _, c := range captures {
		length := "recording"
		if !c.EndedAt.IsZero() {
			length = c.EndedAt.Sub(c.StartedAt).Truncate(time.Second).String()
		}
		reason := c.EndReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%d\t%s:%d\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Host, c.Port,
			humanize.RelTime(c.StartedAt, now, "ago", "from now"),
			length,
			humanize.Comma(c.Messages),
			humanize.Bytes(uint64(c.Bytes)),
			reason)
	}
	_ = tw.Flush()
}

func printCaptureDetail(w io.Writer, c recorder.Capture, msgs []recorder.Message, limit int) {
	fmt.Fprintf(w, "Capture %d: %s:%d\n", c.ID, c.Host, c.Port)
	fmt.Fprintf(w, "  Started: %s\n", c.StartedAt.Format(time.RFC3339))
	if !c.EndedAt.IsZero() {
		fmt.Fprintf(w, "  Ended:   %s (%s)\n", c.EndedAt.Format(time.RFC3339), c.EndReason)
	}
	fmt.Fprintf(w, "  Messages: %s (%s)\n", humanize.Comma(int64(len(msgs))), humanize.Bytes(uint64(c.Bytes)))

	counts := make(map[string]int)
	for _, m := range msgs {
		counts[m.Tag.String()]++
	}
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	for _, tag := range tags {
		fmt.Fprintf(w, "    %-28s %s\n", tag, humanize.Comma(int64(counts[tag])))
	}

	limit = max(0, min(limit, len(msgs)))
	for _, m := range msgs[:limit] {
		fmt.Fprintf(w, "  #%-6d +%-10s %-28s %d bytes\n", m.Seq, m.Offset.Truncate(time.Millisecond), m.Tag, len(m.Payload))
	}
}
