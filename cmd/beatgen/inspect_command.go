package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/beatgen/api/internal/midi"
)

func newInspectCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "inspect <file.mid>",
		Short: "Decode an exported MIDI file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sum, err := midi.Decode(data)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", args[0], err)
			}
			if jsonOut {
				return writeJSON(cmd, sum)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s, %s BPM, %d ticks per quarter\n",
				args[0], humanize.Bytes(uint64(len(data))), strconv.FormatFloat(sum.Tempo, 'f', -1, 64), sum.TicksPerQuarter)

			rows := make([][]string, 0, len(sum.Tracks))
			for _, tr := range sum.Tracks {
				rows = append(rows, []string{tr.Name, strconv.Itoa(len(tr.Notes)), stepGrid(tr, sum.TicksPerQuarter)})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Track", "Notes", "Steps"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

// stepGrid draws the first bar of a track as sixteen cells.
func stepGrid(tr midi.TrackSummary, tpq uint16) string {
	if tpq == 0 {
		tpq = midi.TicksPerQuarter
	}
	stepTicks := uint32(tpq) / 4

	cells := []byte(strings.Repeat(".", 16))
	for _, n := range tr.Notes {
		step := n.Tick / stepTicks
		if n.Tick%stepTicks == 0 && step < 16 {
			cells[step] = 'x'
		}
	}
	return string(cells)
}
