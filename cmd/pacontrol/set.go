package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgeo/drivers/pacontrol/pacontrol"
)

var (
	setInput    string
	setVoicing  string
	setLevel    int
	setBass     int
	setDesk     int
	setPresence int
	setTreble   int
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Change input, voicing, level or tone controls",
	Long: `Set changes one or more settings on every selected speaker.
Only the flags given on the command line are sent.

Ranges:
  --level     -40 .. 12, in 0.5 dB steps (-20 dB .. +6 dB)
  --bass       -2 .. 1
  --desk       -2 .. 0
  --presence   -1 .. 1
  --treble     -1 .. 1

Examples:
  # Switch to the balanced input with the pure voicing
  pacontrol set --input xlr --voicing pure

  # Desktop placement
  pacontrol set --desk -2 --bass -1`,
	Args: cobra.NoArgs,
	RunE: runSet,
}

func init() {
	addSetFlags(setCmd)
}

func addSetFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&setInput, "input", "", "Input (rca, xlr)")
	cmd.Flags().StringVar(&setVoicing, "voicing", "", "Voicing (pure, unr, ext)")
	cmd.Flags().IntVar(&setLevel, "level", 0, "Input sensitivity in 0.5 dB steps (-12 is -6 dB)")
	cmd.Flags().IntVar(&setBass, "bass", 0, "Bass tilt")
	cmd.Flags().IntVar(&setDesk, "desk", 0, "Desktop filter")
	cmd.Flags().IntVar(&setPresence, "presence", 0, "Presence filter")
	cmd.Flags().IntVar(&setTreble, "treble", 0, "Treble tilt")
}

func runSet(cmd *cobra.Command, args []string) error {
	steps, err := settingSteps(cmd)
	if err != nil {
		return err
	}

	return runAction(cmd, "set", func(ctx context.Context, d *pacontrol.Device) error {
		for _, step := range steps {
			if err := step(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// settingSteps validates the changed flags before any speaker is contacted
func settingSteps(cmd *cobra.Command) ([]action, error) {
	var steps []action
	flags := cmd.Flags()

	if flags.Changed("input") {
		in, err := pacontrol.ParseInput(setInput)
		if err != nil {
			return nil, err
		}
		steps = append(steps, func(ctx context.Context, d *pacontrol.Device) error {
			return d.SetInput(ctx, in)
		})
	}

	if flags.Changed("voicing") {
		v, err := pacontrol.ParseVoicing(setVoicing)
		if err != nil {
			return nil, err
		}
		steps = append(steps, func(ctx context.Context, d *pacontrol.Device) error {
			return d.SetVoicing(ctx, v)
		})
	}

	tones := []struct {
		flag  string
		value int
		r     pacontrol.Range
		set   func(*pacontrol.Device, context.Context, int) error
	}{
		{"level", setLevel, pacontrol.LevelRange, (*pacontrol.Device).SetLevel},
		{"bass", setBass, pacontrol.BassRange, (*pacontrol.Device).SetBass},
		{"desk", setDesk, pacontrol.DeskRange, (*pacontrol.Device).SetDesk},
		{"presence", setPresence, pacontrol.PresenceRange, (*pacontrol.Device).SetPresence},
		{"treble", setTreble, pacontrol.TrebleRange, (*pacontrol.Device).SetTreble},
	}
	for _, t := range tones {
		if !flags.Changed(t.flag) {
			continue
		}
		if !t.r.Contains(t.value) {
			return nil, fmt.Errorf("%w: --%s %d outside %s", pacontrol.ErrOutOfRange, t.flag, t.value, t.r)
		}
		set, v := t.set, t.value
		steps = append(steps, func(ctx context.Context, d *pacontrol.Device) error {
			return set(d, ctx, v)
		})
	}

	if len(steps) == 0 {
		return nil, errors.New("nothing to set, see --help")
	}
	return steps, nil
}
