// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/drivers/pacontrol/pacontrol"
)

// action is applied to every speaker of the fleet
type action func(ctx context.Context, d *pacontrol.Device) error

var muteCmd = &cobra.Command{
	Use:   "mute",
	Short: "Mute the speakers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, "mute", func(ctx context.Context, d *pacontrol.Device) error {
			return d.SetMute(ctx, true)
		})
	},
}

var unmuteCmd = &cobra.Command{
	Use:   "unmute",
	Short: "Unmute the speakers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, "unmute", func(ctx context.Context, d *pacontrol.Device) error {
			return d.SetMute(ctx, false)
		})
	},
}

var sleepCmd = &cobra.Command{
	Use:   "sleep",
	Short: "Put the speakers into standby",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, "sleep", func(ctx context.Context, d *pacontrol.Device) error {
			return d.SetSleep(ctx, true)
		})
	},
}

var wakeupCmd = &cobra.Command{
	Use:   "wakeup",
	Short: "Wake the speakers from standby",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, "wakeup", func(ctx context.Context, d *pacontrol.Device) error {
			return d.SetSleep(ctx, false)
		})
	},
}

var blinkCmd = &cobra.Command{
	Use:   "blink",
	Short: "Flash the front LED of the speakers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, "blink", func(ctx context.Context, d *pacontrol.Device) error {
			return d.Blink(ctx)
		})
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <text>",
	Short: "Set the user description of the speakers",
	Long: `Describe stores a free text description on every selected speaker.

Examples:
  pacontrol describe "Control room left" -d 192.168.1.20:50001`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := args[0]
		return runAction(cmd, "describe", func(ctx context.Context, d *pacontrol.Device) error {
			return d.SetDescription(ctx, text)
		})
	},
}

// outcome is the result of an action on one speaker
type outcome struct {
	Device  string `json:"device"`
	Address string `json:"address"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// runAction opens the fleet, applies fn to every speaker and prints one line
// per speaker, unreachable ones included.
func runAction(cmd *cobra.Command, what string, fn action) error {
	ctx := cmd.Context()

	fleet, unreachable, err := openFleet(ctx)
	if err != nil {
		return err
	}
	defer fleet.Close()

	err = fleet.Each(ctx, fn)
	failed := append(unreachable, deviceErrors(err)...)

	if err := printOutcomes(fleet, failed); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed on %d of %d speaker(s)", what, len(failed), fleet.Len()+len(unreachable))
	}
	return nil
}

func printOutcomes(fleet *pacontrol.Fleet, failed []*pacontrol.DeviceError) error {
	byAddr := make(map[string]error, len(failed))
	var outcomes []outcome
	for _, de := range failed {
		byAddr[de.Device.UDPAddr().String()] = de.Err
	}

	seen := make(map[string]bool)
	add := func(info pacontrol.DeviceInfo) {
		addr := info.UDPAddr().String()
		if seen[addr] {
			return
		}
		seen[addr] = true
		o := outcome{Device: info.Name, Address: addr, OK: true}
		if err := byAddr[addr]; err != nil {
			o.OK = false
			o.Error = err.Error()
		}
		outcomes = append(outcomes, o)
	}
	for _, d := range fleet.Devices() {
		add(d.Info())
	}
	for _, de := range failed {
		add(de.Device)
	}

	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].Device != outcomes[j].Device {
			return outcomes[i].Device < outcomes[j].Device
		}
		return outcomes[i].Address < outcomes[j].Address
	})

	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		result := "ok"
		if !o.OK {
			result = o.Error
		}
		rows = append(rows, []string{o.Device, o.Address, result})
	}

	return NewFormatter(viper.GetString("output")).Print([]string{"DEVICE", "ADDRESS", "RESULT"}, rows, outcomes)
}
