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
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo/drivers/pacontrol/pacontrol"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start an interactive session with the speakers",
	Long: `Interactive mode keeps the sessions open and reads commands from stdin.
Commands apply to every speaker until one is selected with 'use'.

Commands:
  list                    - List the speakers of the session
  use <n|all>             - Select a speaker by number, or all of them
  identify                - Read name, serial number and description
  mute | unmute           - Mute or unmute
  sleep | wakeup          - Enter or leave standby
  blink                   - Flash the front LED
  input <rca|xlr>         - Select the input
  voicing <pure|unr|ext>  - Select the voicing
  level <n>               - Set the input sensitivity in 0.5 dB steps
  bass|desk|presence|treble <n>
                          - Set a tone control
  describe <text>         - Set the user description
  keepalive               - Check the speakers are still answering
  metrics                 - Show session metrics
  help                    - Show help
  exit                    - Exit interactive mode

Examples:
  pacontrol> list
  pacontrol> use 1
  pacontrol[8341A-left]> level -6
  pacontrol[8341A-left]> use all
  pacontrol> mute`,

	Args: cobra.NoArgs,
	RunE: runInteractive,
}

// shell holds the state of an interactive session
type shell struct {
	fleet    *pacontrol.Fleet
	selected *pacontrol.Device
}

// targets returns the selected speaker, or the whole fleet
func (s *shell) targets() *pacontrol.Fleet {
	if s.selected != nil {
		return pacontrol.NewFleet(1, s.selected)
	}
	return s.fleet
}

func (s *shell) prompt() string {
	if s.selected != nil {
		return fmt.Sprintf("pacontrol[%s]> ", s.selected.Info().Name)
	}
	return "pacontrol> "
}

func runInteractive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fleet, _, err := openFleet(ctx)
	if err != nil {
		return err
	}
	defer fleet.Close()

	sh := &shell{fleet: fleet}

	fmt.Println("pacontrol Interactive Shell")
	fmt.Printf("Connected to %d speaker(s)\n", fleet.Len())
	fmt.Println("Type 'help' for available commands, 'exit' to quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print(sh.prompt())

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		command := strings.ToLower(parts[0])

		switch command {
		case "exit", "quit", "q":
			fmt.Println("Goodbye!")
			return nil

		case "help", "?":
			printInteractiveHelp()

		case "list", "ls":
			sh.list()

		case "use":
			if len(parts) < 2 {
				fmt.Println("Usage: use <n|all>")
				continue
			}
			sh.use(parts[1])

		case "identify", "id":
			sh.identify(ctx)

		case "mute", "unmute":
			mute := command == "mute"
			sh.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
				return d.SetMute(ctx, mute)
			})

		case "sleep", "wakeup":
			sleep := command == "sleep"
			sh.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
				return d.SetSleep(ctx, sleep)
			})

		case "blink":
			sh.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
				return d.Blink(ctx)
			})

		case "input":
			if len(parts) < 2 {
				fmt.Println("Usage: input <rca|xlr>")
				continue
			}
			in, err := pacontrol.ParseInput(parts[1])
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			sh.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
				return d.SetInput(ctx, in)
			})

		case "voicing":
			if len(parts) < 2 {
				fmt.Println("Usage: voicing <pure|unr|ext>")
				continue
			}
			v, err := pacontrol.ParseVoicing(parts[1])
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			sh.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
				return d.SetVoicing(ctx, v)
			})

		case "level", "bass", "desk", "presence", "treble":
			if len(parts) < 2 {
				fmt.Printf("Usage: %s <n>\n", command)
				continue
			}
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				fmt.Printf("Error: invalid value %q\n", parts[1])
				continue
			}
			set := toneSetter(command)
			sh.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
				return set(d, ctx, n)
			})

		case "describe":
			if len(parts) < 2 {
				fmt.Println("Usage: describe <text>")
				continue
			}
			text := strings.TrimSpace(line[len(parts[0]):])
			sh.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
				return d.SetDescription(ctx, text)
			})

		case "keepalive", "ping":
			sh.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
				return d.SendKeepalive(ctx)
			})

		case "metrics":
			f := NewFormatter(string(FormatTable))
			f.Println()
			printMetrics(f, metrics.Snapshot())
			f.Println()

		default:
			fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", command)
		}
	}

	return scanner.Err()
}

func toneSetter(name string) func(*pacontrol.Device, context.Context, int) error {
	switch name {
	case "bass":
		return (*pacontrol.Device).SetBass
	case "desk":
		return (*pacontrol.Device).SetDesk
	case "presence":
		return (*pacontrol.Device).SetPresence
	case "treble":
		return (*pacontrol.Device).SetTreble
	default:
		return (*pacontrol.Device).SetLevel
	}
}

func (s *shell) list() {
	fmt.Println()
	for i, d := range s.fleet.Devices() {
		marker := " "
		if d == s.selected {
			marker = "*"
		}
		fmt.Printf(" %s %2d  %-24s %-22s %s\n", marker, i+1, d.Info().Name, d.Info().UDPAddr(), d.State())
	}
	fmt.Println()
}

func (s *shell) use(arg string) {
	if strings.EqualFold(arg, "all") {
		s.selected = nil
		fmt.Println("Using all speakers")
		return
	}

	devices := s.fleet.Devices()
	n, err := strconv.Atoi(arg)
	if err == nil && n >= 1 && n <= len(devices) {
		s.selected = devices[n-1]
		fmt.Printf("Using %s\n", s.selected.Info())
		return
	}
	for _, d := range devices {
		if d.Info().Name == arg {
			s.selected = d
			fmt.Printf("Using %s\n", d.Info())
			return
		}
	}
	fmt.Printf("Error: no speaker %q\n", arg)
}

func (s *shell) identify(ctx context.Context) {
	s.run(ctx, func(ctx context.Context, d *pacontrol.Device) error {
		id, err := d.Identify(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  %s: name=%q serial=%q description=%q\n", d.Info().UDPAddr(), id.Name, id.SerialNumber, id.Description)
		return nil
	})
}

// run applies fn to the current targets and reports per speaker failures
func (s *shell) run(ctx context.Context, fn action) {
	err := s.targets().Each(ctx, fn)
	if err == nil {
		fmt.Println("OK")
		return
	}
	for _, de := range deviceErrors(err) {
		fmt.Printf("Error: %s: %v\n", de.Device, de.Err)
	}
	logger.Debug("command failed", "error", err)
}

func printInteractiveHelp() {
	fmt.Println(`
Available commands:
  list                    - List the speakers of the session
  use <n|all>             - Select a speaker by number or name, or all of them
  identify                - Read name, serial number and description
  mute | unmute           - Mute or unmute
  sleep | wakeup          - Enter or leave standby
  blink                   - Flash the front LED
  input <rca|xlr>         - Select the input
  voicing <pure|unr|ext>  - Select the voicing
  level <n>               - Input sensitivity in 0.5 dB steps (-40 .. 12)
  bass <n>                - Bass tilt (-2 .. 1)
  desk <n>                - Desktop filter (-2 .. 0)
  presence <n>            - Presence filter (-1 .. 1)
  treble <n>              - Treble tilt (-1 .. 1)
  describe <text>         - Set the user description
  keepalive               - Check the speakers are still answering
  metrics                 - Show session metrics
  help                    - Show this help
  exit                    - Exit interactive mode`)
	fmt.Println()
}
