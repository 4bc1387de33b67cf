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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/drivers/pacontrol/pacontrol"
)

const version = "1.0.0"

var (
	cfgFile         string
	timeout         time.Duration
	retries         int
	retryDelay      time.Duration
	discovery       string
	discoverTimeout time.Duration
	devices         []string
	outputFmt       string
	parallel        int
	verbose         bool
	localAddress    string
	keepalive       uint16
	acknowledged    bool

	logger  *slog.Logger
	metrics = pacontrol.NewMetrics()
)

var rootCmd = &cobra.Command{
	Use:   "pacontrol",
	Short: "Control OCA active monitors on the local network",
	Long: `pacontrol discovers OCA active monitors over mDNS and drives them over UDP.

Every command runs against all discovered speakers at once, unless the
speakers are listed explicitly with --device.

Examples:
  # List the speakers on the network
  pacontrol list

  # Mute everything
  pacontrol mute

  # Pull the level down by 6 dB and switch to XLR on two known speakers
  pacontrol set --level -12 --input xlr --device 192.168.1.20:50001 --device 192.168.1.21:50001

  # Find which speaker is which
  pacontrol blink`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := slog.LevelInfo
		if viper.GetBool("verbose") {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))

		switch viper.GetString("output") {
		case string(FormatTable), string(FormatJSON), string(FormatCSV):
		default:
			return fmt.Errorf("unknown output format %q", viper.GetString("output"))
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pacontrol.yaml)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 2, "Retries after a request timeout")
	rootCmd.PersistentFlags().DurationVar(&retryDelay, "retry-delay", 200*time.Millisecond, "Delay between retries")
	rootCmd.PersistentFlags().StringVar(&discovery, "discovery", "zeroconf", "Discovery backend (zeroconf, mdns, static)")
	rootCmd.PersistentFlags().DurationVar(&discoverTimeout, "discover-timeout", pacontrol.DefaultDiscoverTimeout, "How long to browse for speakers")
	rootCmd.PersistentFlags().StringSliceVarP(&devices, "device", "d", nil, "Speaker address host:port, repeatable (implies static discovery)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv)")
	rootCmd.PersistentFlags().IntVar(&parallel, "parallel", 8, "Maximum number of speakers driven at once (0 for no limit)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&localAddress, "local", "", "Local address to bind to (e.g., 0.0.0.0:0)")
	rootCmd.PersistentFlags().Uint16Var(&keepalive, "keepalive", 3, "Keepalive timeout announced to the speakers, in seconds")
	rootCmd.PersistentFlags().BoolVar(&acknowledged, "ack", false, "Wait for the speaker to acknowledge every write")

	// Bind flags to viper
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("retries", rootCmd.PersistentFlags().Lookup("retries"))
	viper.BindPFlag("retry-delay", rootCmd.PersistentFlags().Lookup("retry-delay"))
	viper.BindPFlag("discovery", rootCmd.PersistentFlags().Lookup("discovery"))
	viper.BindPFlag("discover-timeout", rootCmd.PersistentFlags().Lookup("discover-timeout"))
	viper.BindPFlag("devices", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("parallel", rootCmd.PersistentFlags().Lookup("parallel"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("local", rootCmd.PersistentFlags().Lookup("local"))
	viper.BindPFlag("keepalive", rootCmd.PersistentFlags().Lookup("keepalive"))
	viper.BindPFlag("ack", rootCmd.PersistentFlags().Lookup("ack"))

	// Add subcommands
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(muteCmd)
	rootCmd.AddCommand(unmuteCmd)
	rootCmd.AddCommand(sleepCmd)
	rootCmd.AddCommand(wakeupCmd)
	rootCmd.AddCommand(blinkCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(interactiveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".pacontrol")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PACONTROL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// deviceOptions builds the session options from the current configuration
func deviceOptions() []pacontrol.Option {
	opts := []pacontrol.Option{
		pacontrol.WithTimeout(viper.GetDuration("timeout")),
		pacontrol.WithRetries(viper.GetInt("retries")),
		pacontrol.WithRetryDelay(viper.GetDuration("retry-delay")),
		pacontrol.WithKeepaliveTimeout(viper.GetUint16("keepalive")),
		pacontrol.WithAcknowledgedWrites(viper.GetBool("ack")),
		pacontrol.WithLogger(logger),
		pacontrol.WithMetrics(metrics),
	}

	if addr := viper.GetString("local"); addr != "" {
		opts = append(opts, pacontrol.WithLocalAddress(addr))
	}

	return opts
}

// createDiscoverer picks the discovery backend. Explicit device addresses
// always win over multicast browsing.
func createDiscoverer() (pacontrol.Discoverer, error) {
	addrs := viper.GetStringSlice("devices")
	backend := viper.GetString("discovery")
	if len(addrs) > 0 {
		backend = "static"
	}

	switch backend {
	case "zeroconf", "":
		resolver, err := zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4))
		if err != nil {
			return nil, fmt.Errorf("create resolver: %w", err)
		}
		return pacontrol.NewZeroconfDiscoverer(resolver, viper.GetDuration("discover-timeout"), logger)
	case "mdns":
		return pacontrol.NewMDNSDiscoverer(viper.GetDuration("discover-timeout"), logger), nil
	case "static":
		if len(addrs) == 0 {
			return nil, errors.New("static discovery needs at least one --device")
		}
		return pacontrol.NewStaticDiscoverer(addrs...)
	default:
		return nil, fmt.Errorf("unknown discovery backend %q", backend)
	}
}

// discover returns the speakers found by the configured backend
func discover(ctx context.Context) ([]pacontrol.DeviceInfo, error) {
	d, err := createDiscoverer()
	if err != nil {
		return nil, err
	}

	infos, err := d.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	if len(infos) == 0 {
		return nil, errors.New("no speakers found")
	}

	logger.Debug("discovered speakers", slog.Int("count", len(infos)))
	return infos, nil
}

// openFleet discovers the speakers and opens a session to each of them.
// Unreachable speakers are returned as *pacontrol.DeviceError values next to
// the fleet; the call only fails when no speaker could be reached.
func openFleet(ctx context.Context) (*pacontrol.Fleet, []*pacontrol.DeviceError, error) {
	infos, err := discover(ctx)
	if err != nil {
		return nil, nil, err
	}

	fleet, err := pacontrol.OpenFleet(ctx, infos, viper.GetInt("parallel"), deviceOptions()...)
	failed := deviceErrors(err)
	for _, de := range failed {
		logger.Warn("speaker unreachable", slog.String("device", de.Device.String()), slog.Any("error", de.Err))
	}

	if fleet.Len() == 0 {
		return nil, failed, fmt.Errorf("no speaker reachable: %w", err)
	}
	return fleet, failed, nil
}

// deviceErrors flattens a joined fleet error
func deviceErrors(err error) []*pacontrol.DeviceError {
	if err == nil {
		return nil
	}

	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	var out []*pacontrol.DeviceError
	for _, e := range errs {
		var de *pacontrol.DeviceError
		if errors.As(e, &de) {
			out = append(out, de)
		}
	}
	return out
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pacontrol version %s\n", version)
	},
}
