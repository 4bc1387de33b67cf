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
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/drivers/pacontrol/pacontrol"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the speakers with their name, serial number and description",
	Long: `List discovers the speakers and reads their identity.

Examples:
  # Discover speakers on the network
  pacontrol list

  # Use the hashicorp mDNS backend and print JSON
  pacontrol list --discovery mdns -o json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

// speakerRow is one line of the list output
type speakerRow struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	Host         string `json:"host,omitempty"`
	SerialNumber string `json:"serial_number"`
	Description  string `json:"description"`
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fleet, unreachable, err := openFleet(ctx)
	if err != nil {
		return err
	}
	defer fleet.Close()

	var mu sync.Mutex
	var speakers []speakerRow
	err = fleet.Each(ctx, func(ctx context.Context, d *pacontrol.Device) error {
		id, err := d.Identify(ctx)
		if err != nil {
			return err
		}
		info := d.Info()
		mu.Lock()
		speakers = append(speakers, speakerRow{
			Name:         id.Name,
			Address:      info.UDPAddr().String(),
			Host:         info.Host,
			SerialNumber: id.SerialNumber,
			Description:  id.Description,
		})
		mu.Unlock()
		return nil
	})
	failed := append(unreachable, deviceErrors(err)...)
	for _, de := range failed {
		logger.Warn("speaker skipped", "device", de.Device.String(), "error", de.Err)
	}

	sort.Slice(speakers, func(i, j int) bool {
		if speakers[i].Name != speakers[j].Name {
			return speakers[i].Name < speakers[j].Name
		}
		return speakers[i].Address < speakers[j].Address
	})

	rows := make([][]string, 0, len(speakers))
	for _, s := range speakers {
		rows = append(rows, []string{s.Name, s.Address, s.SerialNumber, s.Description})
	}

	f := NewFormatter(viper.GetString("output"))
	if err := f.Print([]string{"NAME", "ADDRESS", "SERIAL", "DESCRIPTION"}, rows, speakers); err != nil {
		return err
	}
	if f.format == FormatTable {
		f.Printf("\nFound %d speaker(s)\n", len(speakers))
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d speaker(s) did not answer", len(failed))
	}
	return nil
}
