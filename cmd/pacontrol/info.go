package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/drivers/pacontrol/pacontrol"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display speaker information and session statistics",
	Long: `Info reads the identity of every selected speaker and prints it together
with the statistics of the sessions used to reach them.

Examples:
  pacontrol info -d 192.168.1.20:50001
  pacontrol info -o json`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

// speakerInfo is the info output of one speaker
type speakerInfo struct {
	Name         string `json:"name"`
	Host         string `json:"host,omitempty"`
	Address      string `json:"address"`
	State        string `json:"state"`
	SerialNumber string `json:"serial_number,omitempty"`
	Description  string `json:"description,omitempty"`
	Error        string `json:"error,omitempty"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fleet, unreachable, err := openFleet(ctx)
	if err != nil {
		return err
	}
	defer fleet.Close()

	var mu sync.Mutex
	var speakers []speakerInfo
	for _, de := range unreachable {
		speakers = append(speakers, speakerInfo{
			Name:    de.Device.Name,
			Host:    de.Device.Host,
			Address: de.Device.UDPAddr().String(),
			State:   pacontrol.StateDisconnected.String(),
			Error:   de.Err.Error(),
		})
	}

	fleet.Each(ctx, func(ctx context.Context, d *pacontrol.Device) error {
		info := d.Info()
		s := speakerInfo{
			Name:    info.Name,
			Host:    info.Host,
			Address: info.UDPAddr().String(),
			State:   d.State().String(),
		}
		id, err := d.Identify(ctx)
		if err != nil {
			s.Error = err.Error()
		} else {
			s.Name = id.Name
			s.SerialNumber = id.SerialNumber
			s.Description = id.Description
		}
		mu.Lock()
		speakers = append(speakers, s)
		mu.Unlock()
		return err
	})

	sort.Slice(speakers, func(i, j int) bool {
		return speakers[i].Address < speakers[j].Address
	})
	m := metrics.Snapshot()

	f := NewFormatter(viper.GetString("output"))
	switch f.format {
	case FormatJSON:
		return f.PrintJSON(struct {
			Speakers []speakerInfo            `json:"speakers"`
			Metrics  pacontrol.MetricsSnapshot `json:"metrics"`
		}{speakers, m})
	case FormatCSV:
		rows := make([][]string, 0, len(speakers))
		for _, s := range speakers {
			rows = append(rows, []string{s.Name, s.Host, s.Address, s.State, s.SerialNumber, s.Description, s.Error})
		}
		return f.PrintCSV([]string{"name", "host", "address", "state", "serial_number", "description", "error"}, rows)
	}

	order := []string{"Name", "Host", "Address", "State", "Serial Number", "Description", "Error"}
	for _, s := range speakers {
		pairs := map[string]interface{}{
			"Name":    s.Name,
			"Address": s.Address,
			"State":   s.State,
		}
		if s.Host != "" {
			pairs["Host"] = s.Host
		}
		if s.SerialNumber != "" {
			pairs["Serial Number"] = s.SerialNumber
		}
		if s.Description != "" {
			pairs["Description"] = s.Description
		}
		if s.Error != "" {
			pairs["Error"] = s.Error
		}
		f.PrintKeyValue(pairs, order)
		f.Println()
	}
	printMetrics(f, m)
	return nil
}

func printMetrics(f *Formatter, m pacontrol.MetricsSnapshot) {
	f.Println("Session Metrics:")
	f.Printf("  Uptime:              %s\n", m.Uptime.Round(time.Second))
	f.Printf("  Keepalives:          %d sent, %d received\n", m.KeepalivesSent, m.KeepalivesReceived)
	f.Printf("  Commands Sent:       %d\n", m.CommandsSent)
	f.Printf("  Requests Succeeded:  %d\n", m.RequestsSucceeded)
	f.Printf("  Requests Failed:     %d\n", m.RequestsFailed)
	f.Printf("  Requests Timed Out:  %d\n", m.RequestsTimedOut)
	f.Printf("  Requests Canceled:   %d\n", m.RequestsCanceled)
	f.Printf("  Requests Retried:    %d\n", m.RequestsRetried)
	f.Printf("  Status Errors:       %d\n", m.StatusErrors)
	f.Printf("  Responses Dropped:   %d\n", m.ResponsesDropped)
	f.Printf("  Decode Errors:       %d\n", m.DecodeErrors)
	f.Printf("  Bytes Sent:          %d\n", m.BytesSent)
	f.Printf("  Bytes Received:      %d\n", m.BytesReceived)

	if m.LatencyStats.Count > 0 {
		f.Printf("  Avg Latency:         %s\n", m.LatencyStats.Avg.Round(time.Microsecond))
		f.Printf("  Min Latency:         %s\n", m.LatencyStats.Min.Round(time.Microsecond))
		f.Printf("  Max Latency:         %s\n", m.LatencyStats.Max.Round(time.Microsecond))
	}
	f.Printf("  Active Requests:     %d\n", m.ActiveRequests)
}
