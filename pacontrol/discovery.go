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

package pacontrol

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/hashicorp/mdns"
)

// DefaultDiscoverTimeout bounds a browse when the context has no deadline
const DefaultDiscoverTimeout = 2 * time.Second

// Discoverer finds speakers on the network
type Discoverer interface {
	Discover(ctx context.Context) ([]DeviceInfo, error)
}

// Browser is the browsing half of a DNS-SD resolver. It is satisfied by
// *zeroconf.Resolver and can be replaced in tests.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// ZeroconfDiscoverer browses for speakers with grandcat/zeroconf
type ZeroconfDiscoverer struct {
	browser Browser
	timeout time.Duration
	logger  *slog.Logger
}

// NewZeroconfDiscoverer creates a discoverer. A nil browser selects a
// zeroconf resolver on all multicast interfaces.
func NewZeroconfDiscoverer(browser Browser, timeout time.Duration, logger *slog.Logger) (*ZeroconfDiscoverer, error) {
	if browser == nil {
		r, err := zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4))
		if err != nil {
			return nil, fmt.Errorf("%w: mdns resolver: %w", ErrTransport, err)
		}
		browser = r
	}
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ZeroconfDiscoverer{browser: browser, timeout: timeout, logger: logger}, nil
}

// Discover browses until the timeout or the context deadline, whichever is
// first, and returns every speaker seen with an IPv4 address.
func (z *ZeroconfDiscoverer) Discover(ctx context.Context) ([]DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, z.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- z.browser.Browse(ctx, ServiceType, "local.", entries)
	}()

	var found []DeviceInfo
	for {
		select {
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: browse: %w", ErrTransport, err)
			}
			errCh = nil
		case entry, ok := <-entries:
			if !ok {
				return normalize(found), nil
			}
			if info, ok := infoFromZeroconf(entry); ok {
				z.logger.Debug("device discovered", slog.String("device", info.String()))
				found = append(found, info)
			}
		case <-ctx.Done():
			return normalize(found), nil
		}
	}
}

func infoFromZeroconf(e *zeroconf.ServiceEntry) (DeviceInfo, bool) {
	if e == nil {
		return DeviceInfo{}, false
	}
	for _, ip := range e.AddrIPv4 {
		if ip4 := ip.To4(); ip4 != nil {
			return DeviceInfo{
				Name: e.Instance,
				Host: strings.TrimSuffix(e.HostName, "."),
				IP:   ip4,
				Port: e.Port,
			}, true
		}
	}
	return DeviceInfo{}, false
}

// MDNSDiscoverer browses for speakers with hashicorp/mdns
type MDNSDiscoverer struct {
	timeout time.Duration
	logger  *slog.Logger

	// query is mdns.Query, replaced in tests
	query func(*mdns.QueryParam) error
}

// NewMDNSDiscoverer creates a discoverer using hashicorp/mdns
func NewMDNSDiscoverer(timeout time.Duration, logger *slog.Logger) *MDNSDiscoverer {
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNSDiscoverer{timeout: timeout, logger: logger, query: mdns.Query}
}

// Discover runs one mDNS query and collects the answers
func (m *MDNSDiscoverer) Discover(ctx context.Context) ([]DeviceInfo, error) {
	timeout := m.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: discovery: %w", ErrTimeout, ctx.Err())
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan []DeviceInfo)
	go func() {
		var found []DeviceInfo
		for entry := range entries {
			if info, ok := infoFromMDNS(entry); ok {
				m.logger.Debug("device discovered", slog.String("device", info.String()))
				found = append(found, info)
			}
		}
		done <- found
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Domain = "local"
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true

	err := m.query(params)
	close(entries)
	found := <-done
	if err != nil {
		return nil, fmt.Errorf("%w: mdns query: %w", ErrTransport, err)
	}
	return normalize(found), nil
}

func infoFromMDNS(e *mdns.ServiceEntry) (DeviceInfo, bool) {
	if e == nil || e.AddrV4 == nil || e.AddrV4.To4() == nil {
		return DeviceInfo{}, false
	}
	name := strings.TrimSuffix(e.Name, ".")
	if i := strings.Index(name, "."+ServiceType); i > 0 {
		name = name[:i]
	}
	return DeviceInfo{
		Name: name,
		Host: strings.TrimSuffix(e.Host, "."),
		IP:   e.AddrV4.To4(),
		Port: e.Port,
	}, true
}

// StaticDiscoverer returns a fixed list of speakers
type StaticDiscoverer struct {
	devices []DeviceInfo
}

// NewStaticDiscoverer parses host:port addresses. Host names are resolved
// to IPv4 addresses.
func NewStaticDiscoverer(addrs ...string) (*StaticDiscoverer, error) {
	s := &StaticDiscoverer{}
	for _, addr := range addrs {
		info, err := ParseDeviceInfo(addr)
		if err != nil {
			return nil, err
		}
		s.devices = append(s.devices, info)
	}
	return s, nil
}

// Discover returns the configured speakers
func (s *StaticDiscoverer) Discover(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return normalize(append([]DeviceInfo(nil), s.devices...)), nil
}

// ParseDeviceInfo parses "host:port" into a DeviceInfo named after the address
func ParseDeviceInfo(addr string) (DeviceInfo, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: device address %q: %w", ErrPrecondition, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return DeviceInfo{}, fmt.Errorf("%w: device address %q: invalid port", ErrPrecondition, addr)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		udp, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, portStr))
		if err != nil {
			return DeviceInfo{}, fmt.Errorf("%w: resolve %q: %w", ErrTransport, host, err)
		}
		ip = udp.IP
	}
	if ip.To4() == nil {
		return DeviceInfo{}, fmt.Errorf("%w: device address %q is not IPv4", ErrPrecondition, addr)
	}

	return DeviceInfo{
		Name: net.JoinHostPort(host, portStr),
		Host: host,
		IP:   ip.To4(),
		Port: port,
	}, nil
}

// normalize removes duplicate announcements of the same instance and sorts
// by name.
func normalize(devices []DeviceInfo) []DeviceInfo {
	seen := make(map[string]bool, len(devices))
	out := devices[:0]
	for _, d := range devices {
		key := d.Name
		if key == "" {
			key = d.UDPAddr().String()
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UDPAddr().String() < out[j].UDPAddr().String()
	})
	return out
}
