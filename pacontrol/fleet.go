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
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DeviceError ties an error to the device it happened on
type DeviceError struct {
	Device DeviceInfo
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Fleet is a set of open device sessions driven together
type Fleet struct {
	devices []*Device
	limit   int
}

// OpenFleet opens a session per device and sends the initial keepalive.
// Devices that cannot be reached are closed and reported in the returned
// error; the fleet holds the rest.
func OpenFleet(ctx context.Context, infos []DeviceInfo, limit int, opts ...Option) (*Fleet, error) {
	f := &Fleet{limit: limit}

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	opened := make([]*Device, len(infos))
	for i, info := range infos {
		g.Go(func() error {
			d, err := openDevice(ctx, info, opts)
			if err != nil {
				mu.Lock()
				errs = append(errs, &DeviceError{Device: info, Err: err})
				mu.Unlock()
				return nil
			}
			opened[i] = d
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range opened {
		if d != nil {
			f.devices = append(f.devices, d)
		}
	}
	return f, errors.Join(errs...)
}

func openDevice(ctx context.Context, info DeviceInfo, opts []Option) (*Device, error) {
	d, err := NewDevice(info, opts...)
	if err != nil {
		return nil, err
	}
	if err := d.Open(ctx); err != nil {
		return nil, err
	}
	if err := d.SendKeepalive(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// NewFleet groups already opened devices
func NewFleet(limit int, devices ...*Device) *Fleet {
	return &Fleet{devices: devices, limit: limit}
}

// Devices returns the sessions in the fleet
func (f *Fleet) Devices() []*Device {
	return f.devices
}

// Len returns the number of devices
func (f *Fleet) Len() int {
	return len(f.devices)
}

// Each runs fn for every device concurrently. A failing device does not stop
// the others; all failures are returned joined, each as a *DeviceError.
func (f *Fleet) Each(ctx context.Context, fn func(ctx context.Context, d *Device) error) error {
	var g errgroup.Group
	if f.limit > 0 {
		g.SetLimit(f.limit)
	}

	errs := make([]error, len(f.devices))
	for i, d := range f.devices {
		g.Go(func() error {
			if err := fn(ctx, d); err != nil {
				errs[i] = &DeviceError{Device: d.Info(), Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every session
func (f *Fleet) Close() error {
	var errs []error
	for _, d := range f.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, &DeviceError{Device: d.Info(), Err: err})
		}
	}
	return errors.Join(errs...)
}
