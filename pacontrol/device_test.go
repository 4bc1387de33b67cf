package pacontrol

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewDevice(t *testing.T) {
	tests := []struct {
		name    string
		info    DeviceInfo
		wantErr bool
	}{
		{"ipv4", DeviceInfo{IP: net.IPv4(192, 168, 1, 20), Port: 50001}, false},
		{"ipv6", DeviceInfo{IP: net.ParseIP("fe80::1"), Port: 50001}, true},
		{"no address", DeviceInfo{Port: 50001}, true},
		{"port zero", DeviceInfo{IP: net.IPv4(192, 168, 1, 20)}, true},
		{"port too large", DeviceInfo{IP: net.IPv4(192, 168, 1, 20), Port: 70000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDevice(tt.info)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewDevice() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsPrecondition(err) {
				t.Errorf("NewDevice() error = %v, want precondition error", err)
			}
		})
	}
}

func TestDeviceNotConnected(t *testing.T) {
	d, err := NewDevice(testInfo, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	if d.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", d.State(), StateDisconnected)
	}

	ctx := context.Background()
	if _, err := d.GetName(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("GetName() error = %v, want %v", err, ErrNotConnected)
	}
	if err := d.Blink(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Blink() error = %v, want %v", err, ErrNotConnected)
	}
	if err := d.SendKeepalive(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendKeepalive() error = %v, want %v", err, ErrNotConnected)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() on unopened device error = %v", err)
	}
}

func TestDeviceOpenTwice(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	if d.State() != StateConnected {
		t.Fatalf("State() = %v, want %v", d.State(), StateConnected)
	}
	if err := d.Open(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Open() error = %v, want %v", err, ErrAlreadyConnected)
	}
}

func TestDeviceWrites(t *testing.T) {
	tests := []struct {
		name   string
		call   func(ctx context.Context, d *Device) error
		method Method
		params []Value
	}{
		{"mute", func(ctx context.Context, d *Device) error { return d.SetMute(ctx, true) }, MethodSetMute, []Value{Uint16(5)}},
		{"unmute", func(ctx context.Context, d *Device) error { return d.SetMute(ctx, false) }, MethodSetMute, []Value{Uint16(1)}},
		{"sleep", func(ctx context.Context, d *Device) error { return d.SetSleep(ctx, true) }, MethodSetSleep, []Value{Uint16(1)}},
		{"wakeup", func(ctx context.Context, d *Device) error { return d.SetSleep(ctx, false) }, MethodSetSleep, []Value{Uint16(0)}},
		{"input xlr", func(ctx context.Context, d *Device) error { return d.SetInput(ctx, InputXLR) }, MethodSetInput, []Value{Uint16(1)}},
		{"voicing ext", func(ctx context.Context, d *Device) error { return d.SetVoicing(ctx, VoicingExt) }, MethodSetVoicing, []Value{Uint16(2)}},
		{"level", func(ctx context.Context, d *Device) error { return d.SetLevel(ctx, -12) }, MethodSetLevel, []Value{Int8(-12)}},
		{"bass", func(ctx context.Context, d *Device) error { return d.SetBass(ctx, -2) }, MethodSetBass, []Value{Int8(-2)}},
		{"desk", func(ctx context.Context, d *Device) error { return d.SetDesk(ctx, -1) }, MethodSetDesk, []Value{Int8(-1)}},
		{"presence", func(ctx context.Context, d *Device) error { return d.SetPresence(ctx, 1) }, MethodSetPresence, []Value{Int8(1)}},
		{"treble", func(ctx context.Context, d *Device) error { return d.SetTreble(ctx, -1) }, MethodSetTreble, []Value{Int8(-1)}},
		{"blink", func(ctx context.Context, d *Device) error { return d.Blink(ctx) }, MethodIdentify, []Value{Uint16(0x0101)}},
		{"description", func(ctx context.Context, d *Device) error { return d.SetDescription(ctx, "Left") }, MethodSetDescription, []Value{String("Left")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, speaker := newTestDevice(t, nil)

			if err := tt.call(context.Background(), d); err != nil {
				t.Fatalf("call error = %v", err)
			}

			cmd := speaker.nextCommand(t)
			if cmd.Target != tt.method.Target || cmd.MethodLevel != tt.method.Level || cmd.MethodIndex != tt.method.Index {
				t.Errorf("command addresses %d/%d.%d, want %s", cmd.Target, cmd.MethodLevel, cmd.MethodIndex, tt.method)
			}
			if !reflect.DeepEqual(cmd.Params, tt.params) {
				t.Errorf("params = %v, want %v", cmd.Params, tt.params)
			}
		})
	}
}

func TestDeviceRangeValidation(t *testing.T) {
	d, _ := newTestDevice(t, nil)

	tests := []struct {
		name    string
		set     func(ctx context.Context, v int) error
		value   int
		wantErr bool
	}{
		{"level min", d.SetLevel, -40, false},
		{"level max", d.SetLevel, 12, false},
		{"level below", d.SetLevel, -41, true},
		{"level above", d.SetLevel, 13, true},
		{"bass min", d.SetBass, -2, false},
		{"bass max", d.SetBass, 1, false},
		{"bass below", d.SetBass, -3, true},
		{"bass above", d.SetBass, 2, true},
		{"desk min", d.SetDesk, -2, false},
		{"desk max", d.SetDesk, 0, false},
		{"desk above", d.SetDesk, 1, true},
		{"presence min", d.SetPresence, -1, false},
		{"presence above", d.SetPresence, 2, true},
		{"treble max", d.SetTreble, 1, false},
		{"treble below", d.SetTreble, -2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := d.Metrics().CommandsSent.Value()
			err := tt.set(context.Background(), tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("set(%d) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			sent := d.Metrics().CommandsSent.Value() - before
			if tt.wantErr {
				if !errors.Is(err, ErrOutOfRange) {
					t.Errorf("set(%d) error = %v, want %v", tt.value, err, ErrOutOfRange)
				}
				if sent != 0 {
					t.Errorf("rejected value sent %d commands", sent)
				}
			} else if sent != 1 {
				t.Errorf("accepted value sent %d commands, want 1", sent)
			}
		})
	}

	if err := d.SetInput(context.Background(), Input(2)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetInput(2) error = %v, want %v", err, ErrOutOfRange)
	}
	if err := d.SetVoicing(context.Background(), Voicing(3)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SetVoicing(3) error = %v, want %v", err, ErrOutOfRange)
	}
	if err := d.SetDescription(context.Background(), "\xff"); !IsPrecondition(err) {
		t.Errorf("SetDescription(invalid UTF-8) error = %v, want precondition error", err)
	}
}

func TestDeviceReads(t *testing.T) {
	d, speaker := newTestDevice(t, func(s *fakeSpeaker) {
		s.respond = func(cmd *Command) []*Response {
			v := "Left"
			switch {
			case cmd.Target == MethodGetName.Target && cmd.MethodIndex == MethodGetName.Index:
				v = "8341A"
			case cmd.Target == MethodGetSerialNumber.Target && cmd.MethodIndex == MethodGetSerialNumber.Index:
				v = "SN-0042"
			}
			return []*Response{{Handle: cmd.Handle, Status: StatusOK, Params: []Value{String(v)}}}
		}
	})

	id, err := d.Identify(context.Background())
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	want := &Identity{Name: "8341A", SerialNumber: "SN-0042", Description: "Left"}
	if !reflect.DeepEqual(id, want) {
		t.Errorf("Identify() = %+v, want %+v", id, want)
	}

	for _, m := range []Method{MethodGetName, MethodGetSerialNumber, MethodGetDescription} {
		cmd := speaker.nextCommand(t)
		if cmd.Target != m.Target || cmd.MethodLevel != m.Level || cmd.MethodIndex != m.Index {
			t.Errorf("command = %d/%d.%d, want %s", cmd.Target, cmd.MethodLevel, cmd.MethodIndex, m)
		}
		if len(cmd.Params) != 0 {
			t.Errorf("read command has %d params", len(cmd.Params))
		}
	}

	snap := d.Metrics().Snapshot()
	if snap.RequestsSucceeded != 3 {
		t.Errorf("RequestsSucceeded = %d, want 3", snap.RequestsSucceeded)
	}
	if snap.LatencyStats.Count != 3 {
		t.Errorf("latency samples = %d, want 3", snap.LatencyStats.Count)
	}
}

func TestDeviceHandlesAreUnique(t *testing.T) {
	d, speaker := newTestDevice(t, nil)

	for i := 0; i < 3; i++ {
		if err := d.Blink(context.Background()); err != nil {
			t.Fatalf("Blink() error = %v", err)
		}
	}
	seen := make(map[uint32]bool)
	for i := 0; i < 3; i++ {
		cmd := speaker.nextCommand(t)
		if seen[cmd.Handle] {
			t.Errorf("handle %d reused", cmd.Handle)
		}
		seen[cmd.Handle] = true
	}
}

func TestDeviceStatusError(t *testing.T) {
	d, _ := newTestDevice(t, func(s *fakeSpeaker) {
		s.respond = func(cmd *Command) []*Response {
			return []*Response{{Handle: cmd.Handle, Status: StatusBadONo}}
		}
	})

	_, err := d.GetDescription(context.Background())
	if err == nil {
		t.Fatal("GetDescription() expected error")
	}
	status, ok := IsStatus(err)
	if !ok || status != StatusBadONo {
		t.Errorf("IsStatus() = %v, %v, want %v", status, ok, StatusBadONo)
	}
	if !errors.Is(err, &StatusError{Status: StatusBadONo}) {
		t.Errorf("errors.Is(%v, StatusError{BadONo}) = false", err)
	}
	if got := d.Metrics().StatusErrors.Value(); got != 1 {
		t.Errorf("StatusErrors = %d, want 1", got)
	}
}

func TestDeviceAcknowledgedWrites(t *testing.T) {
	d, _ := newTestDevice(t, func(s *fakeSpeaker) {
		s.respond = func(cmd *Command) []*Response {
			return []*Response{{Handle: cmd.Handle, Status: StatusLocked}}
		}
	}, WithAcknowledgedWrites(true))

	err := d.SetMute(context.Background(), true)
	if status, ok := IsStatus(err); !ok || status != StatusLocked {
		t.Fatalf("SetMute() error = %v, want status %v", err, StatusLocked)
	}
}

func TestDeviceDropsUnknownHandles(t *testing.T) {
	t.Run("separate datagrams", func(t *testing.T) {
		d, speaker := newTestDevice(t, nil)

		go func() {
			cmd := <-speaker.commands
			speaker.reply(&Response{Handle: cmd.Handle + 1000, Status: StatusOK, Params: []Value{String("stale")}})
			speaker.reply(&Response{Handle: cmd.Handle, Status: StatusOK, Params: []Value{String("8341A")}})
		}()

		name, err := d.GetName(context.Background())
		if err != nil {
			t.Fatalf("GetName() error = %v", err)
		}
		if name != "8341A" {
			t.Errorf("GetName() = %q, want %q", name, "8341A")
		}
		if got := d.Metrics().ResponsesDropped.Value(); got != 1 {
			t.Errorf("ResponsesDropped = %d, want 1", got)
		}
	})

	t.Run("one message", func(t *testing.T) {
		d, _ := newTestDevice(t, func(s *fakeSpeaker) {
			s.respond = func(cmd *Command) []*Response {
				return []*Response{
					{Handle: cmd.Handle + 7, Status: StatusOK, Params: []Value{String("other")}},
					{Handle: cmd.Handle, Status: StatusOK, Params: []Value{String("SN-1")}},
				}
			}
		})

		serial, err := d.GetSerialNumber(context.Background())
		if err != nil {
			t.Fatalf("GetSerialNumber() error = %v", err)
		}
		if serial != "SN-1" {
			t.Errorf("GetSerialNumber() = %q, want %q", serial, "SN-1")
		}
		if got := d.Metrics().ResponsesDropped.Value(); got != 1 {
			t.Errorf("ResponsesDropped = %d, want 1", got)
		}
	})
}

func TestDeviceParamCountMismatch(t *testing.T) {
	d, _ := newTestDevice(t, func(s *fakeSpeaker) {
		s.respond = func(cmd *Command) []*Response {
			return []*Response{{Handle: cmd.Handle, Status: StatusOK}}
		}
	})

	_, err := d.GetName(context.Background())
	if !errors.Is(err, ErrParamCount) {
		t.Fatalf("GetName() error = %v, want %v", err, ErrParamCount)
	}
}

func TestDeviceTimeout(t *testing.T) {
	d, speaker := newTestDevice(t, nil,
		WithTimeout(50*time.Millisecond),
		WithRetries(2),
	)

	start := time.Now()
	_, err := d.GetName(context.Background())
	if !IsTimeout(err) {
		t.Fatalf("GetName() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("GetName() returned after %v, want three attempts", elapsed)
	}

	for i := 0; i < 3; i++ {
		speaker.nextCommand(t)
	}
	snap := d.Metrics().Snapshot()
	if snap.CommandsSent != 3 {
		t.Errorf("CommandsSent = %d, want 3", snap.CommandsSent)
	}
	if snap.RequestsRetried != 2 {
		t.Errorf("RequestsRetried = %d, want 2", snap.RequestsRetried)
	}
	if snap.RequestsTimedOut != 3 {
		t.Errorf("RequestsTimedOut = %d, want 3", snap.RequestsTimedOut)
	}
}

func TestDeviceContextDeadlineWins(t *testing.T) {
	d, _ := newTestDevice(t, nil, WithTimeout(5*time.Second), WithRetries(3))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.GetName(ctx)
	if !IsTimeout(err) {
		t.Fatalf("GetName() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("GetName() took %v, context deadline ignored", elapsed)
	}
}

func TestDeviceContextCancelIsNotTimeout(t *testing.T) {
	d, speaker := newTestDevice(t, nil, WithTimeout(5*time.Second), WithRetries(3))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-speaker.commands
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := d.GetName(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("GetName() error = %v, want %v", err, context.Canceled)
	}
	if IsTimeout(err) {
		t.Errorf("GetName() error = %v reported as timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("GetName() took %v after cancel", elapsed)
	}

	snap := d.Metrics().Snapshot()
	if snap.RequestsCanceled != 1 || snap.RequestsTimedOut != 0 || snap.RequestsRetried != 0 {
		t.Errorf("canceled, timed out, retried = %d, %d, %d, want 1, 0, 0",
			snap.RequestsCanceled, snap.RequestsTimedOut, snap.RequestsRetried)
	}
}

func TestDeviceKeepaliveCancel(t *testing.T) {
	d, _ := newTestDevice(t, func(s *fakeSpeaker) { s.silent = true }, WithTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := d.SendKeepalive(ctx)
	if !errors.Is(err, context.Canceled) || IsTimeout(err) {
		t.Fatalf("SendKeepalive() error = %v, want %v", err, context.Canceled)
	}
}

func TestDeviceBatchContinuesAfterBadResponse(t *testing.T) {
	d, speaker := newTestDevice(t, nil)

	type outcome struct {
		value string
		err   error
	}
	names := make(chan outcome, 1)
	serials := make(chan outcome, 1)

	go func() {
		v, err := d.GetName(context.Background())
		names <- outcome{v, err}
	}()
	nameCmd := speaker.nextCommand(t)

	go func() {
		v, err := d.GetSerialNumber(context.Background())
		serials <- outcome{v, err}
	}()
	serialCmd := speaker.nextCommand(t)

	// the name response carries two parameters where one string is expected
	speaker.reply(
		&Response{Handle: nameCmd.Handle, Status: StatusOK, Params: []Value{Uint16(1), Uint16(2)}},
		&Response{Handle: serialCmd.Handle, Status: StatusOK, Params: []Value{String("SN-9")}},
	)

	if got := <-names; !errors.Is(got.err, ErrParamCount) {
		t.Errorf("GetName() error = %v, want %v", got.err, ErrParamCount)
	}
	got := <-serials
	if got.err != nil {
		t.Fatalf("GetSerialNumber() error = %v", got.err)
	}
	if got.value != "SN-9" {
		t.Errorf("GetSerialNumber() = %q, want %q", got.value, "SN-9")
	}
	if n := d.Metrics().DecodeErrors.Value(); n != 1 {
		t.Errorf("DecodeErrors = %d, want 1", n)
	}
}

func TestDeviceRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	d, _ := newTestDevice(t, func(s *fakeSpeaker) {
		s.respond = func(cmd *Command) []*Response {
			if calls.Add(1) == 1 {
				return nil
			}
			return []*Response{{Handle: cmd.Handle, Status: StatusOK, Params: []Value{String("Left")}}}
		}
	}, WithTimeout(50*time.Millisecond), WithRetries(2))

	desc, err := d.GetDescription(context.Background())
	if err != nil {
		t.Fatalf("GetDescription() error = %v", err)
	}
	if desc != "Left" {
		t.Errorf("GetDescription() = %q, want %q", desc, "Left")
	}
	if got := d.Metrics().RequestsRetried.Value(); got != 1 {
		t.Errorf("RequestsRetried = %d, want 1", got)
	}
}

func TestDeviceKeepalive(t *testing.T) {
	t.Run("answered", func(t *testing.T) {
		d, speaker := newTestDevice(t, nil)

		if err := d.SendKeepalive(context.Background()); err != nil {
			t.Fatalf("SendKeepalive() error = %v", err)
		}

		// sent as a 2-byte timeout, which decodes scaled to milliseconds
		select {
		case ka := <-speaker.keepalives:
			if ka.Timeout != 3000 {
				t.Errorf("keepalive timeout = %d, want 3000", ka.Timeout)
			}
		case <-time.After(time.Second):
			t.Fatal("speaker received no keepalive")
		}

		deadline := time.Now().Add(time.Second)
		for d.Metrics().KeepalivesReceived.Value() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if got := d.Metrics().KeepalivesReceived.Value(); got != 1 {
			t.Errorf("KeepalivesReceived = %d, want 1", got)
		}
	})

	t.Run("custom timeout", func(t *testing.T) {
		d, speaker := newTestDevice(t, nil, WithKeepaliveTimeout(10))

		if err := d.SendKeepalive(context.Background()); err != nil {
			t.Fatalf("SendKeepalive() error = %v", err)
		}
		ka := <-speaker.keepalives
		if ka.Timeout != 10000 {
			t.Errorf("keepalive timeout = %d, want 10000", ka.Timeout)
		}
	})

	t.Run("unanswered", func(t *testing.T) {
		d, _ := newTestDevice(t, func(s *fakeSpeaker) { s.silent = true }, WithTimeout(50*time.Millisecond))

		if err := d.SendKeepalive(context.Background()); !IsTimeout(err) {
			t.Fatalf("SendKeepalive() error = %v, want timeout", err)
		}
	})
}

func TestDeviceCloseFailsPending(t *testing.T) {
	d, speaker := newTestDevice(t, nil, WithTimeout(5*time.Second))

	go func() {
		<-speaker.commands
		d.Close()
	}()

	_, err := d.GetName(context.Background())
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("GetName() error = %v, want %v", err, ErrConnectionClosed)
	}
	if d.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", d.State(), StateDisconnected)
	}
}

func TestDeviceInfoString(t *testing.T) {
	tests := []struct {
		info DeviceInfo
		want string
	}{
		{DeviceInfo{IP: net.IPv4(10, 0, 0, 5), Port: 50001}, "10.0.0.5:50001"},
		{DeviceInfo{Name: "8341A-left", IP: net.IPv4(10, 0, 0, 5), Port: 50001}, "8341A-left (10.0.0.5:50001)"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
