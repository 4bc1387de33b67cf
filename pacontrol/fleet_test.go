package pacontrol

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// udpSpeaker answers keepalives on a loopback UDP socket and counts commands
type udpSpeaker struct {
	conn     net.PacketConn
	commands atomic.Int32
}

func startUDPSpeaker(t *testing.T) *udpSpeaker {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	s := &udpSpeaker{conn: conn}
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			msg, err := DecodeMessage(buf[:n])
			if err != nil {
				continue
			}
			switch msg.Type {
			case PDUTypeKeepalive:
				reply, _ := EncodeMessage(&Keepalive{Timeout: 3})
				conn.WriteTo(reply, from)
			case PDUTypeCommand:
				s.commands.Add(int32(msg.Count))
			}
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return s
}

func (s *udpSpeaker) info(name string) DeviceInfo {
	addr := s.conn.LocalAddr().(*net.UDPAddr)
	return DeviceInfo{Name: name, IP: addr.IP, Port: addr.Port}
}

func unreachableInfo(t *testing.T) DeviceInfo {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()
	return DeviceInfo{Name: "gone", IP: addr.IP, Port: addr.Port}
}

func TestOpenFleet(t *testing.T) {
	left := startUDPSpeaker(t)
	right := startUDPSpeaker(t)

	infos := []DeviceInfo{left.info("left"), right.info("right"), unreachableInfo(t)}
	f, err := OpenFleet(context.Background(), infos, 2,
		WithTimeout(100*time.Millisecond),
		WithRetries(0),
		WithLogger(discardLogger()),
	)
	t.Cleanup(func() { f.Close() })

	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("OpenFleet() error = %v, want a DeviceError", err)
	}
	if devErr.Device.Name != "gone" || !IsTimeout(devErr) {
		t.Errorf("DeviceError = %v, want timeout on gone", devErr)
	}
	if f.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", f.Len())
	}

	err = f.Each(context.Background(), func(ctx context.Context, d *Device) error {
		return d.SetMute(ctx, true)
	})
	if err != nil {
		t.Fatalf("Each() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for (left.commands.Load() == 0 || right.commands.Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if left.commands.Load() != 1 || right.commands.Load() != 1 {
		t.Errorf("commands = %d, %d, want 1 each", left.commands.Load(), right.commands.Load())
	}

	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	for _, d := range f.Devices() {
		if d.State() != StateDisconnected {
			t.Errorf("%s still %v", d.Info(), d.State())
		}
	}
}

func TestFleetEachJoinsErrors(t *testing.T) {
	a, _ := newTestDevice(t, nil)
	b, _ := newTestDevice(t, nil)
	f := NewFleet(0, a, b)

	var calls atomic.Int32
	err := f.Each(context.Background(), func(ctx context.Context, d *Device) error {
		calls.Add(1)
		if d == b {
			return d.SetLevel(ctx, 99)
		}
		return d.SetLevel(ctx, 0)
	})

	if calls.Load() != 2 {
		t.Errorf("fn called %d times, want 2", calls.Load())
	}
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Each() error = %v, want a DeviceError", err)
	}
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Each() error = %v, want %v", err, ErrOutOfRange)
	}
}
