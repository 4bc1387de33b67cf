package pacontrol

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
)

type linkAddr string

func (a linkAddr) Network() string { return "link" }
func (a linkAddr) String() string  { return string(a) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// packetLink turns one end of a pion test bridge into a net.PacketConn with
// working read deadlines.
type packetLink struct {
	conn net.Conn
	addr linkAddr
	peer linkAddr
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu           sync.Mutex
	readDeadline time.Time
}

func newPacketLink(conn net.Conn, local, peer string) *packetLink {
	l := &packetLink{
		conn: conn,
		addr: linkAddr(local),
		peer: linkAddr(peer),
		in:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *packetLink) pump() {
	buf := make([]byte, 1500)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case l.in <- data:
		case <-l.done:
			return
		}
	}
}

func (l *packetLink) ReadFrom(p []byte) (int, net.Addr, error) {
	l.mu.Lock()
	deadline := l.readDeadline
	l.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, timeoutError{}
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-l.in:
		return copy(p, data), l.peer, nil
	case <-timeout:
		return 0, nil, timeoutError{}
	case <-l.done:
		return 0, nil, net.ErrClosed
	}
}

func (l *packetLink) WriteTo(p []byte, _ net.Addr) (int, error) {
	select {
	case <-l.done:
		return 0, net.ErrClosed
	default:
	}
	return l.conn.Write(p)
}

func (l *packetLink) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
	return nil
}

func (l *packetLink) LocalAddr() net.Addr { return l.addr }

func (l *packetLink) SetDeadline(t time.Time) error {
	return l.SetReadDeadline(t)
}

func (l *packetLink) SetReadDeadline(t time.Time) error {
	l.mu.Lock()
	l.readDeadline = t
	l.mu.Unlock()
	return nil
}

func (l *packetLink) SetWriteDeadline(time.Time) error { return nil }

// newLinkPair returns both ends of an in-memory datagram link
func newLinkPair(t *testing.T) (client, device *packetLink) {
	t.Helper()

	br := test.NewBridge()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				br.Tick()
			}
		}
	}()

	client = newPacketLink(br.GetConn0(), "client", "speaker")
	device = newPacketLink(br.GetConn1(), "speaker", "client")
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
		client.Close()
		device.Close()
	})
	return client, device
}

// paramTypes knows the parameter types of every command the speaker accepts
func paramTypes(target uint32, level, index uint16) []ParamType {
	for _, m := range Methods {
		if m.Target != target || m.Level != level || m.Index != index {
			continue
		}
		switch m {
		case MethodGetSerialNumber, MethodGetName, MethodGetDescription:
			return nil
		case MethodSetDescription:
			return []ParamType{TypeString}
		case MethodSetLevel, MethodSetBass, MethodSetDesk, MethodSetPresence, MethodSetTreble:
			return []ParamType{TypeInt8}
		default:
			return []ParamType{TypeUint16}
		}
	}
	return nil
}

// fakeSpeaker answers keepalives and commands the way a speaker does
type fakeSpeaker struct {
	t    *testing.T
	conn *packetLink

	// silent drops keepalives without answering
	silent bool
	// respond returns the responses to send for a command, if any
	respond func(cmd *Command) []*Response

	commands   chan *Command
	keepalives chan *Keepalive
	stop       chan struct{}
	done       chan struct{}
}

func newFakeSpeaker(t *testing.T, conn *packetLink) *fakeSpeaker {
	return &fakeSpeaker{
		t:          t,
		conn:       conn,
		commands:   make(chan *Command, 32),
		keepalives: make(chan *Keepalive, 32),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *fakeSpeaker) start() {
	go s.serve()
	s.t.Cleanup(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *fakeSpeaker) serve() {
	defer close(s.done)
	buf := make([]byte, 1500)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		s.handle(append([]byte(nil), buf[:n]...))
	}
}

func (s *fakeSpeaker) handle(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		s.t.Errorf("speaker: DecodeMessage() error = %v", err)
		return
	}

	switch msg.Type {
	case PDUTypeKeepalive:
		kas, err := msg.Keepalives()
		if err != nil {
			s.t.Errorf("speaker: Keepalives() error = %v", err)
			return
		}
		for _, ka := range kas {
			s.keepalives <- ka
		}
		if !s.silent {
			s.reply(&Keepalive{Timeout: 3})
		}

	case PDUTypeCommand:
		r := NewReader(msg.Payload)
		for i := 0; i < int(msg.Count); i++ {
			header := msg.Payload[r.Offset():]
			types := paramTypes(
				binary.BigEndian.Uint32(header[8:]),
				binary.BigEndian.Uint16(header[12:]),
				binary.BigEndian.Uint16(header[14:]),
			)
			cmd, err := DecodeCommand(r, types)
			if err != nil {
				s.t.Errorf("speaker: DecodeCommand() error = %v", err)
				return
			}
			s.commands <- cmd
			if s.respond == nil {
				continue
			}
			if resps := s.respond(cmd); len(resps) > 0 {
				pdus := make([]PDU, len(resps))
				for j, resp := range resps {
					pdus[j] = resp
				}
				s.reply(pdus...)
			}
		}
	}
}

func (s *fakeSpeaker) reply(pdus ...PDU) {
	data, err := EncodeMessage(pdus...)
	if err != nil {
		s.t.Errorf("speaker: EncodeMessage() error = %v", err)
		return
	}
	// the client may already be gone
	s.conn.WriteTo(data, nil)
}

func (s *fakeSpeaker) nextCommand(t *testing.T) *Command {
	t.Helper()
	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("speaker received no command")
		return nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testInfo = DeviceInfo{Name: "8341A-left", IP: net.IPv4(127, 0, 0, 1), Port: 50001}

// newTestDevice opens a device session connected to a fake speaker. The
// speaker is configured by setup before it starts serving.
func newTestDevice(t *testing.T, setup func(s *fakeSpeaker), opts ...Option) (*Device, *fakeSpeaker) {
	t.Helper()

	client, device := newLinkPair(t)
	speaker := newFakeSpeaker(t, device)
	if setup != nil {
		setup(speaker)
	}
	speaker.start()

	opts = append([]Option{
		WithConn(client),
		WithTimeout(250 * time.Millisecond),
		WithRetries(0),
		WithRetryDelay(time.Millisecond),
		WithLogger(discardLogger()),
	}, opts...)

	d, err := NewDevice(testInfo, opts...)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, speaker
}

// answer builds a respond func that replies OK with the given parameters
func answer(params ...Value) func(*Command) []*Response {
	return func(cmd *Command) []*Response {
		return []*Response{{Handle: cmd.Handle, Status: StatusOK, Params: params}}
	}
}
