package transport

import (
	"net"
	"testing"
	"time"

	"meshnode/internal/wire"
)

func mustListenDatagram(t *testing.T) *DatagramEndpoint {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	e, err := ListenDatagramEndpoint(addr)
	if err != nil {
		t.Fatalf("ListenDatagramEndpoint: %v", err)
	}
	return e
}

func TestDatagramSessionRoundTripMIDI(t *testing.T) {
	a := mustListenDatagram(t)
	defer a.Close()
	b := mustListenDatagram(t)
	defer b.Close()

	sessionAtoB := a.Open(b.LocalAddr())
	sessionBtoA := b.Open(a.LocalAddr())

	if err := sessionAtoB.SendMIDI(5, 4, []byte{0x90, 0x40, 0x7F}); err != nil {
		t.Fatalf("SendMIDI: %v", err)
	}

	select {
	case frame := <-sessionBtoA.Inbox():
		if frame.IsHeartbeat || frame.Device != 5 || frame.TTL != 4 || string(frame.Payload) != string([]byte{0x90, 0x40, 0x7F}) {
			t.Errorf("received frame = %+v, want MIDI device=5 ttl=4", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestDatagramSessionRoundTripHeartbeat(t *testing.T) {
	a := mustListenDatagram(t)
	defer a.Close()
	b := mustListenDatagram(t)
	defer b.Close()

	sessionAtoB := a.Open(b.LocalAddr())
	sessionBtoA := b.Open(a.LocalAddr())

	self := wire.NewNodeID()
	if err := sessionAtoB.SendHeartbeat(self); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}

	select {
	case frame := <-sessionBtoA.Inbox():
		if !frame.IsHeartbeat || frame.HeartbeatFrom != self {
			t.Errorf("received frame = %+v, want heartbeat from %v", frame, self)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}

func TestOpenReturnsSameSessionForSameRemote(t *testing.T) {
	e := mustListenDatagram(t)
	defer e.Close()
	remote, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9")

	s1 := e.Open(remote)
	s2 := e.Open(remote)
	if s1 != s2 {
		t.Error("Open with the same remote address returned distinct sessions")
	}
}

func TestSendMIDIRejectsOversizedPayload(t *testing.T) {
	e := mustListenDatagram(t)
	defer e.Close()
	remote, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9")
	s := e.Open(remote)

	oversized := make([]byte, wire.MaxDatagramPayload+1)
	if err := s.SendMIDI(1, 1, oversized); err == nil {
		t.Error("SendMIDI with oversized payload = nil error, want error")
	}
}
