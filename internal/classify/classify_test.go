package classify

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Class
	}{
		{"empty", nil, NonRealtime},
		{"note on", []byte{0x90, 0x40, 0x7F}, Realtime},
		{"program change", []byte{0xC0, 0x01}, Realtime},
		{"sysex start", []byte{0xF0, 0x43, 0x10}, NonRealtime},
		{"long non-sysex", []byte{0x90, 0x40, 0x7F, 0x00}, NonRealtime},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.data); got != c.want {
				t.Errorf("Classify(%v) = %v, want %v", c.data, got, c.want)
			}
		})
	}
}

func TestChannel(t *testing.T) {
	ch, ok := Channel([]byte{0x93, 0x40, 0x7F})
	if !ok || ch != 3 {
		t.Errorf("Channel = (%d, %v), want (3, true)", ch, ok)
	}
	if _, ok := Channel([]byte{0xF8}); ok {
		t.Error("Channel(system message) ok = true, want false")
	}
	if _, ok := Channel(nil); ok {
		t.Error("Channel(nil) ok = true, want false")
	}
}

func TestMessageType(t *testing.T) {
	mt, ok := MessageType([]byte{0x93, 0x40, 0x7F})
	if !ok || mt != 0x9 {
		t.Errorf("MessageType = (%x, %v), want (9, true)", mt, ok)
	}
	if _, ok := MessageType(nil); ok {
		t.Error("MessageType(nil) ok = true, want false")
	}
}
