package wire

import "testing"

func TestNodeIDRoundTrip(t *testing.T) {
	id := NewNodeID()
	parsed, err := ParseNodeID(id.String())
	if err != nil {
		t.Fatalf("ParseNodeID: %v", err)
	}
	if parsed != id {
		t.Errorf("parsed = %v, want %v", parsed, id)
	}
}

func TestNodeIDIsLocal(t *testing.T) {
	if !NilNodeID.IsLocal() {
		t.Error("NilNodeID.IsLocal() = false, want true")
	}
	if NewNodeID().IsLocal() {
		t.Error("fresh NodeID.IsLocal() = true, want false")
	}
}

func TestParseNodeIDRejectsGarbage(t *testing.T) {
	if _, err := ParseNodeID("not-a-uuid"); err == nil {
		t.Error("ParseNodeID(garbage) = nil error, want error")
	}
}

func TestDeviceKeyString(t *testing.T) {
	k := DeviceKey{Node: NilNodeID, Device: 7}
	got := k.String()
	want := NilNodeID.String() + "/7"
	if got != want {
		t.Errorf("DeviceKey.String() = %q, want %q", got, want)
	}
}

func TestDirectionString(t *testing.T) {
	if DirectionInput.String() != "input" {
		t.Errorf("DirectionInput.String() = %q", DirectionInput.String())
	}
	if DirectionOutput.String() != "output" {
		t.Errorf("DirectionOutput.String() = %q", DirectionOutput.String())
	}
}

func TestRecordTypeString(t *testing.T) {
	cases := []struct {
		rt   RecordType
		want string
	}{
		{RecordHello, "HELLO"},
		{RecordWelcome, "WELCOME"},
		{RecordBye, "BYE"},
		{RecordMIDI, "MIDI"},
		{RecordDeviceUpdate, "DEVICE_UPDATE"},
		{RecordType(99), "UNKNOWN"},
	}
	for _, c := range cases {
		if got := c.rt.String(); got != c.want {
			t.Errorf("RecordType(%d).String() = %q, want %q", c.rt, got, c.want)
		}
	}
}
