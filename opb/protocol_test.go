package opb

import (
	"errors"
	"fmt"
	"testing"
)

func TestEncodeGet(t *testing.T) {
	got := string(EncodeGet(CmdGetSwitch, 3))
	if got != "# G 3\n" {
		t.Errorf("EncodeGet: got %q, want %q", got, "# G 3\n")
	}
}

func TestEncodeSet(t *testing.T) {
	tests := []struct {
		cmd   Command
		index int
		value string
		want  string
	}{
		{CmdSetSwitch, 3, "1", "# S 3 1\n"},
		{CmdSetSwitch, 8, "75", "# S 8 75\n"},
		{CmdSetName, 0, "Main Camera", "# N 0 Main Camera\n"},
		{CmdSetLimit, 5, "10.00", "# L 5 10.00\n"},
		{CmdSetSSID, 0, "observatory", "# F 0 observatory\n"},
	}
	for _, tt := range tests {
		got := string(EncodeSet(tt.cmd, tt.index, tt.value))
		if got != tt.want {
			t.Errorf("EncodeSet(%c, %d, %q): got %q, want %q", tt.cmd, tt.index, tt.value, got, tt.want)
		}
	}
}

func TestAckTags(t *testing.T) {
	tests := []struct {
		cmd     Command
		tag     byte
		acked   bool
		indexed bool
	}{
		{CmdSetSwitch, 'G', true, true}, // set is acknowledged with the get tag
		{CmdGetSwitch, 'G', true, true},
		{CmdSetName, 'n', true, true},
		{CmdGetName, 'n', true, true},
		{CmdSetReverse, 'r', true, true},
		{CmdGetReverse, 'r', true, true},
		{CmdSetLimit, 'l', true, true},
		{CmdGetLimit, 'l', true, true},
		{CmdTopology, 'Z', true, false},
		{CmdGetIP, 'i', true, false},
		{CmdSetSSID, 'f', true, false},
		{CmdGetSSID, 'f', true, false},
		{CmdSetPassword, 0, false, true},
		{CmdApply, 0, false, true},
	}
	for _, tt := range tests {
		tag, acked := tt.cmd.AckTag()
		if tag != tt.tag || acked != tt.acked {
			t.Errorf("AckTag(%c): got (%c, %v), want (%c, %v)", tt.cmd, tag, acked, tt.tag, tt.acked)
		}
		if tt.acked && tt.cmd.IndexedAck() != tt.indexed {
			t.Errorf("IndexedAck(%c): got %v, want %v", tt.cmd, tt.cmd.IndexedAck(), tt.indexed)
		}
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		tag      byte
		index    int
		hasIndex bool
		value    string
	}{
		{"switch value", "#G7:1;", 'G', 7, true, "1"},
		{"sensor value", "#G21:12.00;", 'G', 21, true, "12.00"},
		{"garbage prefix", "\r\nxx#G7:1;", 'G', 7, true, "1"},
		{"trailing bytes", "#G7:1;junk", 'G', 7, true, "1"},
		{"name", "#n2:Main Camera;", 'n', 2, true, "Main Camera"},
		{"topology no index", "#Z:7,3,1,1,7;", 'Z', 0, false, "7,3,1,1,7"},
		{"ip no index", "#i:192.168.1.10;", 'i', 0, false, "192.168.1.10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseResponse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseResponse(%q) failed: %v", tt.raw, err)
			}
			if f.Tag != tt.tag || f.Index != tt.index || f.HasIndex != tt.hasIndex || f.Value != tt.value {
				t.Errorf("ParseResponse(%q): got %+v", tt.raw, f)
			}
		})
	}
}

func TestParseResponseDeviceError(t *testing.T) {
	_, err := ParseResponse([]byte("#E bad request;"))
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if devErr.Payload != " bad request" {
		t.Errorf("payload: got %q, want %q", devErr.Payload, " bad request")
	}
}

func TestParseResponseMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no frame start", "G7:1;"},
		{"no terminator", "#G7:1"},
		{"no value separator", "#G7 1;"},
		{"non-numeric index", "#Gx:1;"},
		{"empty frame", "#;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse([]byte(tt.raw))
			var protoErr *ProtocolError
			if !errors.As(err, &protoErr) {
				t.Errorf("ParseResponse(%q): expected ProtocolError, got %v", tt.raw, err)
			}
		})
	}
}

// Encoding a request and decoding a synthetically matching response must
// reproduce the original index and value for every acknowledged command.
func TestFrameRoundTrip(t *testing.T) {
	commands := []Command{
		CmdSetSwitch, CmdGetSwitch, CmdSetName, CmdGetName,
		CmdSetReverse, CmdGetReverse, CmdSetLimit, CmdGetLimit,
	}
	for _, cmd := range commands {
		for _, index := range []int{0, 7, 42} {
			value := "1"
			tag, _ := cmd.AckTag()
			resp := fmt.Sprintf("#%c%d:%s;", tag, index, value)
			f, err := ParseResponse([]byte(resp))
			if err != nil {
				t.Fatalf("round trip %c/%d: %v", cmd, index, err)
			}
			if f.Tag != tag || f.Index != index || f.Value != value {
				t.Errorf("round trip %c/%d: got %+v", cmd, index, f)
			}
		}
	}
}

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology("7,3,1,1,7")
	if err != nil {
		t.Fatalf("ParseTopology failed: %v", err)
	}
	want := Topology{DC: 7, PWM: 3, Relay: 1, Bank: 1, USB: 7}
	if topo != want {
		t.Errorf("got %+v, want %+v", topo, want)
	}
}

func TestParseTopologyMalformed(t *testing.T) {
	for _, raw := range []string{"", "7", "7,3,1", "7,3,x,1,7"} {
		if _, err := ParseTopology(raw); err == nil {
			t.Errorf("ParseTopology(%q): expected error", raw)
		}
	}
}

func TestLeadingInt(t *testing.T) {
	tests := []struct {
		value string
		n     int
		ok    bool
	}{
		{"1", 1, true},
		{"0", 0, true},
		{"50", 50, true},
		{"1.00", 1, true},
		{" 12.5 ", 12, true},
		{"-1", -1, true},
		{"", 0, false},
		{"on", 0, false},
	}
	for _, tt := range tests {
		n, ok := leadingInt(tt.value)
		if n != tt.n || ok != tt.ok {
			t.Errorf("leadingInt(%q): got (%d, %v), want (%d, %v)", tt.value, n, ok, tt.n, tt.ok)
		}
	}
}
