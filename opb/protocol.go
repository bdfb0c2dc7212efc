// Package opb implements the serial control protocol of the Open Power Box,
// a multi-channel power distribution unit for astronomy setups. The device
// exposes switchable DC outputs, PWM dew heater outputs, a relay, a gang
// switched DC bank and USB ports as flat-indexed "channels", plus voltage
// and current telemetry served through the same index space.
package opb

import (
	"strconv"
	"strings"
)

// Command identifies a single-character protocol command.
type Command byte

// Command set understood by the firmware.
const (
	CmdSetSwitch   Command = 'S' // set switch state or duty cycle
	CmdGetSwitch   Command = 'G' // get switch state or sensor reading
	CmdSetName     Command = 'N' // set channel name
	CmdGetName     Command = 'n' // get channel name
	CmdSetReverse  Command = 'R' // set class polarity inversion
	CmdGetReverse  Command = 'r' // get class polarity inversion
	CmdSetLimit    Command = 'L' // set class current limit
	CmdGetLimit    Command = 'l' // get class current limit
	CmdTopology    Command = 'Z' // get channel counts per class
	CmdGetIP       Command = 'I' // get WiFi IP address
	CmdSetSSID     Command = 'F' // set WiFi SSID
	CmdGetSSID     Command = 'f' // get WiFi SSID
	CmdSetPassword Command = 'H' // set WiFi password, no response
	CmdApply       Command = 'p' // apply settings / reboot, no response
)

// AckTag returns the tag the firmware acknowledges this command with. The
// second return is false for fire-and-forget commands (H, p). Note the
// firmware quirk: set commands echo their get-style tag, so S is confirmed
// with G, N with n, R with r and L with l.
func (c Command) AckTag() (byte, bool) {
	switch c {
	case CmdSetSwitch, CmdGetSwitch:
		return 'G', true
	case CmdSetName, CmdGetName:
		return 'n', true
	case CmdSetReverse, CmdGetReverse:
		return 'r', true
	case CmdSetLimit, CmdGetLimit:
		return 'l', true
	case CmdTopology:
		return 'Z', true
	case CmdGetIP:
		return 'i', true
	case CmdSetSSID, CmdGetSSID:
		return 'f', true
	}
	return 0, false
}

// IndexedAck reports whether responses to this command carry a channel index
// between the tag and the colon. Topology and WiFi responses do not.
func (c Command) IndexedAck() bool {
	switch c {
	case CmdTopology, CmdGetIP, CmdSetSSID, CmdGetSSID:
		return false
	}
	return true
}

// Wire framing bytes. Requests are newline-terminated, responses are
// terminated by a semicolon.
const (
	frameStart = '#'
	terminator = ';'
)

// EncodeGet builds a value-less request frame: "# C i\n".
func EncodeGet(cmd Command, index int) []byte {
	var b strings.Builder
	b.WriteByte(frameStart)
	b.WriteByte(' ')
	b.WriteByte(byte(cmd))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(index))
	b.WriteByte('\n')
	return []byte(b.String())
}

// EncodeSet builds a request frame carrying a value: "# C i v\n". The value
// is an integer, a fixed-point float or a short string (names, SSID,
// password) depending on the command.
func EncodeSet(cmd Command, index int, value string) []byte {
	var b strings.Builder
	b.WriteByte(frameStart)
	b.WriteByte(' ')
	b.WriteByte(byte(cmd))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(index))
	b.WriteByte(' ')
	b.WriteString(value)
	b.WriteByte('\n')
	return []byte(b.String())
}

// Frame is one decoded device response.
type Frame struct {
	Tag      byte
	Index    int
	HasIndex bool
	Value    string
}

// ParseResponse decodes a raw response into a Frame. Bytes before the leading
// '#' are discarded. An error-tagged response short-circuits to a DeviceError
// carrying the payload verbatim; framing violations return a ProtocolError.
func ParseResponse(raw []byte) (Frame, error) {
	s := string(raw)
	start := strings.IndexByte(s, frameStart)
	if start < 0 {
		return Frame{}, &ProtocolError{Raw: s, Reason: "missing frame start"}
	}
	s = s[start+1:]
	end := strings.IndexByte(s, terminator)
	if end < 0 {
		return Frame{}, &ProtocolError{Raw: s, Reason: "missing terminator"}
	}
	s = s[:end]
	if s == "" {
		return Frame{}, &ProtocolError{Raw: s, Reason: "empty frame"}
	}
	tag := s[0]
	if tag == 'E' {
		return Frame{Tag: tag, Value: s[1:]}, &DeviceError{Payload: s[1:]}
	}
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return Frame{}, &ProtocolError{Raw: s, Reason: "missing value separator"}
	}
	f := Frame{Tag: tag, Value: s[colon+1:]}
	if idx := s[1:colon]; idx != "" {
		n, err := strconv.Atoi(idx)
		if err != nil {
			return Frame{}, &ProtocolError{Raw: s, Reason: "non-numeric index"}
		}
		f.Index = n
		f.HasIndex = true
	}
	return f, nil
}

// ParseTopology parses the comma-separated payload of a Z response. Fields
// are consumed from the tail: USB count last, then Bank, Relay, PWM; the
// remainder is the DC count.
func ParseTopology(value string) (Topology, error) {
	var t Topology
	rest := value
	for _, dst := range [...]*int{&t.USB, &t.Bank, &t.Relay, &t.PWM} {
		k := strings.LastIndexByte(rest, ',')
		if k < 0 {
			return Topology{}, &ProtocolError{Raw: value, Reason: "topology list too short"}
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest[k+1:]))
		if err != nil {
			return Topology{}, &ProtocolError{Raw: value, Reason: "non-numeric topology field"}
		}
		*dst = n
		rest = rest[:k]
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return Topology{}, &ProtocolError{Raw: value, Reason: "non-numeric topology field"}
	}
	t.DC = n
	return t, nil
}

// leadingInt parses the integer prefix of a protocol value ("1", "50",
// "1.00"). Switch acknowledgments are compared on this prefix only, since
// the firmware may echo a fractional form of the value it was sent.
func leadingInt(v string) (int, bool) {
	v = strings.TrimSpace(v)
	end := 0
	for end < len(v) {
		c := v[end]
		if c >= '0' && c <= '9' || (end == 0 && c == '-') {
			end++
			continue
		}
		break
	}
	if end == 0 || (end == 1 && v[0] == '-') {
		return 0, false
	}
	n, err := strconv.Atoi(v[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func leadingIntEqual(a, b string) bool {
	x, okA := leadingInt(a)
	y, okB := leadingInt(b)
	return okA && okB && x == y
}
