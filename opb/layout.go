package opb

import "fmt"

// Class identifies one of the five output classes. The values double as the
// wire index for the per-class polarity commands.
type Class int

const (
	ClassDC Class = iota
	ClassPWM
	ClassRelay
	ClassBank
	ClassUSB

	numClasses = int(ClassUSB) + 1
)

func (c Class) String() string {
	switch c {
	case ClassDC:
		return "dc"
	case ClassPWM:
		return "pwm"
	case ClassRelay:
		return "relay"
	case ClassBank:
		return "bank"
	case ClassUSB:
		return "usb"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Limit identifies one of the six class-level current limits. The values
// double as the wire index for the limit commands.
type Limit int

const (
	LimitDC       Limit = iota // per-channel limit on each DC output
	LimitPWM                   // per-channel limit on each dew heater
	LimitBank                  // limit on the DC bank
	LimitTotalDC               // combined limit across all DC outputs
	LimitTotalPWM              // combined limit across all dew heaters
	LimitGlobal                // combined limit on the whole unit

	// NumLimits is the number of limit slots the firmware stores.
	NumLimits = int(LimitGlobal) + 1
)

func (l Limit) String() string {
	switch l {
	case LimitDC:
		return "dc"
	case LimitPWM:
		return "pwm"
	case LimitBank:
		return "bank"
	case LimitTotalDC:
		return "total_dc"
	case LimitTotalPWM:
		return "total_pwm"
	case LimitGlobal:
		return "global"
	}
	return fmt.Sprintf("limit(%d)", int(l))
}

// SensorKind selects between the two readings of a sensor pair.
type SensorKind int

const (
	SensorVoltage SensorKind = iota
	SensorCurrent
)

// Topology holds the channel counts reported by the device. It is fixed for
// the lifetime of a connection and determines every index in the logical
// channel space:
//
//	0 .. total-1            physical switches, ordered DC, PWM, Relay, Bank, USB
//	total .. total+3        global sensors (input voltage, total current, 2 reserved)
//	then per-DC V/A pairs, per-PWM pairs (voltage slot is a placeholder),
//	and finally the bank V/A pair.
type Topology struct {
	DC    int
	PWM   int
	Relay int
	Bank  int
	USB   int
}

// Count returns the number of channels in the given class.
func (t Topology) Count(c Class) int {
	switch c {
	case ClassDC:
		return t.DC
	case ClassPWM:
		return t.PWM
	case ClassRelay:
		return t.Relay
	case ClassBank:
		return t.Bank
	case ClassUSB:
		return t.USB
	}
	return 0
}

// TotalSwitches returns the number of physical switch indices.
func (t Topology) TotalSwitches() int {
	return t.DC + t.PWM + t.Relay + t.Bank + t.USB
}

// LogicalCount returns the number of logical channel indices served by the
// firmware, sensors included. The poll cycle sweeps all of them.
func (t Topology) LogicalCount() int {
	return (t.DC+t.PWM+t.Bank)*2 + t.TotalSwitches() + 4
}

// InputVoltageIndex returns the logical index of the global input voltage
// sensor, the first of the four global sensor slots.
func (t Topology) InputVoltageIndex() int {
	return t.TotalSwitches()
}

// TotalCurrentIndex returns the logical index of the global current sensor.
func (t Topology) TotalCurrentIndex() int {
	return t.TotalSwitches() + 1
}

// SwitchIndex maps a class-local channel number to its physical switch index.
func (t Topology) SwitchIndex(c Class, i int) (int, error) {
	if i < 0 || i >= t.Count(c) {
		return 0, fmt.Errorf("no %s channel %d (have %d)", c, i, t.Count(c))
	}
	base := 0
	for cc := ClassDC; cc < c; cc++ {
		base += t.Count(cc)
	}
	return base + i, nil
}

// sensorBase is the first per-channel sensor slot; the four global sensors
// sit directly after the physical switches.
func (t Topology) sensorBase() int {
	return t.TotalSwitches() + 4
}

// SensorIndex maps a class-local channel number to the logical index of one
// of its sensor readings. DC channels carry a voltage/current pair, PWM
// channels sense current only (their voltage slot exists on the wire as a
// placeholder), and the bank carries a single pair regardless of its gang
// size. Relay and USB channels have no sensors.
func (t Topology) SensorIndex(c Class, i int, kind SensorKind) (int, error) {
	var idx int
	switch c {
	case ClassDC:
		if i < 0 || i >= t.DC {
			return 0, fmt.Errorf("no dc channel %d (have %d)", i, t.DC)
		}
		idx = t.sensorBase() + 2*i
	case ClassPWM:
		if i < 0 || i >= t.PWM {
			return 0, fmt.Errorf("no pwm channel %d (have %d)", i, t.PWM)
		}
		idx = t.sensorBase() + 2*t.DC + 2*i
	case ClassBank:
		if i != 0 || t.Bank == 0 {
			return 0, fmt.Errorf("no bank sensor pair %d", i)
		}
		idx = t.sensorBase() + 2*t.DC + 2*t.PWM
	default:
		return 0, fmt.Errorf("%s channels have no sensors", c)
	}
	if kind == SensorCurrent {
		idx++
	}
	return idx, nil
}
