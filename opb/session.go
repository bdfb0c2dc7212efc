package opb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antiath/openpowerbox/transports"
)

// Transport is the interface for the low-level serial link to the power box.
// This abstraction allows for testing with mock implementations.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout sets the read timeout duration.
	SetReadTimeout(timeout time.Duration) error

	// Flush discards any buffered input data.
	Flush() error
}

// Config holds configuration for creating a new Session.
type Config struct {
	// Transport is the underlying communication transport.
	// If nil, Port must be specified to open a serial connection.
	Transport Transport

	// Port is the serial port path (e.g., "/dev/ttyUSB0").
	// Ignored if Transport is provided.
	Port string

	// BaudRate is the communication speed. Default is 115200.
	BaudRate int

	// Timeout is the per-command response deadline. Default is 3 seconds.
	Timeout time.Duration

	// CommandGap is the minimum time between commands; the firmware needs a
	// settling delay between exchanges. Default is 100ms.
	CommandGap time.Duration

	// Logger receives session diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Session owns one serial connection to a power box and the state cache
// derived from it. The link is half duplex with a single outstanding command,
// so every operation serializes on the session mutex; the poll sweep and
// user-triggered commands queue on the same lock.
type Session struct {
	transport Transport
	logger    *zap.Logger
	timeout   time.Duration
	cmdGap    time.Duration

	mu          sync.Mutex
	closed      bool
	lastCmdTime time.Time

	topo        Topology
	topoKnown   bool
	initialized bool

	// values holds the last device-confirmed or polled value per logical
	// index, in the canonical string form the protocol uses.
	values  map[int]string
	names   map[int]string
	reverse [numClasses]bool
	limits  [NumLimits]float64
	ip      string
	ssid    string
}

// NewSession creates a session with the given configuration, opening the
// serial port when no transport is supplied.
func NewSession(cfg Config) (*Session, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CommandGap == 0 {
		cfg.CommandGap = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.Port == "" {
			return nil, errors.New("either Transport or Port must be specified")
		}
		var err error
		transport, err = transports.OpenSerial(transports.SerialConfig{
			Port:     cfg.Port,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
	}

	return &Session{
		transport:   transport,
		logger:      cfg.Logger,
		timeout:     cfg.Timeout,
		cmdGap:      cfg.CommandGap,
		lastCmdTime: time.Now(),
		values:      make(map[int]string),
		names:       make(map[int]string),
	}, nil
}

// Close closes the session and the underlying transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.transport.Close()
}

// Topology returns the discovered topology and whether discovery has run.
func (s *Session) Topology() (Topology, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topo, s.topoKnown
}

// Initialized reports whether at least one topology discovery has succeeded
// on this session. Callers use it to build long-lived per-class surfaces
// only once across reconnects.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Value returns the cached value for a logical index, if any.
func (s *Session) Value(index int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[index]
	return v, ok
}

// Name returns the cached name for a channel index, if any.
func (s *Session) Name(index int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.names[index]
	return n, ok
}

// Reverse returns the cached polarity flag for a class.
func (s *Session) Reverse(c Class) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c < 0 || int(c) >= numClasses {
		return false
	}
	return s.reverse[c]
}

// Limits returns the cached class-level current limits.
func (s *Session) Limits() [NumLimits]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// IP returns the cached WiFi IP address.
func (s *Session) IP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ip
}

// SSID returns the cached WiFi SSID.
func (s *Session) SSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssid
}

// DiscoverTopology issues the Z command and fixes the index layout for this
// connection. It is idempotent: re-running it against an unchanged device
// yields an identical Topology. The second return reports whether a previous
// discovery had already succeeded, so callers can announce per-class
// surfaces exactly once.
func (s *Session) DiscoverTopology(ctx context.Context) (Topology, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Topology{}, s.initialized, ErrSessionClosed
	}

	already := s.initialized

	frame, ok, err := s.roundTrip(ctx, CmdTopology, 0, "", false)
	if err != nil {
		return Topology{}, already, err
	}
	if !ok {
		// Stale response dropped; keep whatever layout we had.
		return s.topo, already, nil
	}

	topo, err := ParseTopology(frame.Value)
	if err != nil {
		return Topology{}, already, err
	}

	s.topo = topo
	s.topoKnown = true
	s.initialized = true

	s.logger.Info("topology discovered",
		zap.Int("dc", topo.DC),
		zap.Int("pwm", topo.PWM),
		zap.Int("relay", topo.Relay),
		zap.Int("bank", topo.Bank),
		zap.Int("usb", topo.USB))

	return topo, already, nil
}

// GetChannel reads one logical index from the device and commits it to the
// cache. A stale response is dropped and the cached value returned instead.
func (s *Session) GetChannel(ctx context.Context, index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	if err := s.validateIndexLocked(index); err != nil {
		return "", err
	}
	return s.getChannelLocked(ctx, index)
}

// SetChannel writes a raw value to a physical switch index. The value is
// written to the cache speculatively before the acknowledgment arrives;
// on any failure or on a value mismatch the previous value is restored.
func (s *Session) SetChannel(ctx context.Context, index int, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if err := s.validateIndexLocked(index); err != nil {
		return err
	}
	return s.setChannelLocked(ctx, index, value)
}

// SetSwitch turns a plain on/off channel on or off.
func (s *Session) SetSwitch(ctx context.Context, index int, on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	return s.SetChannel(ctx, index, value)
}

// SetDuty sets the duty cycle of a PWM channel, 0 to 100.
func (s *Session) SetDuty(ctx context.Context, index, duty int) error {
	if duty < 0 || duty > 100 {
		return fmt.Errorf("duty cycle %d out of range 0-100", duty)
	}
	return s.SetChannel(ctx, index, strconv.Itoa(duty))
}

// GetName reads a channel name from the device.
func (s *Session) GetName(ctx context.Context, index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	return s.getNameLocked(ctx, index)
}

// SetName stores a channel name in the device's memory. The same
// verify-and-rollback discipline as SetChannel applies: the acknowledged
// name must match the requested one exactly.
func (s *Session) SetName(ctx context.Context, index int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	return s.setNameLocked(ctx, index, name)
}

// GetClassReverse reads the polarity inversion flag for a class.
func (s *Session) GetClassReverse(ctx context.Context, c Class) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrSessionClosed
	}
	return s.getReverseLocked(ctx, c)
}

// SetClassReverse sets the polarity inversion flag for a class.
func (s *Session) SetClassReverse(ctx context.Context, c Class, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	return s.setReverseLocked(ctx, c, on)
}

// GetClassLimit reads one of the six current limits, in amps.
func (s *Session) GetClassLimit(ctx context.Context, l Limit) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}
	return s.getLimitLocked(ctx, l)
}

// SetClassLimit sets one of the six current limits, in amps.
func (s *Session) SetClassLimit(ctx context.Context, l Limit, amps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	return s.setLimitLocked(ctx, l, amps)
}

// WifiInfo fetches the device's IP address and SSID.
func (s *Session) WifiInfo(ctx context.Context) (ip, ssid string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", "", ErrSessionClosed
	}

	frame, ok, err := s.roundTrip(ctx, CmdGetIP, 0, "", false)
	if err != nil {
		return "", "", err
	}
	if ok {
		s.ip = frame.Value
	}

	frame, ok, err = s.roundTrip(ctx, CmdGetSSID, 0, "", false)
	if err != nil {
		return s.ip, "", err
	}
	if ok {
		s.ssid = frame.Value
	}

	return s.ip, s.ssid, nil
}

// SetWifiCredentials updates the device's WiFi SSID and password and applies
// the new settings. The password command and the apply command produce no
// response.
func (s *Session) SetWifiCredentials(ctx context.Context, ssid, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	prev := s.ssid
	s.ssid = ssid
	frame, ok, err := s.roundTrip(ctx, CmdSetSSID, 0, ssid, true)
	if err != nil {
		s.ssid = prev
		return err
	}
	if !ok {
		s.ssid = prev
		return nil
	}
	if strings.TrimSpace(frame.Value) != strings.TrimSpace(ssid) {
		s.ssid = prev
		return &AckMismatchError{Requested: ssid, Reported: frame.Value}
	}

	if _, _, err := s.roundTrip(ctx, CmdSetPassword, 0, password, true); err != nil {
		return err
	}
	_, _, err = s.roundTrip(ctx, CmdApply, 0, "", false)
	return err
}

// Reboot asks the device to apply settings and reset. No response is
// expected; the connection will drop shortly after.
func (s *Session) Reboot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	_, _, err := s.roundTrip(ctx, CmdApply, 0, "", false)
	return err
}

// RefreshNames fetches the stored names of all DC and dew heater channels,
// the classes the device keeps names for.
func (s *Session) RefreshNames(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.topoKnown {
		return ErrNoTopology
	}

	var errs []error
	for i := 0; i < s.topo.DC+s.topo.PWM; i++ {
		if _, err := s.getNameLocked(ctx, i); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("name %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// RefreshSettings fetches all six current limits and all five polarity
// flags from the device.
func (s *Session) RefreshSettings(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	var errs []error
	for l := LimitDC; int(l) < NumLimits; l++ {
		if _, err := s.getLimitLocked(ctx, l); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("limit %s: %w", l, err))
		}
	}
	for c := ClassDC; int(c) < numClasses; c++ {
		if _, err := s.getReverseLocked(ctx, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("reverse %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// SetAllDC switches every DC output on or off in one pass.
func (s *Session) SetAllDC(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.topoKnown {
		return ErrNoTopology
	}

	value := "0"
	if on {
		value = "1"
	}
	var errs []error
	for i := 0; i < s.topo.DC; i++ {
		idx, err := s.topo.SwitchIndex(ClassDC, i)
		if err != nil {
			return err
		}
		if err := s.setChannelLocked(ctx, idx, value); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("dc %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// SetAllPWM sets every dew heater to the same duty cycle in one pass.
func (s *Session) SetAllPWM(ctx context.Context, duty int) error {
	if duty < 0 || duty > 100 {
		return fmt.Errorf("duty cycle %d out of range 0-100", duty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !s.topoKnown {
		return ErrNoTopology
	}

	var errs []error
	for i := 0; i < s.topo.PWM; i++ {
		idx, err := s.topo.SwitchIndex(ClassPWM, i)
		if err != nil {
			return err
		}
		if err := s.setChannelLocked(ctx, idx, strconv.Itoa(duty)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("pwm %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Internal operations, caller holds s.mu.

func (s *Session) validateIndexLocked(index int) error {
	if !s.topoKnown {
		return ErrNoTopology
	}
	if index < 0 || index >= s.topo.LogicalCount() {
		return fmt.Errorf("index %d out of range 0-%d", index, s.topo.LogicalCount()-1)
	}
	return nil
}

func (s *Session) getChannelLocked(ctx context.Context, index int) (string, error) {
	frame, ok, err := s.roundTrip(ctx, CmdGetSwitch, index, "", false)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.values[index], nil
	}
	s.values[index] = frame.Value
	return frame.Value, nil
}

func (s *Session) setChannelLocked(ctx context.Context, index int, value string) error {
	prev, hadPrev := s.values[index]
	restore := func() {
		if hadPrev {
			s.values[index] = prev
		} else {
			delete(s.values, index)
		}
	}

	// Speculative write: concurrent readers see the intended value while the
	// acknowledgment is in flight.
	s.values[index] = value

	frame, ok, err := s.roundTrip(ctx, CmdSetSwitch, index, value, true)
	if err != nil {
		restore()
		return err
	}
	if !ok {
		restore()
		return nil
	}
	if !leadingIntEqual(value, frame.Value) {
		restore()
		return &AckMismatchError{Index: index, Requested: value, Reported: frame.Value}
	}
	return nil
}

func (s *Session) getNameLocked(ctx context.Context, index int) (string, error) {
	frame, ok, err := s.roundTrip(ctx, CmdGetName, index, "", false)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.names[index], nil
	}
	s.names[index] = frame.Value
	return frame.Value, nil
}

func (s *Session) setNameLocked(ctx context.Context, index int, name string) error {
	prev, hadPrev := s.names[index]
	restore := func() {
		if hadPrev {
			s.names[index] = prev
		} else {
			delete(s.names, index)
		}
	}

	s.names[index] = name

	frame, ok, err := s.roundTrip(ctx, CmdSetName, index, name, true)
	if err != nil {
		restore()
		return err
	}
	if !ok {
		restore()
		return nil
	}
	if strings.TrimSpace(frame.Value) != strings.TrimSpace(name) {
		restore()
		return &AckMismatchError{Index: index, Requested: name, Reported: frame.Value}
	}
	return nil
}

func (s *Session) getReverseLocked(ctx context.Context, c Class) (bool, error) {
	if c < 0 || int(c) >= numClasses {
		return false, fmt.Errorf("invalid class %d", int(c))
	}
	frame, ok, err := s.roundTrip(ctx, CmdGetReverse, int(c), "", false)
	if err != nil {
		return false, err
	}
	if !ok {
		return s.reverse[c], nil
	}
	n, valid := leadingInt(frame.Value)
	if !valid {
		return false, &ProtocolError{Raw: frame.Value, Reason: "non-numeric polarity flag"}
	}
	s.reverse[c] = n != 0
	return s.reverse[c], nil
}

func (s *Session) setReverseLocked(ctx context.Context, c Class, on bool) error {
	if c < 0 || int(c) >= numClasses {
		return fmt.Errorf("invalid class %d", int(c))
	}
	value := "0"
	if on {
		value = "1"
	}

	prev := s.reverse[c]
	s.reverse[c] = on

	frame, ok, err := s.roundTrip(ctx, CmdSetReverse, int(c), value, true)
	if err != nil {
		s.reverse[c] = prev
		return err
	}
	if !ok {
		s.reverse[c] = prev
		return nil
	}
	if !leadingIntEqual(value, frame.Value) {
		s.reverse[c] = prev
		return &AckMismatchError{Index: int(c), Requested: value, Reported: frame.Value}
	}
	return nil
}

func (s *Session) getLimitLocked(ctx context.Context, l Limit) (float64, error) {
	if l < 0 || int(l) >= NumLimits {
		return 0, fmt.Errorf("invalid limit %d", int(l))
	}
	frame, ok, err := s.roundTrip(ctx, CmdGetLimit, int(l), "", false)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.limits[l], nil
	}
	amps, err := strconv.ParseFloat(strings.TrimSpace(frame.Value), 64)
	if err != nil {
		return 0, &ProtocolError{Raw: frame.Value, Reason: "non-numeric limit"}
	}
	s.limits[l] = amps
	return amps, nil
}

func (s *Session) setLimitLocked(ctx context.Context, l Limit, amps float64) error {
	if l < 0 || int(l) >= NumLimits {
		return fmt.Errorf("invalid limit %d", int(l))
	}
	value := strconv.FormatFloat(amps, 'f', 2, 64)

	prev := s.limits[l]
	s.limits[l] = amps

	frame, ok, err := s.roundTrip(ctx, CmdSetLimit, int(l), value, true)
	if err != nil {
		s.limits[l] = prev
		return err
	}
	if !ok {
		s.limits[l] = prev
		return nil
	}
	reported, perr := strconv.ParseFloat(strings.TrimSpace(frame.Value), 64)
	if perr != nil || math.Abs(reported-amps) > 0.005 {
		s.limits[l] = prev
		return &AckMismatchError{Index: int(l), Requested: value, Reported: frame.Value}
	}
	return nil
}

// roundTrip transmits one frame and blocks for its response. The second
// return is false when the response was valid but did not correlate with the
// request (stale tag or index from an earlier, slower exchange); such
// responses are dropped without surfacing an error, since the half-duplex
// link carries no correlation identifiers to recover with.
func (s *Session) roundTrip(ctx context.Context, cmd Command, index int, value string, hasValue bool) (Frame, bool, error) {
	var packet []byte
	if hasValue {
		packet = EncodeSet(cmd, index, value)
	} else {
		packet = EncodeGet(cmd, index)
	}

	s.enforceCommandGap()
	s.transport.Flush()

	n, err := s.transport.Write(packet)
	if err != nil {
		return Frame{}, false, &TransportError{Op: "write", Err: err}
	}
	if n != len(packet) {
		return Frame{}, false, &TransportError{
			Op:  "write",
			Err: fmt.Errorf("incomplete write: %d of %d bytes", n, len(packet)),
		}
	}
	s.lastCmdTime = time.Now()

	tag, wantsAck := cmd.AckTag()
	if !wantsAck {
		return Frame{}, false, nil
	}

	raw, err := s.readFrameLocked(ctx)
	if err != nil {
		return Frame{}, false, err
	}

	frame, err := ParseResponse(raw)
	if err != nil {
		return Frame{}, false, err
	}

	if frame.Tag != tag || (cmd.IndexedAck() && (!frame.HasIndex || frame.Index != index)) {
		s.logger.Debug("dropping stale response",
			zap.String("command", string(rune(cmd))),
			zap.Int("index", index),
			zap.String("raw", string(raw)))
		return Frame{}, false, nil
	}

	return frame, true, nil
}

// readFrameLocked accumulates bytes until the response terminator or the
// per-command deadline.
func (s *Session) readFrameLocked(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(s.timeout)
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			if len(buf) == 0 {
				return nil, &TransportError{Op: "read", Err: ErrNoResponse}
			}
			return nil, &TransportError{Op: "read", Err: ErrTimeout}
		}

		remaining := max(time.Until(deadline), 10*time.Millisecond)
		s.transport.SetReadTimeout(remaining)

		n, err := s.transport.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if k := bytes.IndexByte(buf, terminator); k >= 0 {
				return buf[:k+1], nil
			}
			continue
		}
		if err != nil && err != io.EOF {
			return nil, &TransportError{Op: "read", Err: err}
		}
		// Serial read timeout slice with no data; wait for more.
		time.Sleep(time.Millisecond)
	}
}

func (s *Session) enforceCommandGap() {
	elapsed := time.Since(s.lastCmdTime)
	if elapsed < s.cmdGap {
		time.Sleep(s.cmdGap - elapsed)
	}
}
