package opb

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is the device state derived from one completed poll sweep.
type Snapshot struct {
	Taken    time.Time
	Topology Topology

	InputVoltage float64
	TotalCurrent float64
	// TotalPower is derived as InputVoltage * TotalCurrent; the firmware
	// does not report it directly.
	TotalPower float64

	DCOn    []bool
	PWMDuty []int
	RelayOn []bool
	BankOn  []bool
	USBOn   []bool

	DCVoltage   []float64
	DCCurrent   []float64
	PWMCurrent  []float64
	BankVoltage float64
	BankCurrent float64
}

// PollOnce sweeps every logical index with a G command, refreshing the cache
// index by index, then derives a Snapshot. A failed read does not abort the
// sweep: the stale cached value stands in for that index and the sweep
// continues. The session lock is held for the whole sweep, so user commands
// queue behind it.
func (s *Session) PollOnce(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Snapshot{}, ErrSessionClosed
	}
	if !s.topoKnown {
		return Snapshot{}, ErrNoTopology
	}

	for i := 0; i < s.topo.LogicalCount(); i++ {
		if _, err := s.getChannelLocked(ctx, i); err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			s.logger.Warn("poll read failed, keeping cached value",
				zap.Int("index", i), zap.Error(err))
		}
	}

	return s.snapshotLocked(), nil
}

func (s *Session) snapshotLocked() Snapshot {
	t := s.topo
	snap := Snapshot{
		Taken:      time.Now(),
		Topology:   t,
		DCOn:       make([]bool, t.DC),
		PWMDuty:    make([]int, t.PWM),
		RelayOn:    make([]bool, t.Relay),
		BankOn:     make([]bool, t.Bank),
		USBOn:      make([]bool, t.USB),
		DCVoltage:  make([]float64, t.DC),
		DCCurrent:  make([]float64, t.DC),
		PWMCurrent: make([]float64, t.PWM),
	}

	snap.InputVoltage = s.floatAt(t.InputVoltageIndex())
	snap.TotalCurrent = s.floatAt(t.TotalCurrentIndex())
	snap.TotalPower = snap.InputVoltage * snap.TotalCurrent

	for i := 0; i < t.DC; i++ {
		idx, _ := t.SwitchIndex(ClassDC, i)
		snap.DCOn[i] = s.boolAt(idx)
		vi, _ := t.SensorIndex(ClassDC, i, SensorVoltage)
		ai, _ := t.SensorIndex(ClassDC, i, SensorCurrent)
		snap.DCVoltage[i] = s.floatAt(vi)
		snap.DCCurrent[i] = s.floatAt(ai)
	}
	for i := 0; i < t.PWM; i++ {
		idx, _ := t.SwitchIndex(ClassPWM, i)
		snap.PWMDuty[i] = s.intAt(idx)
		ai, _ := t.SensorIndex(ClassPWM, i, SensorCurrent)
		snap.PWMCurrent[i] = s.floatAt(ai)
	}
	for i := 0; i < t.Relay; i++ {
		idx, _ := t.SwitchIndex(ClassRelay, i)
		snap.RelayOn[i] = s.boolAt(idx)
	}
	for i := 0; i < t.Bank; i++ {
		idx, _ := t.SwitchIndex(ClassBank, i)
		snap.BankOn[i] = s.boolAt(idx)
	}
	for i := 0; i < t.USB; i++ {
		idx, _ := t.SwitchIndex(ClassUSB, i)
		snap.USBOn[i] = s.boolAt(idx)
	}
	if t.Bank > 0 {
		vi, _ := t.SensorIndex(ClassBank, 0, SensorVoltage)
		ai, _ := t.SensorIndex(ClassBank, 0, SensorCurrent)
		snap.BankVoltage = s.floatAt(vi)
		snap.BankCurrent = s.floatAt(ai)
	}

	return snap
}

func (s *Session) floatAt(index int) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s.values[index]), 64)
	if err != nil {
		return 0
	}
	return f
}

func (s *Session) intAt(index int) int {
	n, _ := leadingInt(s.values[index])
	return n
}

func (s *Session) boolAt(index int) bool {
	return s.intAt(index) != 0
}

// EventSink receives the result of each completed poll sweep. Implementations
// live outside the protocol core; the core never references the host
// framework that ultimately displays the snapshot.
type EventSink interface {
	PublishSnapshot(Snapshot)
}

// Poller drives the poll cycle on a fixed period.
type Poller struct {
	session  *Session
	interval time.Duration
	sink     EventSink
	logger   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewPoller creates a poller publishing each sweep's snapshot to sink.
func NewPoller(session *Session, interval time.Duration, sink EventSink, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		session:  session,
		interval: interval,
		sink:     sink,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic poll loop.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.wg.Add(1)

	go p.pollLoop()

	p.logger.Info("poller started", zap.Duration("interval", p.interval))
}

// Stop halts the poll loop and waits for an in-flight sweep to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("poller stopped")
}

// IsRunning reports whether the poll loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			// The ticker re-arms the cycle unconditionally; a failed sweep
			// only logs.
			snap, err := p.session.PollOnce(context.Background())
			if err != nil {
				p.logger.Error("poll sweep failed", zap.Error(err))
				continue
			}
			if p.sink != nil {
				p.sink.PublishSnapshot(snap)
			}
		}
	}
}
