package opb

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/antiath/openpowerbox/transports"
)

// Sweep rig: 1 DC + 1 dew heater + 1 bank, 3 physical switches, 13 logical
// indices. Index 0..2 switches, 3..6 global sensors, 7..12 per-channel pairs.
func pollResponses() [][]byte {
	return [][]byte{
		[]byte("#G0:1;"),     // dc 0 on
		[]byte("#G1:50;"),    // dew heater duty
		[]byte("#G2:0;"),     // bank off
		[]byte("#G3:12.00;"), // input voltage
		[]byte("#G4:2.50;"),  // total current
		[]byte("#G5:0;"),     // reserved
		[]byte("#G6:0;"),     // reserved
		[]byte("#G7:11.98;"), // dc 0 voltage
		[]byte("#G8:1.20;"),  // dc 0 current
		[]byte("#G9:0;"),     // dew heater voltage placeholder
		[]byte("#G10:0.75;"), // dew heater current
		[]byte("#G11:11.90;"),
		[]byte("#G12:0.55;"),
	}
}

func newPollSession(t *testing.T) (*Session, *transports.MockTransport) {
	t.Helper()
	mock := &transports.MockTransport{
		Responses: [][]byte{[]byte("#Z:1,1,0,1,0;")},
	}
	s := newTestSession(t, mock)
	if _, _, err := s.DiscoverTopology(context.Background()); err != nil {
		t.Fatalf("DiscoverTopology failed: %v", err)
	}
	return s, mock
}

func TestPollOnce(t *testing.T) {
	s, mock := newPollSession(t)
	mock.Responses = pollResponses()

	snap, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}

	if snap.Taken.IsZero() {
		t.Error("snapshot timestamp not set")
	}
	if snap.InputVoltage != 12.0 {
		t.Errorf("input voltage: got %v", snap.InputVoltage)
	}
	if snap.TotalCurrent != 2.5 {
		t.Errorf("total current: got %v", snap.TotalCurrent)
	}
	if math.Abs(snap.TotalPower-30.0) > 1e-9 {
		t.Errorf("total power: got %v, want 30", snap.TotalPower)
	}
	if len(snap.DCOn) != 1 || !snap.DCOn[0] {
		t.Errorf("dc switches: got %v", snap.DCOn)
	}
	if len(snap.PWMDuty) != 1 || snap.PWMDuty[0] != 50 {
		t.Errorf("duty: got %v", snap.PWMDuty)
	}
	if len(snap.BankOn) != 1 || snap.BankOn[0] {
		t.Errorf("bank: got %v", snap.BankOn)
	}
	if snap.DCVoltage[0] != 11.98 || snap.DCCurrent[0] != 1.2 {
		t.Errorf("dc sensors: got %v / %v", snap.DCVoltage, snap.DCCurrent)
	}
	if snap.PWMCurrent[0] != 0.75 {
		t.Errorf("dew heater current: got %v", snap.PWMCurrent)
	}
	if snap.BankVoltage != 11.9 || snap.BankCurrent != 0.55 {
		t.Errorf("bank sensors: got %v / %v", snap.BankVoltage, snap.BankCurrent)
	}
}

func TestPollOnceContinuesPastErrors(t *testing.T) {
	s, mock := newPollSession(t)

	// Seed a prior value for the index that will fail mid-sweep.
	mock.Responses = append(mock.Responses, []byte("#G4:2.00;"))
	if _, err := s.GetChannel(context.Background(), 4); err != nil {
		t.Fatalf("seed read failed: %v", err)
	}

	responses := pollResponses()
	responses[4] = []byte("#E sensor fault;") // total current read fails
	mock.Responses = responses

	snap, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce must survive a per-index failure: %v", err)
	}
	// The failed index keeps its stale cached value; the rest refreshed.
	if snap.TotalCurrent != 2.0 {
		t.Errorf("total current: got %v, want stale 2.0", snap.TotalCurrent)
	}
	if snap.InputVoltage != 12.0 {
		t.Errorf("input voltage: got %v", snap.InputVoltage)
	}
	if snap.BankCurrent != 0.55 {
		t.Errorf("bank current: got %v", snap.BankCurrent)
	}
}

func TestPollOnceRequiresTopology(t *testing.T) {
	mock := &transports.MockTransport{}
	s := newTestSession(t, mock)

	if _, err := s.PollOnce(context.Background()); !errors.Is(err, ErrNoTopology) {
		t.Errorf("expected ErrNoTopology, got %v", err)
	}
}

func TestPollOnceContextAborts(t *testing.T) {
	s, mock := newPollSession(t)
	mock.Responses = pollResponses()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.PollOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type countingSink struct {
	snaps chan Snapshot
}

func (c *countingSink) PublishSnapshot(snap Snapshot) {
	select {
	case c.snaps <- snap:
	default:
	}
}

func TestPollerStartStop(t *testing.T) {
	s, mock := newPollSession(t)
	mock.Responses = pollResponses()
	mock.Responses = append(mock.Responses, pollResponses()...)

	sink := &countingSink{snaps: make(chan Snapshot, 4)}
	poller := NewPoller(s, 10*time.Millisecond, sink, nil)

	poller.Start()
	if !poller.IsRunning() {
		t.Fatal("poller not running after Start")
	}
	poller.Start() // second Start is a no-op

	select {
	case snap := <-sink.snaps:
		if snap.InputVoltage != 12.0 {
			t.Errorf("published snapshot: input voltage %v", snap.InputVoltage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}

	poller.Stop()
	if poller.IsRunning() {
		t.Error("poller still running after Stop")
	}
	poller.Stop() // second Stop is a no-op
}
