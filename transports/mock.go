package transports

import (
	"time"
)

// MockTransport implements the session Transport for testing. It emulates
// the half-duplex request/response link: each Write records the request and
// shifts the next scripted response into the read buffer. Queue an empty
// response for fire-and-forget commands so the script stays aligned with the
// exchange sequence.
type MockTransport struct {
	// Responses are the scripted reply frames, consumed one per Write.
	Responses [][]byte
	// Writes records every request frame sent.
	Writes [][]byte

	ReadErr     error
	WriteErr    error
	Closed      bool
	ReadTimeout time.Duration
	Flushed     bool

	readBuf []byte
}

func (m *MockTransport) Read(p []byte) (int, error) {
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	if len(m.readBuf) == 0 {
		// Emulate a serial read timeout slice with no data.
		return 0, nil
	}
	n := copy(p, m.readBuf)
	m.readBuf = m.readBuf[n:]
	return n, nil
}

func (m *MockTransport) Write(p []byte) (int, error) {
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	m.Writes = append(m.Writes, append([]byte(nil), p...))
	if len(m.Responses) > 0 {
		m.readBuf = append(m.readBuf, m.Responses[0]...)
		m.Responses = m.Responses[1:]
	}
	return len(p), nil
}

func (m *MockTransport) Close() error {
	m.Closed = true
	return nil
}

func (m *MockTransport) SetReadTimeout(timeout time.Duration) error {
	m.ReadTimeout = timeout
	return nil
}

// Flush discards buffered input, like a real port would.
func (m *MockTransport) Flush() error {
	m.Flushed = true
	m.readBuf = nil
	return nil
}
