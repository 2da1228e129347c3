package lorawan

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/jacobsa/go-serial/serial"
)

// Wire opcodes for the radio co-processor link. The co-processor owns
// modulation and window timing; the host ships it framed requests over
// UART and blocks on the framed reply.
const (
	radioOpTransmit = 'T'
	radioOpReceive  = 'R'
	radioOpSleep    = 'S'
	radioOpWake     = 'W'
)

const (
	radioStatusOK      = 0
	radioStatusTimeout = 1
)

// maxRadioFrame bounds reply payloads; anything larger means a framing
// desync on the link.
const maxRadioFrame = 512

// SerialRadio drives a radio co-processor over a UART. Each request is
// opcode, little-endian length, body; each reply is status, length,
// payload.
type SerialRadio struct {
	mu   sync.Mutex
	port io.ReadWriteCloser
}

// OpenSerialRadio opens the co-processor link.
func OpenSerialRadio(device string, baud uint) (*SerialRadio, error) {
	port, err := serial.Open(serial.OpenOptions{
		PortName:        device,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open radio port %s: %w", device, err)
	}
	return &SerialRadio{port: port}, nil
}

// newSerialRadioForTest wraps an in-memory pipe.
func newSerialRadioForTest(port io.ReadWriteCloser) *SerialRadio {
	return &SerialRadio{port: port}
}

func (r *SerialRadio) command(op byte, body []byte) (byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req := make([]byte, 3+len(body))
	req[0] = op
	binary.LittleEndian.PutUint16(req[1:3], uint16(len(body)))
	copy(req[3:], body)
	if _, err := r.port.Write(req); err != nil {
		return 0, nil, fmt.Errorf("radio write: %w", err)
	}

	var hdr [3]byte
	if _, err := io.ReadFull(r.port, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("radio read: %w", err)
	}
	n := binary.LittleEndian.Uint16(hdr[1:3])
	if n > maxRadioFrame {
		return 0, nil, fmt.Errorf("radio reply length %d, link desynced", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.port, payload); err != nil {
		return 0, nil, fmt.Errorf("radio read: %w", err)
	}
	return hdr[0], payload, nil
}

// Transmit ships one frame. The call returns after the co-processor
// reports the frame on air.
func (r *SerialRadio) Transmit(frame []byte, params TxParams) error {
	body := make([]byte, 6+len(frame))
	binary.LittleEndian.PutUint32(body[0:4], params.FrequencyHz)
	body[4] = params.DataRate
	body[5] = params.TxPower
	copy(body[6:], frame)

	status, _, err := r.command(radioOpTransmit, body)
	if err != nil {
		return err
	}
	if status != radioStatusOK {
		return fmt.Errorf("radio tx rejected, status %d", status)
	}
	return nil
}

// Receive opens one receive window and blocks until a frame or the
// co-processor's timeout.
func (r *SerialRadio) Receive(window RxWindow) ([]byte, error) {
	var body [9]byte
	binary.LittleEndian.PutUint32(body[0:4], window.FrequencyHz)
	body[4] = window.DataRate
	binary.LittleEndian.PutUint32(body[5:9], uint32(window.Timeout.Milliseconds()))

	status, payload, err := r.command(radioOpReceive, body[:])
	if err != nil {
		return nil, err
	}
	switch status {
	case radioStatusOK:
		return payload, nil
	case radioStatusTimeout:
		return nil, ErrRxTimeout
	default:
		return nil, fmt.Errorf("radio rx failed, status %d", status)
	}
}

// Sleep puts the co-processor into its low-power state.
func (r *SerialRadio) Sleep() error {
	status, _, err := r.command(radioOpSleep, nil)
	if err != nil {
		return err
	}
	if status != radioStatusOK {
		return fmt.Errorf("radio sleep rejected, status %d", status)
	}
	return nil
}

// Wake brings the co-processor back up.
func (r *SerialRadio) Wake() error {
	status, _, err := r.command(radioOpWake, nil)
	if err != nil {
		return err
	}
	if status != radioStatusOK {
		return fmt.Errorf("radio wake rejected, status %d", status)
	}
	return nil
}

// Close shuts the UART.
func (r *SerialRadio) Close() error {
	return r.port.Close()
}
