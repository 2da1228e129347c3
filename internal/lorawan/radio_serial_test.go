package lorawan

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptPort is a half-duplex UART fake: writes are captured, reads are
// served from a pre-queued reply stream.
type scriptPort struct {
	wrote   bytes.Buffer
	replies bytes.Buffer
	closed  bool
}

func (p *scriptPort) Write(b []byte) (int, error) { return p.wrote.Write(b) }
func (p *scriptPort) Read(b []byte) (int, error)  { return p.replies.Read(b) }
func (p *scriptPort) Close() error                { p.closed = true; return nil }

func (p *scriptPort) queueReply(status byte, payload []byte) {
	p.replies.WriteByte(status)
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(payload)))
	p.replies.Write(n[:])
	p.replies.Write(payload)
}

func TestSerialRadioTransmit(t *testing.T) {
	port := &scriptPort{}
	port.queueReply(radioStatusOK, nil)
	r := newSerialRadioForTest(port)

	err := r.Transmit([]byte{0xAA, 0xBB}, TxParams{FrequencyHz: 868100000, DataRate: 5, TxPower: 14})
	require.NoError(t, err)

	want := []byte{'T', 8, 0}
	var freq [4]byte
	binary.LittleEndian.PutUint32(freq[:], 868100000)
	want = append(want, freq[:]...)
	want = append(want, 5, 14, 0xAA, 0xBB)
	assert.Equal(t, want, port.wrote.Bytes())
}

func TestSerialRadioTransmitRejected(t *testing.T) {
	port := &scriptPort{}
	port.queueReply(2, nil)
	r := newSerialRadioForTest(port)

	err := r.Transmit([]byte{0x01}, TxParams{})
	assert.ErrorContains(t, err, "status 2")
}

func TestSerialRadioReceive(t *testing.T) {
	port := &scriptPort{}
	port.queueReply(radioStatusOK, []byte{0x10, 0x20, 0x30})
	r := newSerialRadioForTest(port)

	frame, err := r.Receive(RxWindow{FrequencyHz: 869525000, DataRate: 0, Timeout: 4 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x20, 0x30}, frame)

	want := []byte{'R', 9, 0}
	var freq, ms [4]byte
	binary.LittleEndian.PutUint32(freq[:], 869525000)
	binary.LittleEndian.PutUint32(ms[:], 4000)
	want = append(want, freq[:]...)
	want = append(want, 0)
	want = append(want, ms[:]...)
	assert.Equal(t, want, port.wrote.Bytes())
}

func TestSerialRadioReceiveTimeout(t *testing.T) {
	port := &scriptPort{}
	port.queueReply(radioStatusTimeout, nil)
	r := newSerialRadioForTest(port)

	_, err := r.Receive(RxWindow{Timeout: time.Second})
	assert.ErrorIs(t, err, ErrRxTimeout)
}

func TestSerialRadioDesyncDetected(t *testing.T) {
	port := &scriptPort{}
	port.replies.Write([]byte{0, 0xFF, 0xFF}) // length 65535
	r := newSerialRadioForTest(port)

	_, err := r.Receive(RxWindow{})
	assert.ErrorContains(t, err, "desync")
}

func TestSerialRadioSleepWake(t *testing.T) {
	port := &scriptPort{}
	port.queueReply(radioStatusOK, nil)
	port.queueReply(radioStatusOK, nil)
	r := newSerialRadioForTest(port)

	require.NoError(t, r.Sleep())
	require.NoError(t, r.Wake())
	assert.Equal(t, []byte{'S', 0, 0, 'W', 0, 0}, port.wrote.Bytes())

	require.NoError(t, r.Close())
	assert.True(t, port.closed)
}
